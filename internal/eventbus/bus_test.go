package eventbus

import (
	"fmt"
	"testing"
	"time"
)

func drain(s *Stream) []Event {
	var events []Event
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	bus := New(16, 16)

	var last uint64
	for i := 0; i < 10; i++ {
		e := bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")
		if e.Sequence != last+1 {
			t.Fatalf("sequence %d after %d, want %d", e.Sequence, last, last+1)
		}
		last = e.Sequence
	}
}

func TestStreamReceivesInEmissionOrder(t *testing.T) {
	bus := New(64, 64)
	stream := bus.CreateStream(StreamFilter{})
	defer bus.RemoveStream(stream)

	for i := 0; i < 20; i++ {
		bus.Emit(EventAgent, "step", map[string]any{"i": i}, PriorityNormal, "a1", "")
	}

	events := drain(stream)
	if len(events) != 20 {
		t.Fatalf("received %d events, want 20", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Errorf("out of order at %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestStreamFilterByTypeAndTask(t *testing.T) {
	bus := New(64, 64)
	stream := bus.CreateStream(StreamFilter{Types: []EventType{EventTask}, TaskIDs: []string{"t1"}})
	defer bus.RemoveStream(stream)

	bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")
	bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t2")
	bus.Emit(EventLog, "line", nil, PriorityLow, "", "t1")

	events := drain(stream)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].TaskID != "t1" || events[0].Type != EventTask {
		t.Errorf("wrong event passed filter: %+v", events[0])
	}
}

func TestCallbacksRunInRegistrationOrderTypedBeforeWildcard(t *testing.T) {
	bus := New(16, 16)
	var order []string

	bus.OnAny(func(Event) { order = append(order, "any1") })
	bus.On(EventTask, func(Event) { order = append(order, "typed1") })
	bus.On(EventTask, func(Event) { order = append(order, "typed2") })
	bus.OnAny(func(Event) { order = append(order, "any2") })

	bus.Emit(EventTask, "created", nil, PriorityNormal, "", "t1")

	want := []string{"typed1", "typed2", "any1", "any2"}
	if len(order) != len(want) {
		t.Fatalf("invoked %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("invoked %v, want %v", order, want)
		}
	}
}

func TestCallbackPanicDoesNotBreakEmit(t *testing.T) {
	bus := New(16, 16)
	ran := false

	bus.On(EventTask, func(Event) { panic("boom") })
	bus.On(EventTask, func(Event) { ran = true })

	bus.Emit(EventTask, "created", nil, PriorityNormal, "", "t1")
	if !ran {
		t.Error("callback after the panicking one did not run")
	}

	// The bus must stay usable.
	e := bus.Emit(EventTask, "created", nil, PriorityNormal, "", "t2")
	if e.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", e.Sequence)
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	bus := New(128, 4)
	slow := bus.CreateStream(StreamFilter{})
	fast := bus.CreateStream(StreamFilter{})
	defer bus.RemoveStream(slow)

	for i := 0; i < 10; i++ {
		bus.Emit(EventTask, "progress", map[string]any{"i": i}, PriorityNormal, "", "t1")
		// Keep the fast stream drained so it never overflows.
		drain(fast)
	}

	events := drain(slow)
	if len(events) != 4 {
		t.Fatalf("slow stream holds %d events, want 4 (queue size)", len(events))
	}
	// The survivors are the newest four, still in order.
	if events[0].Sequence != 7 || events[3].Sequence != 10 {
		t.Errorf("survivors %d..%d, want 7..10", events[0].Sequence, events[3].Sequence)
	}
	if got := bus.Dropped(slow); got != 6 {
		t.Errorf("dropped = %d, want 6", got)
	}
	bus.RemoveStream(fast)
}

func TestRemoveStreamIsolatesOthers(t *testing.T) {
	bus := New(16, 16)
	a := bus.CreateStream(StreamFilter{})
	b := bus.CreateStream(StreamFilter{})

	bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")
	bus.RemoveStream(a)
	bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")

	if _, ok := <-a.Events(); !ok {
		// First receive returns the buffered event; keep reading until closed.
	}
	if _, ok := <-a.Events(); ok {
		t.Error("removed stream channel should be closed after its buffer drains")
	}

	events := drain(b)
	if len(events) != 2 {
		t.Errorf("surviving stream received %d events, want 2", len(events))
	}

	// Removing twice is a no-op.
	bus.RemoveStream(a)
	bus.RemoveStream(b)
}

func TestGetEventsRingEviction(t *testing.T) {
	bus := New(8, 16)
	for i := 0; i < 12; i++ {
		bus.Emit(EventTask, fmt.Sprintf("k%d", i), nil, PriorityNormal, "", "t1")
	}

	events := bus.GetEvents("", 0)
	if len(events) != 8 {
		t.Fatalf("buffered %d events, want 8", len(events))
	}
	if events[0].Sequence != 5 {
		t.Errorf("oldest buffered sequence = %d, want 5", events[0].Sequence)
	}
	if events[len(events)-1].Sequence != 12 {
		t.Errorf("newest buffered sequence = %d, want 12", events[len(events)-1].Sequence)
	}
}

func TestGetEventsFilterAndLimit(t *testing.T) {
	bus := New(32, 16)
	for i := 0; i < 6; i++ {
		bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")
		bus.Emit(EventLog, "line", nil, PriorityLow, "", "t1")
	}

	events := bus.GetEvents(EventLog, 3)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for _, e := range events {
		if e.Type != EventLog {
			t.Errorf("filtered query returned %s event", e.Type)
		}
	}
	// Newest-last ordering, most recent matches.
	if events[2].Sequence != 12 {
		t.Errorf("newest returned sequence = %d, want 12", events[2].Sequence)
	}
}

func TestGetStats(t *testing.T) {
	bus := New(16, 16)
	stream := bus.CreateStream(StreamFilter{})
	defer bus.RemoveStream(stream)

	bus.Emit(EventTask, "created", nil, PriorityNormal, "", "t1")
	bus.Emit(EventTask, "progress", nil, PriorityNormal, "", "t1")
	bus.Emit(EventLLM, "request", nil, PriorityNormal, "", "t1")

	stats := bus.GetStats()
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.CountsByType[EventTask] != 2 || stats.CountsByType[EventLLM] != 1 {
		t.Errorf("CountsByType = %v", stats.CountsByType)
	}
	if stats.ActiveSubscribers != 1 {
		t.Errorf("ActiveSubscribers = %d, want 1", stats.ActiveSubscribers)
	}
	if stats.BufferSize != 3 || stats.BufferCapacity != 16 {
		t.Errorf("buffer %d/%d, want 3/16", stats.BufferSize, stats.BufferCapacity)
	}
	if stats.Uptime <= 0 {
		t.Errorf("Uptime = %v, want positive", stats.Uptime)
	}
}

func TestEmitDefaultsPriority(t *testing.T) {
	bus := New(16, 16)
	e := bus.Emit(EventTask, "created", nil, "", "", "t1")
	if e.Priority != PriorityNormal {
		t.Errorf("priority = %q, want %q", e.Priority, PriorityNormal)
	}
	if e.Timestamp.IsZero() || e.Timestamp.After(time.Now()) {
		t.Errorf("timestamp not set sanely: %v", e.Timestamp)
	}
}
