// Package eventbus implements the typed progress event bus: ordered emission
// with monotonic sequence numbers, a fixed-capacity ring buffer of recent
// events, per-type and wildcard callbacks, and bounded multi-subscriber push
// streams.
package eventbus

import (
	"sync"
	"time"

	"loom/internal/logging"
)

// EventType classifies events into coarse categories.
type EventType string

const (
	EventWorkflow EventType = "workflow"
	EventAgent    EventType = "agent"
	EventTask     EventType = "task"
	EventLLM      EventType = "llm"
	EventLog      EventType = "log"
	EventMetric   EventType = "metric"
)

// Priority orders events by urgency for consumers that triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is a single progress notification. Immutable once emitted.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Type      EventType      `json:"type"`
	Kind      string         `json:"kind"` // sub-kind, e.g. "status_changed"
	Data      map[string]any `json:"data,omitempty"`
	Priority  Priority       `json:"priority"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Callback receives events synchronously during emit. Panics are caught and
// logged, never propagated to the emitter.
type Callback func(Event)

// StreamFilter restricts which events a subscriber stream receives. Zero
// value matches everything.
type StreamFilter struct {
	Types   []EventType
	TaskIDs []string
}

func (f StreamFilter) matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.TaskIDs) > 0 {
		ok := false
		for _, id := range f.TaskIDs {
			if id == e.TaskID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Stream is an ordered FIFO subscriber handle. It does not own or affect
// task lifecycle; detach with Bus.RemoveStream.
type Stream struct {
	id      uint64
	ch      chan Event
	filter  StreamFilter
	dropped uint64
	closed  bool
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event { return s.ch }

// Stats reports bus activity.
type Stats struct {
	TotalEvents       uint64               `json:"total_events"`
	CountsByType      map[EventType]uint64 `json:"counts_by_type"`
	Uptime            time.Duration        `json:"uptime"`
	ActiveSubscribers int                  `json:"active_subscribers"`
	BufferSize        int                  `json:"buffer_size"`
	BufferCapacity    int                  `json:"buffer_capacity"`
	DroppedEvents     uint64               `json:"dropped_events"`
}

const (
	defaultBufferCapacity = 1024
	defaultStreamBuffer   = 64
)

// Bus is the progress event bus. Safe for concurrent use.
type Bus struct {
	mu           sync.Mutex
	seq          uint64
	buffer       []Event // ring buffer
	next         int
	count        int
	callbacks    map[EventType][]Callback
	anyCallbacks []Callback
	streams      map[uint64]*Stream
	nextStreamID uint64
	countsByType map[EventType]uint64
	dropped      uint64
	started      time.Time
	streamBuffer int
	logger       logging.Logger
}

// New creates a Bus with the given ring-buffer capacity and per-stream queue
// size. Non-positive values use defaults.
func New(bufferCapacity, streamBuffer int) *Bus {
	if bufferCapacity <= 0 {
		bufferCapacity = defaultBufferCapacity
	}
	if streamBuffer <= 0 {
		streamBuffer = defaultStreamBuffer
	}
	return &Bus{
		buffer:       make([]Event, bufferCapacity),
		callbacks:    make(map[EventType][]Callback),
		streams:      make(map[uint64]*Stream),
		countsByType: make(map[EventType]uint64),
		started:      time.Now(),
		streamBuffer: streamBuffer,
		logger:       logging.NewComponentLogger("eventbus"),
	}
}

// Emit appends a new event with the next sequence number, stores it in the
// ring buffer, pushes a copy into every matching subscriber stream, then
// invokes exact-type callbacks followed by wildcard callbacks in registration
// order.
func (b *Bus) Emit(eventType EventType, kind string, data map[string]any, priority Priority, agentID, taskID string) Event {
	if priority == "" {
		priority = PriorityNormal
	}

	b.mu.Lock()
	b.seq++
	event := Event{
		Sequence:  b.seq,
		Type:      eventType,
		Kind:      kind,
		Data:      data,
		Priority:  priority,
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}

	b.buffer[b.next] = event
	b.next = (b.next + 1) % len(b.buffer)
	if b.count < len(b.buffer) {
		b.count++
	}
	b.countsByType[eventType]++

	// Push to streams while holding the lock so that per-stream delivery
	// order always equals emission order.
	for _, stream := range b.streams {
		if !stream.filter.matches(event) {
			continue
		}
		b.pushLocked(stream, event)
	}

	typed := make([]Callback, len(b.callbacks[eventType]))
	copy(typed, b.callbacks[eventType])
	wildcard := make([]Callback, len(b.anyCallbacks))
	copy(wildcard, b.anyCallbacks)
	b.mu.Unlock()

	for _, cb := range typed {
		b.invoke(cb, event)
	}
	for _, cb := range wildcard {
		b.invoke(cb, event)
	}

	return event
}

// pushLocked delivers to one stream with drop-oldest semantics under a full
// queue. Must be called with b.mu held.
func (b *Bus) pushLocked(stream *Stream, event Event) {
	if stream.closed {
		return
	}
	for {
		select {
		case stream.ch <- event:
			return
		default:
		}
		// Queue is full: evict the oldest entry and retry.
		select {
		case <-stream.ch:
			stream.dropped++
			b.dropped++
		default:
		}
	}
}

func (b *Bus) invoke(cb Callback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event callback panic on %s/%s: %v", event.Type, event.Kind, r)
		}
	}()
	cb(event)
}

// On registers a callback for one exact event type.
func (b *Bus) On(eventType EventType, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[eventType] = append(b.callbacks[eventType], cb)
}

// OnAny registers a wildcard callback consulted on every emit, after the
// exact-type callbacks.
func (b *Bus) OnAny(cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyCallbacks = append(b.anyCallbacks, cb)
}

// CreateStream attaches a new subscriber stream. It receives every matching
// event emitted after attachment until removed.
func (b *Bus) CreateStream(filter StreamFilter) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextStreamID++
	stream := &Stream{
		id:     b.nextStreamID,
		ch:     make(chan Event, b.streamBuffer),
		filter: filter,
	}
	b.streams[stream.id] = stream
	return stream
}

// RemoveStream detaches a subscriber. Its channel is closed; other
// subscribers and task execution are unaffected. Idempotent.
func (b *Bus) RemoveStream(stream *Stream) {
	if stream == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[stream.id]; !ok {
		return
	}
	delete(b.streams, stream.id)
	stream.closed = true
	close(stream.ch)
}

// GetEvents returns up to limit most recent buffered events matching the type
// filter (empty matches all), ordered newest-last.
func (b *Bus) GetEvents(typeFilter EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	var matched []Event
	start := b.next - b.count
	if start < 0 {
		start += len(b.buffer)
	}
	for i := 0; i < b.count; i++ {
		event := b.buffer[(start+i)%len(b.buffer)]
		if typeFilter != "" && event.Type != typeFilter {
			continue
		}
		matched = append(matched, event)
	}

	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// GetStats returns a snapshot of bus activity.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[EventType]uint64, len(b.countsByType))
	for t, n := range b.countsByType {
		counts[t] = n
	}
	return Stats{
		TotalEvents:       b.seq,
		CountsByType:      counts,
		Uptime:            time.Since(b.started),
		ActiveSubscribers: len(b.streams),
		BufferSize:        b.count,
		BufferCapacity:    len(b.buffer),
		DroppedEvents:     b.dropped,
	}
}

// Dropped reports how many events this stream discarded under backpressure.
func (b *Bus) Dropped(stream *Stream) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stream.dropped
}
