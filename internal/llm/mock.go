package llm

import (
	"context"
	"sync"
)

// MockClient implements Client for tests. Responses and errors are scripted
// in order; once the script is exhausted the default response is returned.
type MockClient struct {
	mu       sync.Mutex
	script   []scriptEntry
	calls    []CompletionRequest
	Default  CompletionResponse
	StreamFn func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

type scriptEntry struct {
	resp *CompletionResponse
	err  error
}

// NewMockClient returns a mock with a canned default response.
func NewMockClient() *MockClient {
	return &MockClient{
		Default: CompletionResponse{
			Content: "mock response",
			Usage:   Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		},
	}
}

// QueueResponse appends a successful scripted response.
func (m *MockClient) QueueResponse(resp CompletionResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptEntry{resp: &resp})
	return m
}

// QueueError appends a scripted failure.
func (m *MockClient) QueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptEntry{err: err})
	return m
}

// Calls returns a copy of every request received so far.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// Complete pops the next scripted entry, or returns the default response.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.script) > 0 {
		entry := m.script[0]
		m.script = m.script[1:]
		if entry.err != nil {
			return nil, entry.err
		}
		resp := *entry.resp
		if resp.Model == "" {
			resp.Model = req.Model
		}
		return &resp, nil
	}

	resp := m.Default
	resp.Model = req.Model
	return &resp, nil
}

// Stream delegates to StreamFn when set, otherwise emits the default content
// as a short chunk sequence.
func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if m.StreamFn != nil {
		return m.StreamFn(ctx, req)
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	var entry *scriptEntry
	if len(m.script) > 0 {
		entry = &m.script[0]
		m.script = m.script[1:]
	}
	content := m.Default.Content
	usage := m.Default.Usage
	m.mu.Unlock()

	if entry != nil {
		if entry.err != nil {
			return nil, entry.err
		}
		content = entry.resp.Content
		usage = entry.resp.Usage
	}

	ch := make(chan StreamChunk, 4)
	go func() {
		defer close(ch)
		half := len(content) / 2
		for _, delta := range []string{content[:half], content[half:]} {
			select {
			case ch <- StreamChunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		finalUsage := usage
		select {
		case ch <- StreamChunk{Done: true, Usage: &finalUsage}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
