// Package llm implements the gateway to the remote completion/streaming
// service: wire types, the HTTP transport, and the resilience wrapper that
// owns rate limiting, retry with backoff, and ordered model fallback.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message in an ordered conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion or streaming call.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the result of one gateway call. Model is the model
// that actually answered, which may differ from the requested model after
// fallback. Immutable once returned.
type CompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Retries int    `json:"retries"` // Retries consumed before success
}

// StreamChunk is one element of a streamed completion. Exactly one of Delta
// or Err is meaningful; Done marks the final chunk.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage *Usage // Set on the final chunk when the upstream reports usage
	Err   error
}

// Client is the raw transport to one completion endpoint. Implementations
// perform a single attempt; resilience lives in the Gateway.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}
