// Package token implements the token budget manager: deterministic per-model
// token counting backed by tiktoken-go, context-window fit checks, and
// budget-constrained compression of text and message sets.
package token

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"loom/internal/llm"
)

// DefaultContextWindow is assumed for models missing from the limits table.
const DefaultContextWindow = 8192

// Per-message formatting overhead in the chat wire format, plus the tokens
// that prime the assistant reply.
const (
	perMessageOverhead = 4
	replyPrimerTokens  = 2
)

// contextWindows maps model identifiers to their combined prompt+completion
// token limit.
var contextWindows = map[string]int{
	"gpt-4":           8192,
	"gpt-4-turbo":     128000,
	"gpt-4o":          128000,
	"gpt-3.5-turbo":   16385,
	"claude-3-opus":   200000,
	"claude-3-sonnet": 200000,
	"claude-3-haiku":  200000,
	"deepseek-chat":   65536,
}

// ContextWindow returns the context window for model, or DefaultContextWindow
// when the model is unknown.
func ContextWindow(model string) int {
	if limit, ok := contextWindows[model]; ok {
		return limit
	}
	return DefaultContextWindow
}

const defaultCacheSize = 4096

// Counter provides deterministic token counting per (text, model) pair.
// Encodings are resolved per model and counts are memoized in an LRU cache.
// Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	cache     *lru.Cache[string, int]
}

// NewCounter creates a Counter with the given cache size (<=0 uses a default).
func NewCounter(cacheSize int) *Counter {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, int](cacheSize)
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		cache:     cache,
	}
}

// CountTokens returns the token count of text under model's encoding. The
// result is a pure function of (text, model); different models may tokenize
// the same text differently.
func (c *Counter) CountTokens(text, model string) int {
	if text == "" {
		return 0
	}

	key := model + "\x00" + text
	if count, ok := c.cache.Get(key); ok {
		return count
	}

	var count int
	if enc := c.encodingFor(model); enc != nil {
		count = len(enc.Encode(text, nil, nil))
	} else {
		count = estimateFast(text)
	}

	c.cache.Add(key, count)
	return count
}

// CountMessagesTokens returns the token count of a message set: per-message
// content plus the fixed formatting overhead, plus the reply primer.
func (c *Counter) CountMessagesTokens(messages []llm.Message, model string) int {
	if len(messages) == 0 {
		return 0
	}
	total := replyPrimerTokens
	for _, msg := range messages {
		total += perMessageOverhead
		total += c.CountTokens(msg.Content, model)
		total += c.CountTokens(msg.Role, model)
	}
	return total
}

// ContextFit is the result of a CheckContextFit call.
type ContextFit struct {
	Fits      bool
	Used      int
	Available int
}

// CheckContextFit reports whether messages plus a completion of up to
// maxCompletionTokens fit in model's context window after reserving
// safetyMargin (a fraction of the window). Pure and idempotent.
func (c *Counter) CheckContextFit(messages []llm.Message, model string, maxCompletionTokens int, safetyMargin float64) ContextFit {
	if safetyMargin < 0 || safetyMargin >= 1 {
		safetyMargin = 0.1
	}

	limit := ContextWindow(model)
	available := int(float64(limit)*(1-safetyMargin)) - maxCompletionTokens
	used := c.CountMessagesTokens(messages, model)

	return ContextFit{
		Fits:      used <= available,
		Used:      used,
		Available: available,
	}
}

// encodingFor resolves the tiktoken encoding for model, caching per model.
// Returns nil when no encoding can be initialized (heuristic fallback).
func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model name: fall back to the cl100k_base encoding
		// shared by GPT-3.5/4-era and Claude-compatible tokenizers.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}

// estimateFast returns a heuristic token estimate: max(runes/4, word_count).
func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
