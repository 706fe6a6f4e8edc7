package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/logging"
)

// GatewayConfig configures resilience policy for one Gateway instance.
type GatewayConfig struct {
	// FallbackModels are tried in order after the requested model's retry
	// budget is exhausted. The retry counter resets for each model.
	FallbackModels []string

	// KnownModels lists models this gateway accepts. Requests naming any
	// other model fail with a ValidationError. FallbackModels are always
	// considered known.
	KnownModels []string

	// Retry bounds attempts per model: 1 initial call + MaxRetries retries.
	Retry loomerrors.RetryConfig

	// MinInterval is the minimum delay between any two upstream requests
	// issued by this gateway instance, regardless of retry state.
	MinInterval time.Duration

	// CallTimeout bounds each individual upstream attempt. Expiry surfaces
	// as a retryable NetworkError.
	CallTimeout time.Duration
}

// DefaultGatewayConfig returns the resilience defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Retry:       loomerrors.DefaultRetryConfig(),
		MinInterval: 100 * time.Millisecond,
		CallTimeout: 120 * time.Second,
	}
}

// RequestRecorder receives per-request observability data. Implemented by the
// observability package; nil disables recording.
type RequestRecorder interface {
	RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, promptTokens, completionTokens int)
}

// Gateway wraps a raw Client with validation, a per-instance rate limiter,
// per-model retry with exponential backoff, and ordered model fallback.
type Gateway struct {
	client   Client
	config   GatewayConfig
	known    map[string]struct{}
	logger   logging.Logger
	recorder RequestRecorder

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGateway wraps client with the resilience policy in config.
func NewGateway(client Client, config GatewayConfig, recorder RequestRecorder) *Gateway {
	known := make(map[string]struct{}, len(config.KnownModels)+len(config.FallbackModels))
	for _, m := range config.KnownModels {
		known[m] = struct{}{}
	}
	for _, m := range config.FallbackModels {
		known[m] = struct{}{}
	}
	return &Gateway{
		client:   client,
		config:   config,
		known:    known,
		logger:   logging.NewLLMLogger("gateway"),
		recorder: recorder,
	}
}

// Complete executes a completion call under the full resilience policy.
// ValidationErrors are never retried; RateLimitErrors and NetworkErrors are
// retried with backoff up to the per-model budget before advancing to the
// next fallback model; exhausting every model raises a ModelError.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := g.validate(req); err != nil {
		return nil, err
	}

	models := g.modelChain(req.Model)
	retries := 0
	var lastErr error

	for _, model := range models {
		attemptReq := req
		attemptReq.Model = model

		for attempt := 0; attempt <= g.config.Retry.MaxRetries; attempt++ {
			if err := g.waitTurn(ctx); err != nil {
				return nil, err
			}

			start := time.Now()
			resp, err := g.completeOnce(ctx, attemptReq)
			if err == nil {
				if resp.Model == "" {
					resp.Model = model
				}
				resp.Retries = retries
				g.record(ctx, model, "success", time.Since(start), resp.Usage)
				if retries > 0 {
					g.logger.Info("completion succeeded on %s after %d retries", model, retries)
				}
				return resp, nil
			}

			g.record(ctx, model, "error", time.Since(start), Usage{})
			if loomerrors.IsValidation(err) {
				return nil, err
			}

			lastErr = err
			retries++

			if !loomerrors.IsTransient(err) {
				g.logger.Warn("model %s failed permanently: %v", model, err)
				break
			}
			if attempt == g.config.Retry.MaxRetries {
				g.logger.Warn("model %s exhausted retry budget: %v", model, err)
				break
			}

			if err := g.sleepBackoff(ctx, attempt, err); err != nil {
				return nil, err
			}
		}
	}

	return nil, loomerrors.NewModelError(models, lastErr)
}

// Stream opens a streaming completion. Establishment failures follow the same
// retry-and-fallback policy as Complete; once chunks start flowing the stream
// is not restarted, and errors surface on the returned channel.
func (g *Gateway) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if err := g.validate(req); err != nil {
		return nil, err
	}

	models := g.modelChain(req.Model)
	var lastErr error

	for _, model := range models {
		attemptReq := req
		attemptReq.Model = model

		for attempt := 0; attempt <= g.config.Retry.MaxRetries; attempt++ {
			if err := g.waitTurn(ctx); err != nil {
				return nil, err
			}

			ch, err := g.client.Stream(ctx, attemptReq)
			if err == nil {
				return ch, nil
			}
			if loomerrors.IsValidation(err) {
				return nil, err
			}

			lastErr = err
			if !loomerrors.IsTransient(err) || attempt == g.config.Retry.MaxRetries {
				break
			}
			if err := g.sleepBackoff(ctx, attempt, err); err != nil {
				return nil, err
			}
		}
	}

	return nil, loomerrors.NewModelError(models, lastErr)
}

func (g *Gateway) completeOnce(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if g.config.CallTimeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		ctx = callCtx
	}

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, loomerrors.NewNetworkError(err, "completion call timed out")
		}
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) validate(req CompletionRequest) error {
	if len(req.Messages) == 0 {
		return loomerrors.NewValidationError("messages", "must not be empty")
	}
	if req.Model == "" {
		return loomerrors.NewValidationError("model", "must be set")
	}
	if len(g.known) > 0 {
		if _, ok := g.known[req.Model]; !ok {
			return loomerrors.NewValidationError("model", "unknown model "+req.Model)
		}
	}
	return nil
}

// modelChain returns the requested model followed by fallbacks, deduplicated.
func (g *Gateway) modelChain(primary string) []string {
	chain := make([]string, 0, 1+len(g.config.FallbackModels))
	chain = append(chain, primary)
	for _, m := range g.config.FallbackModels {
		if m != primary {
			chain = append(chain, m)
		}
	}
	return chain
}

// waitTurn enforces the minimum inter-request delay. Concurrent callers are
// serialized so the interval holds across the whole instance.
func (g *Gateway) waitTurn(ctx context.Context) error {
	if g.config.MinInterval <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	wait := g.config.MinInterval - time.Since(g.lastRequest)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.lastRequest = time.Now()
	return nil
}

// sleepBackoff waits the exponential backoff delay for attempt, honoring a
// server-provided Retry-After hint when it is longer.
func (g *Gateway) sleepBackoff(ctx context.Context, attempt int, cause error) error {
	delay := loomerrors.Backoff(attempt, g.config.Retry)

	var rateErr *loomerrors.RateLimitError
	if errors.As(cause, &rateErr) && rateErr.RetryAfter > 0 {
		hinted := time.Duration(rateErr.RetryAfter) * time.Second
		if hinted > delay {
			delay = hinted
		}
	}

	g.logger.Debug("backing off %v after attempt %d: %v", delay, attempt+1, cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) record(ctx context.Context, model, status string, latency time.Duration, usage Usage) {
	if g.recorder == nil {
		return
	}
	g.recorder.RecordLLMRequest(ctx, model, status, latency, usage.PromptTokens, usage.CompletionTokens)
}
