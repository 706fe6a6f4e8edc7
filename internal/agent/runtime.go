// Package agent implements the single-agent runtime: an immutable
// configuration, a small lifecycle state machine, and a run pipeline of
// validation, budget-checked LLM execution, and output formatting.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/token"
)

// Config is the immutable per-agent configuration. Copy it to change it.
type Config struct {
	Name        string
	Model       string
	Temperature float64
	MaxTokens   int
	Credential  string
	Timeout     time.Duration
	MaxRetries  int

	// SystemPrompt seeds the conversation; empty means no system message.
	SystemPrompt string

	// SafetyMargin is the context-window fraction held back before the
	// fit check. Zero uses the manager default.
	SafetyMargin float64
}

// DefaultConfig returns a Config with the usual serving defaults applied on
// top of the given name and model.
func DefaultConfig(name, model string) Config {
	return Config{
		Name:        name,
		Model:       model,
		Temperature: 0.7,
		MaxTokens:   2048,
		Timeout:     120 * time.Second,
		MaxRetries:  3,
	}
}

// Metrics accumulates counters over one run. Values only grow while the run
// is in flight and are preserved on failure.
type Metrics struct {
	LLMCalls         int           `json:"llm_calls"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	RetryCount       int           `json:"retry_count"`
	Compressions     int           `json:"compressions"`
	EstimatedCost    float64       `json:"estimated_cost"`
	Duration         time.Duration `json:"duration"`
}

// State is the runtime lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Hook observes lifecycle stage completions ("validation_complete",
// "execution_complete"). Hooks run synchronously; panics are caught and
// logged.
type Hook func(stage string, payload map[string]any)

// Result is the outcome of one run.
type Result struct {
	Status  State   `json:"status"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Runtime executes one agent. A Runtime is not concurrently re-entrant: a
// second Run while one is in flight is rejected. Sequential reuse is fine.
type Runtime struct {
	config  Config
	client  llm.Client
	counter *token.Counter
	logger  logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	paused  bool
	metrics Metrics
	hooks   []Hook
}

// New creates a Runtime bound to an LLM client and a token counter.
func New(config Config, client llm.Client, counter *token.Counter, logger logging.Logger) *Runtime {
	r := &Runtime{
		config:  config,
		client:  client,
		counter: counter,
		logger:  logging.OrNop(logger),
		state:   StateIdle,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Config returns a copy of the runtime's configuration.
func (r *Runtime) Config() Config { return r.config }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Metrics returns a snapshot of the current run's counters.
func (r *Runtime) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// OnStage registers a lifecycle hook. Hooks registered mid-run take effect
// from the next stage boundary.
func (r *Runtime) OnStage(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Pause suspends execution at the next stage checkpoint. Orthogonal to the
// lifecycle states; a paused run stays running until resumed or until its
// context is cancelled.
func (r *Runtime) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume lifts a pause.
func (r *Runtime) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.cond.Broadcast()
}

// Run executes the pipeline: validate input, call the model within the token
// budget, format the output. Any stage error fails the run; metrics
// accumulated before the failure are preserved in the result.
func (r *Runtime) Run(ctx context.Context, input string) (*Result, error) {
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return nil, loomerrors.NewValidationError("state", "agent is already running")
	}
	r.state = StateRunning
	r.metrics = Metrics{}
	r.mu.Unlock()

	started := time.Now()
	result, err := r.run(ctx, input)

	r.mu.Lock()
	r.metrics.Duration = time.Since(started)
	result.Metrics = r.metrics
	if err != nil {
		r.state = StateFailed
		result.Status = StateFailed
		result.Error = err.Error()
		r.logger.Error("agent %s run failed: %v", r.config.Name, err)
	} else {
		r.state = StateCompleted
		result.Status = StateCompleted
	}
	r.mu.Unlock()

	return result, err
}

func (r *Runtime) run(ctx context.Context, input string) (*Result, error) {
	result := &Result{}

	if err := r.validateInput(input); err != nil {
		return result, err
	}
	r.checkpoint(ctx)
	r.fireHooks("validation_complete", map[string]any{"agent": r.config.Name})

	output, err := r.execute(ctx, input)
	if err != nil {
		return result, err
	}
	r.checkpoint(ctx)
	r.fireHooks("execution_complete", map[string]any{
		"agent":  r.config.Name,
		"tokens": r.Metrics().TotalTokens,
	})

	result.Output = formatOutput(output)
	return result, nil
}

// validateInput is side-effect free: it inspects input and configuration and
// never touches the network.
func (r *Runtime) validateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return loomerrors.NewValidationError("input", "input must not be empty")
	}
	if r.config.Model == "" {
		return loomerrors.NewValidationError("model", "agent model must be configured")
	}
	if r.config.MaxTokens < 0 {
		return loomerrors.NewValidationError("max_tokens", "max_tokens must not be negative")
	}
	return nil
}

func (r *Runtime) execute(ctx context.Context, input string) (string, error) {
	messages := r.buildMessages(input)

	fit := r.counter.CheckContextFit(messages, r.config.Model, r.config.MaxTokens, r.config.SafetyMargin)
	if !fit.Fits {
		compressed, err := r.counter.CompressMessages(messages, fit.Available, true, 1, r.config.Model)
		if loomerrors.IsCompressionOverflow(err) {
			// Dropping whole messages cannot help when the mandatory set
			// itself is too big; shrink the newest message instead.
			compressed, err = r.compressLastMessage(messages, fit.Available)
		}
		if err != nil {
			return "", err
		}
		messages = compressed
		r.mu.Lock()
		r.metrics.Compressions++
		r.mu.Unlock()
	}

	callCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	resp, err := r.client.Complete(callCtx, llm.CompletionRequest{
		Model:       r.config.Model,
		Messages:    messages,
		Temperature: r.config.Temperature,
		MaxTokens:   r.config.MaxTokens,
	})

	r.mu.Lock()
	r.metrics.LLMCalls++
	if resp != nil {
		r.metrics.PromptTokens += resp.Usage.PromptTokens
		r.metrics.CompletionTokens += resp.Usage.CompletionTokens
		r.metrics.TotalTokens += resp.Usage.TotalTokens
		r.metrics.RetryCount += resp.Retries
		r.metrics.EstimatedCost += observability.EstimateCost(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	r.mu.Unlock()

	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// compressLastMessage rewrites the newest message so the whole set fits the
// available budget, keeping both ends of its content.
func (r *Runtime) compressLastMessage(messages []llm.Message, available int) ([]llm.Message, error) {
	last := messages[len(messages)-1]
	total := r.counter.CountMessagesTokens(messages, r.config.Model)
	overhead := total - r.counter.CountTokens(last.Content, r.config.Model)

	res, err := r.counter.CompressText(last.Content, available-overhead, token.StrategySlidingWindow, r.config.Model)
	if err != nil {
		return nil, err
	}

	out := append([]llm.Message(nil), messages...)
	out[len(out)-1].Content = res.Text
	return out, nil
}

func (r *Runtime) buildMessages(input string) []llm.Message {
	var messages []llm.Message
	if r.config.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: r.config.SystemPrompt})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: input})
}

// formatOutput is pure: same input, same output, no side effects.
func formatOutput(output string) string {
	return strings.TrimSpace(output)
}

// checkpoint blocks while paused. Resume lifts the pause; cancelling ctx also
// releases the wait so a paused run cannot outlive its caller.
func (r *Runtime) checkpoint(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}

	// cond.Wait cannot watch ctx on its own; broadcast when it is done.
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()

	for r.paused && ctx.Err() == nil {
		r.cond.Wait()
	}
}

func (r *Runtime) fireHooks(stage string, payload map[string]any) {
	r.mu.Lock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("agent %s hook panic at %s: %v", r.config.Name, stage, rec)
				}
			}()
			hook(stage, payload)
		}()
	}
}
