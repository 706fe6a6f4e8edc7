// Package orchestrator coordinates task execution: admission and concurrency
// control, per-step progress reporting over the event bus, cooperative
// cancellation, and the post-execution quality gate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"loom/internal/agent"
	"loom/internal/async"
	loomerrors "loom/internal/errors"
	"loom/internal/eventbus"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/task"
	"loom/internal/token"
)

// Config bounds orchestrator behavior.
type Config struct {
	// MaxConcurrent caps the number of tasks executing at once; further
	// executions queue on the semaphore.
	MaxConcurrent int

	// MaxIterations bounds agent attempts per task when the spec does not
	// set its own limit.
	MaxIterations int

	// AgentTimeout bounds each agent run.
	AgentTimeout time.Duration

	// DefaultModel is used by specs that do not name a model.
	DefaultModel string

	// QualityGateModel runs the review pass for gated tasks.
	QualityGateModel string

	// SafetyMargin is handed to the agent's context fit check.
	SafetyMargin float64
}

// DefaultConfig returns the serving defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    8,
		MaxIterations:    10,
		AgentTimeout:     5 * time.Minute,
		DefaultModel:     "gpt-4",
		QualityGateModel: "gpt-4",
		SafetyMargin:     0.1,
	}
}

// Options collects the orchestrator's collaborators. Collector and Tracer may
// be nil.
type Options struct {
	Config    Config
	Store     task.Store
	Bus       *eventbus.Bus
	Client    llm.Client
	Counter   *token.Counter
	Collector *observability.MetricsCollector
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

// Orchestrator owns the task lifecycle. Exactly one goroutine writes a given
// task's record at a time.
type Orchestrator struct {
	config    Config
	store     task.Store
	bus       *eventbus.Bus
	client    llm.Client
	counter   *token.Counter
	evaluator *QualityEvaluator
	metrics   *Metrics
	collector *observability.MetricsCollector
	tracer    *observability.TracerProvider
	logger    logging.Logger
	sem       *semaphore.Weighted

	mu        sync.Mutex
	running   map[string]bool
	cancelled map[string]bool
}

// New creates an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultConfig().DefaultModel
	}
	if cfg.QualityGateModel == "" {
		cfg.QualityGateModel = cfg.DefaultModel
	}

	logger := logging.OrNop(opts.Logger)
	return &Orchestrator{
		config:    cfg,
		store:     opts.Store,
		bus:       opts.Bus,
		client:    opts.Client,
		counter:   opts.Counter,
		evaluator: NewQualityEvaluator(opts.Client, cfg.QualityGateModel, logger),
		metrics:   defaultMetrics(),
		collector: opts.Collector,
		tracer:    opts.Tracer,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running:   make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// CreateTask validates spec, fills defaults, persists a pending task, and
// announces it on the bus.
func (o *Orchestrator) CreateTask(spec task.Spec) (*task.Task, error) {
	if strings.TrimSpace(spec.Description) == "" {
		return nil, loomerrors.NewValidationError("description", "must not be empty")
	}
	if spec.MaxIterations < 0 {
		return nil, loomerrors.NewValidationError("max_iterations", "must not be negative")
	}
	if spec.Model == "" {
		spec.Model = o.config.DefaultModel
	}
	if spec.Priority == "" {
		spec.Priority = task.PriorityNormal
	}
	if spec.MaxIterations == 0 {
		spec.MaxIterations = o.config.MaxIterations
	}

	t := task.New(spec)
	t.EstimatedDuration = estimateDuration(spec)
	if err := o.store.Put(t); err != nil {
		return nil, err
	}

	o.bus.Emit(eventbus.EventTask, "created", map[string]any{
		"task_id":            t.ID,
		"description":        spec.Description,
		"priority":           string(spec.Priority),
		"estimated_duration": t.EstimatedDuration.String(),
	}, eventbus.PriorityNormal, "", t.ID)

	o.logger.Info("task %s created (%s)", t.ID, spec.Priority)
	return t.Clone(), nil
}

// Start launches Execute on its own goroutine.
func (o *Orchestrator) Start(id string) {
	async.Go(o.logger, "task-"+id, func() {
		if err := o.Execute(context.Background(), id); err != nil {
			o.logger.Warn("task %s finished with error: %v", id, err)
		}
	})
}

// Execute runs a pending task to a terminal state. A task can be claimed only
// once; concurrent Execute calls for the same id fail with a ValidationError.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	t, err := o.claim(id)
	if err != nil {
		return err
	}
	defer o.release(id)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.fail(ctx, t, "admission", err)
	}
	defer o.sem.Release(1)

	ctx, span := o.startSpan(ctx, observability.SpanTaskExecute, t.ID)
	defer span.End()

	started := time.Now()
	o.metrics.IncActiveTasks()
	if o.collector != nil {
		o.collector.RecordTaskStarted(ctx)
	}
	defer func() {
		o.metrics.DecActiveTasks()
		if o.collector != nil {
			final, _ := o.store.Get(t.ID)
			status := "unknown"
			if final != nil {
				status = string(final.Status)
			}
			o.collector.RecordTaskFinished(ctx, status, time.Since(started))
		}
	}()

	now := time.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	o.advance(ctx, t, 5, "prepare", "started")

	if o.isCancelled(t.ID) {
		return o.cancelNow(ctx, t)
	}

	// Plan: compose the agent input from the spec.
	stepStart := time.Now()
	input := composeInput(t.Spec)
	o.advance(ctx, t, 15, "plan", "progress")
	o.metrics.ObserveStepDuration("plan", "success", time.Since(stepStart))

	if o.isCancelled(t.ID) {
		return o.cancelNow(ctx, t)
	}

	// Execute: run the agent up to the iteration budget.
	output, agentMetrics, iterations, err := o.runAgent(ctx, t, input)
	if err != nil {
		return o.fail(ctx, t, "execute", err)
	}
	t.Result = map[string]any{
		"output":        output,
		"agent_metrics": agentMetrics,
		"iterations":    iterations,
	}
	o.advance(ctx, t, 80, "execute", "progress")

	if o.isCancelled(t.ID) {
		return o.cancelNow(ctx, t)
	}

	// Quality gate: optional secondary review pass.
	if t.Spec.QualityGate {
		stepStart = time.Now()
		report, err := o.runQualityGate(ctx, t, output)
		if err != nil {
			o.metrics.ObserveStepDuration("quality_gate", "error", time.Since(stepStart))
			return o.fail(ctx, t, "quality_gate", err)
		}
		t.Quality = report
		o.metrics.ObserveStepDuration("quality_gate", "success", time.Since(stepStart))

		if !report.Passed {
			o.metrics.IncGateResult("failed")
			t.Error = fmt.Sprintf("quality gate failed: score %.2f", report.Score)
			return o.finish(ctx, t, task.StatusFailed, "failed")
		}
		o.metrics.IncGateResult("passed")
		o.advance(ctx, t, 90, "quality_gate", "progress")
	}

	return o.finish(ctx, t, task.StatusCompleted, "completed")
}

// runAgent drives the agent runtime, retrying empty outputs up to the
// iteration budget, with progress reported per iteration.
func (o *Orchestrator) runAgent(ctx context.Context, t *task.Task, input string) (string, agent.Metrics, int, error) {
	cfg := agent.DefaultConfig("task-worker", t.Spec.Model)
	cfg.SystemPrompt = "You are a task execution agent. Complete the task and reply with the final result only."
	cfg.SafetyMargin = o.config.SafetyMargin
	if o.config.AgentTimeout > 0 {
		cfg.Timeout = o.config.AgentTimeout
	}
	rt := agent.New(cfg, o.client, o.counter, o.logger)

	runCtx, runSpan := o.startSpan(ctx, observability.SpanAgentRun, t.ID)
	runSpan.SetAttributes(observability.AgentAttrs(cfg.Name)...)
	defer runSpan.End()

	maxIter := t.Spec.MaxIterations
	var total agent.Metrics

	for iteration := 1; iteration <= maxIter; iteration++ {
		if o.isCancelled(t.ID) {
			runSpan.SetAttributes(observability.StatusAttrs("cancelled")...)
			return "", total, iteration - 1, context.Canceled
		}

		stepStart := time.Now()
		iterCtx, llmSpan := o.startSpan(runCtx, observability.SpanLLMGenerate, t.ID)
		result, err := rt.Run(iterCtx, input)
		if result != nil {
			llmSpan.SetAttributes(observability.LLMAttrs(t.Spec.Model,
				result.Metrics.PromptTokens, result.Metrics.CompletionTokens)...)
		}
		llmSpan.SetAttributes(observability.ErrorAttrs(err)...)
		llmSpan.End()
		if result != nil {
			total.LLMCalls += result.Metrics.LLMCalls
			total.PromptTokens += result.Metrics.PromptTokens
			total.CompletionTokens += result.Metrics.CompletionTokens
			total.TotalTokens += result.Metrics.TotalTokens
			total.RetryCount += result.Metrics.RetryCount
			total.Compressions += result.Metrics.Compressions
			total.Duration += result.Metrics.Duration
		}
		if err != nil {
			o.metrics.ObserveStepDuration("execute", "error", time.Since(stepStart))
			runSpan.SetAttributes(observability.ErrorAttrs(err)...)
			return "", total, iteration, err
		}
		o.metrics.ObserveStepDuration("execute", "success", time.Since(stepStart))

		progress := 15 + 60*float64(iteration)/float64(maxIter)
		o.advance(ctx, t, progress, fmt.Sprintf("execute:%d", iteration), "progress")

		if strings.TrimSpace(result.Output) != "" {
			runSpan.SetAttributes(observability.StatusAttrs("completed")...)
			return result.Output, total, iteration, nil
		}
	}

	return "", total, maxIter, fmt.Errorf("no output after %d iterations", maxIter)
}

func (o *Orchestrator) runQualityGate(ctx context.Context, t *task.Task, output string) (*task.QualityReport, error) {
	gateCtx, span := o.startSpan(ctx, observability.SpanQualityGate, t.ID)
	defer span.End()

	o.advance(ctx, t, 85, "quality_gate", "quality_gate")
	return o.evaluator.Evaluate(gateCtx, t.Spec.Description, output)
}

// Cancel requests cancellation. Pending tasks are cancelled immediately;
// running tasks stop at their next checkpoint. Terminal tasks cannot be
// cancelled.
func (o *Orchestrator) Cancel(id string) error {
	t, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return loomerrors.NewValidationError("status", fmt.Sprintf("task is already %s", t.Status))
	}

	o.mu.Lock()
	o.cancelled[id] = true
	isRunning := o.running[id]
	o.mu.Unlock()

	if !isRunning && t.Status == task.StatusPending {
		// The flag set above outlives the record on purpose: a concurrent
		// Execute holding a pending snapshot must find it and back off
		// instead of writing running over the terminal record below.
		return o.cancelNow(context.Background(), t)
	}

	o.logger.Info("cancellation requested for running task %s", id)
	return nil
}

// GetStatus returns a snapshot of the task record.
func (o *Orchestrator) GetStatus(id string) (*task.Task, error) {
	return o.store.Get(id)
}

// ListTasks returns snapshots of every known task, oldest first.
func (o *Orchestrator) ListTasks() []*task.Task {
	return o.store.List()
}

// Health summarizes service liveness for the health endpoint.
type Health struct {
	Status          string    `json:"status"`
	ActiveTasks     int       `json:"active_tasks"`
	TotalTasks      int       `json:"total_tasks"`
	LiveSubscribers int       `json:"live_subscriber_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// GetHealth reports current orchestrator health.
func (o *Orchestrator) GetHealth() Health {
	o.mu.Lock()
	active := len(o.running)
	o.mu.Unlock()

	return Health{
		Status:          "ok",
		ActiveTasks:     active,
		TotalTasks:      len(o.store.List()),
		LiveSubscribers: o.bus.GetStats().ActiveSubscribers,
		Timestamp:       time.Now(),
	}
}

// claim transitions a pending task into this goroutine's ownership. The
// cancelled check under o.mu is what keeps claim and a pending-task Cancel
// mutually exclusive: Cancel sets the flag before it persists the terminal
// record, so a claim that read a stale pending snapshot can never write
// running over a cancelled task.
func (o *Orchestrator) claim(id string) (*task.Task, error) {
	t, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] {
		return nil, loomerrors.NewValidationError("status", "task is already executing")
	}
	if o.cancelled[id] {
		return nil, loomerrors.NewValidationError("status", "task is cancelled")
	}
	if t.Status != task.StatusPending {
		return nil, loomerrors.NewValidationError("status", fmt.Sprintf("task is %s, not pending", t.Status))
	}
	o.running[id] = true
	return t, nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	delete(o.cancelled, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[id]
}

// advance bumps progress (never backwards), persists, and emits one event.
func (o *Orchestrator) advance(ctx context.Context, t *task.Task, progress float64, step, kind string) {
	if progress > t.Progress {
		t.Progress = progress
	}
	if t.Progress > 100 {
		t.Progress = 100
	}
	t.CurrentStep = step

	if err := o.store.Put(t); err != nil {
		o.logger.Error("task %s: persisting progress: %v", t.ID, err)
	}
	o.bus.Emit(eventbus.EventTask, kind, map[string]any{
		"task_id":  t.ID,
		"status":   string(t.Status),
		"progress": t.Progress,
		"step":     step,
	}, eventbus.PriorityNormal, "", t.ID)
	if o.collector != nil {
		o.collector.RecordEventEmitted(ctx, string(eventbus.EventTask))
	}
}

// finish writes the terminal state exactly once.
func (o *Orchestrator) finish(ctx context.Context, t *task.Task, status task.Status, kind string) error {
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	if status == task.StatusCompleted {
		t.Progress = 100
	}
	o.advance(ctx, t, t.Progress, string(status), kind)
	o.logger.Info("task %s finished: %s", t.ID, status)

	if status == task.StatusFailed {
		return loomerrors.NewTaskExecutionError(t.ID, t.CurrentStep, fmt.Errorf("%s", t.Error))
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *task.Task, step string, cause error) error {
	o.metrics.IncTaskFailure(step, reasonLabel(cause))
	t.Error = cause.Error()

	if errors.Is(cause, context.Canceled) || o.isCancelled(t.ID) {
		return o.cancelNow(ctx, t)
	}

	now := time.Now()
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.CurrentStep = step
	o.advance(ctx, t, t.Progress, step, "failed")
	o.logger.Error("task %s failed at %s: %v", t.ID, step, cause)
	return loomerrors.NewTaskExecutionError(t.ID, step, cause)
}

func (o *Orchestrator) cancelNow(ctx context.Context, t *task.Task) error {
	now := time.Now()
	t.Status = task.StatusCancelled
	t.CompletedAt = &now
	o.advance(ctx, t, t.Progress, "cancelled", "cancelled")
	o.logger.Info("task %s cancelled", t.ID)
	return nil
}

// startSpan opens a span when tracing is wired, and a noop span otherwise.
func (o *Orchestrator) startSpan(ctx context.Context, name, taskID string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, noop.Span{}
	}
	return o.tracer.StartSpan(ctx, name, observability.TaskAttrs(taskID)...)
}

func reasonLabel(err error) string {
	switch {
	case loomerrors.IsValidation(err):
		return "validation"
	case loomerrors.IsRateLimit(err):
		return "rate_limit"
	case loomerrors.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// composeInput renders the spec into the agent's user message. Context keys
// are sorted for determinism.
func composeInput(spec task.Spec) string {
	var b strings.Builder
	b.WriteString(spec.Description)

	if len(spec.Context) > 0 {
		keys := make([]string, 0, len(spec.Context))
		for k := range spec.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, spec.Context[k])
		}
	}
	return b.String()
}

// estimateDuration is a coarse heuristic used for the task's advertised
// estimate: a fixed floor plus time per word and gate overhead.
func estimateDuration(spec task.Spec) time.Duration {
	words := len(strings.Fields(spec.Description))
	estimate := 20*time.Second + time.Duration(words)*200*time.Millisecond
	if spec.QualityGate {
		estimate += 30 * time.Second
	}
	return estimate
}
