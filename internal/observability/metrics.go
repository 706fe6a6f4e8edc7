// Package observability provides metrics and distributed tracing for the
// orchestration service, built on OpenTelemetry with a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MetricsCollector owns the service's instruments. The zero value is a no-op
// collector; every Record method is safe to call on it. It satisfies the
// gateway's RequestRecorder.
type MetricsCollector struct {
	meter metric.Meter

	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram
	llmCost         metric.Float64Counter

	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	taskDuration   metric.Float64Histogram
	tasksActive    metric.Int64UpDownCounter

	eventsEmitted metric.Int64Counter
}

// NewMetricsCollector builds the collector and registers the Prometheus
// exporter as the global meter provider. Metrics are served by the main HTTP
// server's /metrics endpoint.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("loom")

	c := &MetricsCollector{meter: meter}

	if c.llmRequests, err = meter.Int64Counter(
		"loom.llm.requests.total",
		metric.WithDescription("Total number of LLM requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm_requests counter: %w", err)
	}

	if c.llmTokensInput, err = meter.Int64Counter(
		"loom.llm.tokens.input",
		metric.WithDescription("Total input tokens sent to the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_input counter: %w", err)
	}

	if c.llmTokensOutput, err = meter.Int64Counter(
		"loom.llm.tokens.output",
		metric.WithDescription("Total output tokens from the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_output counter: %w", err)
	}

	if c.llmLatency, err = meter.Float64Histogram(
		"loom.llm.latency",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm_latency histogram: %w", err)
	}

	if c.llmCost, err = meter.Float64Counter(
		"loom.cost.total",
		metric.WithDescription("Estimated cost of LLM requests"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm_cost counter: %w", err)
	}

	if c.tasksStarted, err = meter.Int64Counter(
		"loom.tasks.started.total",
		metric.WithDescription("Total number of task executions started"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks_started counter: %w", err)
	}

	if c.tasksCompleted, err = meter.Int64Counter(
		"loom.tasks.completed.total",
		metric.WithDescription("Total number of task executions finished, by outcome"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks_completed counter: %w", err)
	}

	if c.taskDuration, err = meter.Float64Histogram(
		"loom.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	if c.tasksActive, err = meter.Int64UpDownCounter(
		"loom.tasks.active",
		metric.WithDescription("Number of tasks currently executing"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks_active gauge: %w", err)
	}

	if c.eventsEmitted, err = meter.Int64Counter(
		"loom.events.emitted.total",
		metric.WithDescription("Total progress events emitted on the bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events_emitted counter: %w", err)
	}

	return c, nil
}

// RecordLLMRequest records one gateway request. Implements the gateway's
// RequestRecorder interface.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m.llmRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))

	if cost := EstimateCost(model, inputTokens, outputTokens); cost > 0 {
		m.llmCost.Add(ctx, cost, metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordTaskStarted marks one task execution as in flight.
func (m *MetricsCollector) RecordTaskStarted(ctx context.Context) {
	if m.tasksStarted == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1)
	m.tasksActive.Add(ctx, 1)
}

// RecordTaskFinished records a finished execution with its terminal status.
func (m *MetricsCollector) RecordTaskFinished(ctx context.Context, status string, duration time.Duration) {
	if m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	m.tasksActive.Add(ctx, -1)
}

// RecordEventEmitted counts one bus emission by event type.
func (m *MetricsCollector) RecordEventEmitted(ctx context.Context, eventType string) {
	if m.eventsEmitted == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// EstimateCost estimates the USD cost of one request from published per-1M
// token prices. Unknown models use a conservative default.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	prices := map[string]struct {
		input  float64
		output float64
	}{
		"gpt-4":           {input: 30.0, output: 60.0},
		"gpt-4-turbo":     {input: 10.0, output: 30.0},
		"gpt-4o":          {input: 2.5, output: 10.0},
		"gpt-3.5-turbo":   {input: 0.5, output: 1.5},
		"claude-3-opus":   {input: 15.0, output: 75.0},
		"claude-3-sonnet": {input: 3.0, output: 15.0},
		"claude-3-haiku":  {input: 0.25, output: 1.25},
		"deepseek-chat":   {input: 0.27, output: 1.1},
	}

	pricing, ok := prices[model]
	if !ok {
		pricing = struct {
			input  float64
			output float64
		}{input: 1.0, output: 2.0}
	}

	inputCost := (float64(inputTokens) / 1_000_000) * pricing.input
	outputCost := (float64(outputTokens) / 1_000_000) * pricing.output
	return inputCost + outputCost
}
