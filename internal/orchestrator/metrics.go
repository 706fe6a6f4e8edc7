package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	taskFailures *prometheus.CounterVec
	gateResults  *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the orchestrator is instantiated multiple
// times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (for example
// in tests). Registration errors other than duplicate registration panic,
// which mirrors promauto semantics and surfaces configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "orchestrator",
			Name:      "task_step_duration_seconds",
			Help:      "Duration spent in each task execution step.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step", "status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "orchestrator",
			Name:      "task_failures_total",
			Help:      "Total number of task executions that failed, by step.",
		},
		[]string{"step", "reason"},
	)
	gateResults := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "orchestrator",
			Name:      "quality_gate_results_total",
			Help:      "Quality gate verdicts by outcome.",
		},
		[]string{"outcome"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Number of tasks currently being executed.",
		},
	)

	collectors := []prometheus.Collector{stepDuration, taskFailures, gateResults, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stepDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case taskFailures:
						taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case gateResults:
						gateResults = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stepDuration: stepDuration,
		taskFailures: taskFailures,
		gateResults:  gateResults,
		tasksActive:  tasksActive,
	}
}

// ObserveStepDuration records the time spent in a step with a status label.
func (m *Metrics) ObserveStepDuration(step, status string, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

// IncTaskFailure increments the failure counter for the given step and reason.
func (m *Metrics) IncTaskFailure(step, reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(step, reason).Inc()
}

// IncGateResult records one quality gate verdict.
func (m *Metrics) IncGateResult(outcome string) {
	if m == nil || m.gateResults == nil {
		return
	}
	m.gateResults.WithLabelValues(outcome).Inc()
}

// IncActiveTasks marks a task as active.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a task as finished.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
