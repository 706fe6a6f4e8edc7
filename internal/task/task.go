// Package task defines the task model shared by the orchestrator and the HTTP
// surface, plus the store that persists task records.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a task in this status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders tasks for scheduling and display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Spec is the caller-supplied description of work to perform. Immutable after
// task creation.
type Spec struct {
	Description   string         `json:"description"`
	Context       map[string]any `json:"context,omitempty"`
	Model         string         `json:"model,omitempty"`
	Credential    string         `json:"-"`
	Priority      Priority       `json:"priority,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	QualityGate   bool           `json:"quality_gate,omitempty"`
}

// QualityReport is the verdict of the post-execution quality gate.
type QualityReport struct {
	Passed          bool     `json:"passed"`
	Score           float64  `json:"score"`
	Checks          []string `json:"checks,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Task is one orchestrated unit of work. Progress only grows, and once the
// status is terminal no field changes again.
type Task struct {
	ID                string         `json:"task_id"`
	Spec              Spec           `json:"spec"`
	Status            Status         `json:"status"`
	Progress          float64        `json:"progress"`
	CurrentStep       string         `json:"current_step,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	Quality           *QualityReport `json:"quality,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// New builds a pending task for spec with a fresh identifier.
func New(spec Spec) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep-enough copy: maps and the quality report are copied so
// callers cannot mutate stored state through a snapshot.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Spec.Context != nil {
		ctx := make(map[string]any, len(t.Spec.Context))
		for k, v := range t.Spec.Context {
			ctx[k] = v
		}
		cp.Spec.Context = ctx
	}
	if t.Result != nil {
		res := make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			res[k] = v
		}
		cp.Result = res
	}
	if t.Quality != nil {
		q := *t.Quality
		q.Checks = append([]string(nil), t.Quality.Checks...)
		q.Recommendations = append([]string(nil), t.Quality.Recommendations...)
		cp.Quality = &q
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}
