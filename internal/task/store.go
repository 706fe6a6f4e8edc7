package task

import (
	"sort"
	"sync"

	loomerrors "loom/internal/errors"
)

// Store persists task records. Implementations must be safe for concurrent
// use and must return copies, never shared pointers into their own state.
type Store interface {
	Get(id string) (*Task, error)
	Put(t *Task) error
	List() []*Task
	Delete(id string) error
}

// MemoryStore is the in-process Store used by the server and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Get returns a copy of the task, or a NotFoundError.
func (s *MemoryStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, loomerrors.NewNotFoundError("task", id)
	}
	return t.Clone(), nil
}

// Put stores a copy of the task, replacing any previous record.
func (s *MemoryStore) Put(t *Task) error {
	if t == nil || t.ID == "" {
		return loomerrors.NewValidationError("task_id", "task id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// List returns copies of all tasks ordered by creation time, oldest first.
func (s *MemoryStore) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a task record. Missing ids return a NotFoundError.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return loomerrors.NewNotFoundError("task", id)
	}
	delete(s.tasks, id)
	return nil
}
