// Package memory provides an in-memory TaskStore with the same guarded
// transition semantics as the Postgres adapter. It backs the test suite
// and the in-process simulation binary.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *TaskStore) Create(ctx context.Context, taskType string, payload json.RawMessage, capability string) (*domain.Task, error) {
	task := &domain.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    payload,
		Capability: capability,
		Status:     domain.TaskStatusPending,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	return copyTask(task), nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrUnknownTask
	}
	return copyTask(task), nil
}

// Transition performs the compare-and-set. The whole check-and-mutate
// runs under the store lock, so two concurrent transitions out of the
// same status can never both succeed.
func (s *TaskStore) Transition(ctx context.Context, id string, from, to domain.TaskStatus, fields port.TransitionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return domain.ErrUnknownTask
	}
	if task.Status != from {
		return domain.ErrStaleTransition
	}

	task.Status = to
	if fields.AssignedAgent != nil {
		task.AssignedAgent = *fields.AssignedAgent
	}
	if fields.AssignedAt != nil {
		t := *fields.AssignedAt
		task.AssignedAt = &t
	}
	if fields.CompletedAt != nil {
		t := *fields.CompletedAt
		task.CompletedAt = &t
	}
	if fields.Result != nil {
		task.Result = append(json.RawMessage(nil), fields.Result...)
	}
	if fields.Error != nil {
		task.Error = *fields.Error
	}
	if fields.Retries != nil {
		task.Retries = *fields.Retries
	}
	// Reclaim releases the owner reference
	if to == domain.TaskStatusPending {
		task.AssignedAgent = ""
		task.AssignedAt = nil
	}
	return nil
}

func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		cp.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		cp.CompletedAt = &ct
	}
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.Result = append(json.RawMessage(nil), t.Result...)
	return &cp
}
