package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusExpired   TaskStatus = "EXPIRED"
)

// Task represents a unit of work submitted to the coordinator.
// The payload is opaque: it is carried to the executing agent verbatim
// and never interpreted by the core.
type Task struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Capability    string          `json:"capability,omitempty"` // empty means any agent may run it
	Status        TaskStatus      `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"` // set only while ASSIGNED
	Retries       int             `json:"retries"`
	Result        json.RawMessage `json:"result,omitempty"` // set only on COMPLETED
	Error         string          `json:"error,omitempty"`  // set only on FAILED/EXPIRED
	CreatedAt     time.Time       `json:"created_at"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired:
		return true
	}
	return false
}

// CanTransition encodes the task state machine.
// PENDING -> ASSIGNED -> {COMPLETED | FAILED | EXPIRED}, with
// ASSIGNED -> PENDING as the only backward edge (assignment reclaim)
// and PENDING -> FAILED for cancellation.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return to == TaskStatusAssigned || to == TaskStatusFailed
	case TaskStatusAssigned:
		return to == TaskStatusCompleted || to == TaskStatusFailed ||
			to == TaskStatusExpired || to == TaskStatusPending
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired:
		return true
	}
	return false
}
