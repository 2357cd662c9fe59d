// Package port provides the behavior interfaces that connect the
// coordination services to their storage, queue and monitoring adapters.
package port

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskmesh/coordinator/internal/core/domain"
)

// TransitionFields carries the field mutations applied together with a
// guarded status transition. Nil pointers leave the column untouched.
type TransitionFields struct {
	AssignedAgent *string
	AssignedAt    *time.Time
	CompletedAt   *time.Time
	Result        json.RawMessage
	Error         *string
	Retries       *int
}

// TaskStore defines how tasks are persisted. Transition is the sole
// mutation path after Create: an atomic compare-and-set on status that
// returns domain.ErrStaleTransition when the current status no longer
// matches from. That CAS is the single serialization point the
// scheduler's correctness relies on.
type TaskStore interface {
	Create(ctx context.Context, taskType string, payload json.RawMessage, capability string) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Transition(ctx context.Context, id string, from, to domain.TaskStatus, fields TransitionFields) error
	// ListByStatus returns a snapshot of tasks in the given status,
	// oldest-created first. Later mutations do not affect the snapshot.
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
}

// DeliveryChannel abstracts the persistent per-agent connection used to
// push assignments and receive results. Delivery is at-most-once per
// Send; the scheduler's reclaim logic supplies the retries.
type DeliveryChannel interface {
	// Attach provisions the transport for an agent (queue declaration,
	// connection bookkeeping). Send to an unattached agent fails with
	// domain.ErrChannelClosed.
	Attach(ctx context.Context, agentID string) error
	Detach(agentID string)
	Send(ctx context.Context, agentID string, env domain.Envelope) error
	// OnMessage registers the single consumer invoked for every inbound
	// envelope, tagged with the originating agent id. It must be called
	// before the first message arrives.
	OnMessage(handler func(agentID string, env domain.Envelope))
}

// AgentAuditStore is the durable write-through record of registry
// transitions. The in-memory registry stays authoritative for liveness;
// this exists for audit and reconnect correlation.
type AgentAuditStore interface {
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
}

// LivenessAdvertiser publishes agent liveness to shared infrastructure
// (TTL'd keys) so external processes can list live agents without
// talking to the coordinator.
type LivenessAdvertiser interface {
	Advertise(ctx context.Context, agent *domain.Agent, ttl time.Duration) error
	Withdraw(ctx context.Context, agentID string) error
}

// RetentionPolicy prunes long-disconnected agents from the audit
// record. Intentionally not implemented by the core; deployments plug
// in their own sweep.
type RetentionPolicy interface {
	Prune(ctx context.Context, disconnectedBefore time.Time) (int, error)
}

// Metrics receives task and agent lifecycle observations.
type Metrics interface {
	TaskSubmitted()
	TaskAssigned()
	TaskCompleted()
	TaskFailed()
	TaskExpired()
	TaskReclaimed()
	AgentsConnected(n int)
	TasksPending(n int)
}
