package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

// SnapshotCache caches immutable task snapshots. The redis storage
// wrapper satisfies it directly.
type SnapshotCache interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
}

// snapshotTTL bounds how long a terminal task snapshot is answered from
// cache. Terminal tasks never change, so the TTL only limits memory.
const snapshotTTL = 10 * time.Minute

// Coordinator is the composition root: it wires registry, task store,
// scheduler and delivery channel and exposes the external surface the
// HTTP layer consumes.
type Coordinator struct {
	store     port.TaskStore
	registry  *Registry
	scheduler *Scheduler
	channel   port.DeliveryChannel
	audit     port.AgentAuditStore // optional
	cache     SnapshotCache        // optional
	metrics   port.Metrics
	log       *zap.Logger
}

func NewCoordinator(store port.TaskStore, registry *Registry, scheduler *Scheduler, channel port.DeliveryChannel, metrics port.Metrics, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		channel:   channel,
		metrics:   metrics,
		log:       log,
	}
	channel.OnMessage(c.handleEnvelope)
	return c
}

// WithAuditStore attaches the durable agent audit record.
func (c *Coordinator) WithAuditStore(audit port.AgentAuditStore) *Coordinator {
	c.audit = audit
	return c
}

// WithSnapshotCache attaches the terminal-task snapshot cache.
func (c *Coordinator) WithSnapshotCache(cache SnapshotCache) *Coordinator {
	c.cache = cache
	return c
}

// SubmitTask records the task as PENDING and requests a scheduling
// pass. It never waits for an assignment.
func (c *Coordinator) SubmitTask(ctx context.Context, taskType string, payload json.RawMessage, capability string) (string, error) {
	task, err := c.store.Create(ctx, taskType, payload, capability)
	if err != nil {
		return "", err
	}

	c.metrics.TaskSubmitted()
	c.log.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", taskType),
		zap.String("capability", capability))

	c.scheduler.Wake()
	return task.ID, nil
}

// GetTaskStatus returns the task snapshot. Terminal tasks are served
// from the cache when warm; they are immutable, so staleness is not a
// concern.
func (c *Coordinator) GetTaskStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(cacheKey(taskID)); err == nil && len(raw) > 0 {
			var task domain.Task
			if err := json.Unmarshal(raw, &task); err == nil {
				return &task, nil
			}
		}
	}

	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && task.Status.Terminal() {
		if raw, err := json.Marshal(task); err == nil {
			if err := c.cache.Set(cacheKey(taskID), raw, snapshotTTL); err != nil {
				c.log.Debug("Snapshot cache write failed", zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}
	return task, nil
}

// CancelTask fails a task that has not been assigned yet. Cancelling an
// ASSIGNED task is not supported by this core; the transition guard
// rejects it with ErrStaleTransition.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	now := time.Now()
	errMsg := "cancelled"
	err := c.store.Transition(ctx, taskID, domain.TaskStatusPending, domain.TaskStatusFailed, port.TransitionFields{
		Error:       &errMsg,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}

	c.metrics.TaskFailed()
	c.log.Info("Task cancelled", zap.String("task_id", taskID))
	return nil
}

// ConnectAgent registers the agent and provisions its delivery
// attachment. On attachment failure the registration rolls back so a
// retry is indistinguishable from a first attempt.
func (c *Coordinator) ConnectAgent(ctx context.Context, agentID string, capabilities []string) error {
	if err := c.registry.Register(ctx, agentID, capabilities); err != nil {
		return err
	}

	if err := c.channel.Attach(ctx, agentID); err != nil {
		if derr := c.registry.Deregister(ctx, agentID); derr != nil {
			c.log.Error("Failed to roll back registration", zap.String("agent_id", agentID), zap.Error(derr))
		}
		return err
	}

	c.scheduler.Wake()
	return nil
}

// DisconnectAgent marks the agent DISCONNECTED; its assignments are
// reclaimed through the registry's down hook.
func (c *Coordinator) DisconnectAgent(ctx context.Context, agentID string) error {
	if err := c.registry.Deregister(ctx, agentID); err != nil {
		return err
	}
	c.channel.Detach(agentID)
	return nil
}

// Heartbeat refreshes the agent's liveness and nudges the scheduler:
// a freshly alive agent may unblock pending work.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	if err := c.registry.Heartbeat(ctx, agentID); err != nil {
		return err
	}
	c.scheduler.Wake()
	return nil
}

// ReportResult forwards a result report to the scheduler.
func (c *Coordinator) ReportResult(ctx context.Context, taskID string, status domain.TaskStatus, result []byte, errMsg string) error {
	return c.scheduler.ReportResult(ctx, taskID, status, result, errMsg)
}

// ListAgents returns the audit view when a durable record is attached,
// otherwise the registry snapshot.
func (c *Coordinator) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	if c.audit != nil {
		return c.audit.ListAgents(ctx)
	}
	return c.registry.ListAgents(), nil
}

// handleEnvelope is the single inbound consumer on the delivery
// channel.
func (c *Coordinator) handleEnvelope(agentID string, env domain.Envelope) {
	ctx := context.Background()

	switch env.Kind {
	case domain.EnvelopeResult:
		if err := c.scheduler.ReportResult(ctx, env.TaskID, env.Status, env.Payload, env.Error); err != nil {
			if errors.Is(err, domain.ErrUnknownTask) {
				c.log.Warn("Result report for unknown task",
					zap.String("agent_id", agentID),
					zap.String("task_id", env.TaskID))
				return
			}
			c.log.Error("Failed to apply result report",
				zap.String("agent_id", agentID),
				zap.String("task_id", env.TaskID),
				zap.Error(err))
		}
	case domain.EnvelopeHeartbeat:
		if err := c.Heartbeat(ctx, agentID); err != nil {
			c.log.Warn("Heartbeat from unknown agent", zap.String("agent_id", agentID))
		}
	default:
		c.log.Warn("Ignoring envelope of unknown kind",
			zap.String("agent_id", agentID),
			zap.String("kind", string(env.Kind)))
	}
}

func cacheKey(taskID string) string {
	return "task:" + taskID
}
