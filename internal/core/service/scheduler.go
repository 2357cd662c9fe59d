// Package service holds the coordination core: registry, scheduler and
// the coordinator composition root.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

// SchedulerConfig carries the recognized scheduling knobs.
type SchedulerConfig struct {
	AssignmentTimeout time.Duration
	MaxRetries        int
	BatchSize         int
	PassInterval      time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.AssignmentTimeout <= 0 {
		c.AssignmentTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PassInterval <= 0 {
		c.PassInterval = 2 * time.Second
	}
}

type assignment struct {
	agentID  string
	deadline time.Time
}

// Scheduler matches PENDING tasks to live capable agents. All of its
// triggers (submit, heartbeat, deadline, ticker) funnel into one
// scheduling goroutine; correctness never depends on that, only on the
// task store's guarded transition, so a second scheduler against the
// same store stays safe.
type Scheduler struct {
	store    port.TaskStore
	registry *Registry
	channel  port.DeliveryChannel
	metrics  port.Metrics
	cfg      SchedulerConfig
	log      *zap.Logger

	wake chan struct{}

	mu          sync.Mutex
	assignments map[string]assignment
}

func NewScheduler(store port.TaskStore, registry *Registry, channel port.DeliveryChannel, metrics port.Metrics, cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		store:       store,
		registry:    registry,
		channel:     channel,
		metrics:     metrics,
		cfg:         cfg,
		log:         log,
		wake:        make(chan struct{}, 1),
		assignments: make(map[string]assignment),
	}
	registry.SetAgentDownHook(s.OnAgentDown)
	return s
}

// Wake requests a scheduling pass. Non-blocking; coalesces with any
// pass already requested.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until the context ends. On startup it
// re-adopts ASSIGNED tasks left over from a previous run so their
// deadlines are watched again.
func (s *Scheduler) Run(ctx context.Context) {
	s.recover(ctx)

	passTicker := time.NewTicker(s.cfg.PassInterval)
	defer passTicker.Stop()

	watchInterval := s.cfg.AssignmentTimeout / 4
	if watchInterval > time.Second {
		watchInterval = time.Second
	}
	if watchInterval < 5*time.Millisecond {
		watchInterval = 5 * time.Millisecond
	}
	watchTicker := time.NewTicker(watchInterval)
	defer watchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping scheduler loop")
			return
		case <-s.wake:
			s.Pass(ctx)
		case <-passTicker.C:
			s.Pass(ctx)
		case now := <-watchTicker.C:
			s.checkDeadlines(ctx, now)
		}
	}
}

// recover re-registers deadlines for tasks that were ASSIGNED when the
// process last stopped. Their clocks restart from now; a task that
// completed meanwhile resolves through the usual stale-report path.
func (s *Scheduler) recover(ctx context.Context) {
	tasks, err := s.store.ListByStatus(ctx, domain.TaskStatusAssigned)
	if err != nil {
		s.log.Error("Failed to list assigned tasks on startup", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	deadline := time.Now().Add(s.cfg.AssignmentTimeout)
	s.mu.Lock()
	for _, task := range tasks {
		s.assignments[task.ID] = assignment{agentID: task.AssignedAgent, deadline: deadline}
	}
	s.mu.Unlock()

	s.log.Info("Re-adopted in-flight assignments", zap.Int("count", len(tasks)))
}

// Pass assigns up to BatchSize PENDING tasks, oldest first. A task with
// no capable live agent simply stays PENDING for a later pass.
func (s *Scheduler) Pass(ctx context.Context) {
	tasks, err := s.store.ListByStatus(ctx, domain.TaskStatusPending)
	if err != nil {
		s.log.Error("Failed to list pending tasks", zap.Error(err))
		return
	}
	s.metrics.TasksPending(len(tasks))
	if len(tasks) == 0 {
		return
	}

	if len(tasks) > s.cfg.BatchSize {
		tasks = tasks[:s.cfg.BatchSize]
	}

	s.log.Debug("Scheduling pass", zap.Int("pending", len(tasks)))

	for _, task := range tasks {
		s.assign(ctx, task)
	}
}

func (s *Scheduler) assign(ctx context.Context, task *domain.Task) {
	var agentID string
	for id := range s.registry.FindCapable(task.Capability) {
		agentID = id
		break
	}
	if agentID == "" {
		return
	}

	now := time.Now()
	err := s.store.Transition(ctx, task.ID, domain.TaskStatusPending, domain.TaskStatusAssigned, port.TransitionFields{
		AssignedAgent: &agentID,
		AssignedAt:    &now,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		// Another pass claimed it first; skip this cycle.
		s.log.Debug("Lost assignment race", zap.String("task_id", task.ID))
		return
	}
	if err != nil {
		s.log.Error("Failed to assign task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	deadline := now.Add(s.cfg.AssignmentTimeout)
	s.mu.Lock()
	s.assignments[task.ID] = assignment{agentID: agentID, deadline: deadline}
	s.mu.Unlock()

	env := domain.Envelope{
		Kind:     domain.EnvelopeAssign,
		TaskID:   task.ID,
		TaskType: task.Type,
		Payload:  task.Payload,
		Deadline: deadline,
	}
	if err := s.channel.Send(ctx, agentID, env); err != nil {
		// The claim is ours but nothing was delivered; hand the task
		// back right away rather than waiting out the deadline.
		s.log.Warn("Delivery failed, reclaiming assignment",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		s.reclaim(ctx, task.ID)
		return
	}

	s.metrics.TaskAssigned()
	s.log.Info("Assigned task",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.Time("deadline", deadline))
}

func (s *Scheduler) checkDeadlines(ctx context.Context, now time.Time) {
	var due []string
	s.mu.Lock()
	for id, a := range s.assignments {
		if now.After(a.deadline) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.log.Warn("Assignment deadline elapsed", zap.String("task_id", id))
		s.reclaim(ctx, id)
	}
}

// OnAgentDown reclaims every assignment held by a lost agent. The store
// scan backs up the in-memory deadline table, which may be empty right
// after a restart.
func (s *Scheduler) OnAgentDown(agentID string) {
	ctx := context.Background()

	owned := map[string]bool{}
	s.mu.Lock()
	for id, a := range s.assignments {
		if a.agentID == agentID {
			owned[id] = true
		}
	}
	s.mu.Unlock()

	if tasks, err := s.store.ListByStatus(ctx, domain.TaskStatusAssigned); err == nil {
		for _, task := range tasks {
			if task.AssignedAgent == agentID {
				owned[task.ID] = true
			}
		}
	}

	for id := range owned {
		s.log.Warn("Reclaiming assignment from lost agent",
			zap.String("task_id", id),
			zap.String("agent_id", agentID))
		s.reclaim(ctx, id)
	}
}

// reclaimRetryDelay spaces out reclaim attempts while the store is
// unreachable.
const reclaimRetryDelay = 500 * time.Millisecond

// reclaim hands an ASSIGNED task back to PENDING, or expires it once
// the retry budget is spent. Losing the transition race here just means
// a result report arrived first, which is the better outcome. The watch
// entry is released only once the task verifiably left ASSIGNED; on a
// store error it stays watched with a pushed-out deadline so a later
// tick retries.
func (s *Scheduler) reclaim(ctx context.Context, taskID string) {
	task, err := s.store.Get(ctx, taskID)
	if errors.Is(err, domain.ErrUnknownTask) {
		s.unwatch(taskID)
		return
	}
	if err != nil {
		s.log.Error("Failed to read task for reclaim", zap.String("task_id", taskID), zap.Error(err))
		s.rewatch(taskID, "")
		return
	}
	if task.Status != domain.TaskStatusAssigned {
		s.unwatch(taskID)
		return
	}

	retries := task.Retries + 1
	if retries > s.cfg.MaxRetries {
		now := time.Now()
		errMsg := "max retries exceeded"
		err := s.store.Transition(ctx, taskID, domain.TaskStatusAssigned, domain.TaskStatusExpired, port.TransitionFields{
			Error:       &errMsg,
			CompletedAt: &now,
			Retries:     &retries,
		})
		if errors.Is(err, domain.ErrStaleTransition) {
			s.unwatch(taskID)
			return
		}
		if err != nil {
			s.log.Error("Failed to expire task", zap.String("task_id", taskID), zap.Error(err))
			s.rewatch(taskID, task.AssignedAgent)
			return
		}
		s.unwatch(taskID)
		s.metrics.TaskExpired()
		s.log.Warn("Task expired after retry exhaustion",
			zap.String("task_id", taskID),
			zap.Int("retries", task.Retries))
		return
	}

	err = s.store.Transition(ctx, taskID, domain.TaskStatusAssigned, domain.TaskStatusPending, port.TransitionFields{
		Retries: &retries,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		s.unwatch(taskID)
		return
	}
	if err != nil {
		s.log.Error("Failed to reclaim task", zap.String("task_id", taskID), zap.Error(err))
		s.rewatch(taskID, task.AssignedAgent)
		return
	}

	s.unwatch(taskID)
	s.metrics.TaskReclaimed()
	s.log.Info("Reclaimed task to pending",
		zap.String("task_id", taskID),
		zap.Int("retries", retries))
	s.Wake()
}

func (s *Scheduler) unwatch(taskID string) {
	s.mu.Lock()
	delete(s.assignments, taskID)
	s.mu.Unlock()
}

// rewatch keeps (or restores) the deadline entry after a failed reclaim
// attempt. An empty agentID preserves the owner already on record.
func (s *Scheduler) rewatch(taskID, agentID string) {
	deadline := time.Now().Add(reclaimRetryDelay)

	s.mu.Lock()
	a := s.assignments[taskID]
	a.deadline = deadline
	if agentID != "" {
		a.agentID = agentID
	}
	s.assignments[taskID] = a
	s.mu.Unlock()
}

// ReportResult applies an agent's completion or failure report. Reports
// for tasks no longer ASSIGNED are accepted and discarded: the deadline
// fired first and the task has already moved on.
func (s *Scheduler) ReportResult(ctx context.Context, taskID string, status domain.TaskStatus, result []byte, errMsg string) error {
	if status != domain.TaskStatusCompleted && status != domain.TaskStatusFailed {
		return fmt.Errorf("report status must be COMPLETED or FAILED, got %q", status)
	}

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusAssigned {
		s.log.Debug("Discarding stale result report",
			zap.String("task_id", taskID),
			zap.String("current_status", string(task.Status)))
		return nil
	}

	now := time.Now()
	fields := port.TransitionFields{CompletedAt: &now}
	if status == domain.TaskStatusCompleted {
		fields.Result = result
	} else {
		fields.Error = &errMsg
	}

	err = s.store.Transition(ctx, taskID, domain.TaskStatusAssigned, status, fields)
	if errors.Is(err, domain.ErrStaleTransition) {
		s.log.Debug("Result report lost the race", zap.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}

	s.unwatch(taskID)

	if status == domain.TaskStatusCompleted {
		s.metrics.TaskCompleted()
	} else {
		s.metrics.TaskFailed()
	}
	s.log.Info("Task resolved",
		zap.String("task_id", taskID),
		zap.String("status", string(status)))
	return nil
}
