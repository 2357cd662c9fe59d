package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh/coordinator/internal/adapter/monitoring/prometheus"
	"github.com/taskmesh/coordinator/internal/adapter/queue/inproc"
	"github.com/taskmesh/coordinator/internal/adapter/storage/memory"
	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

type harness struct {
	store       *memory.TaskStore
	channel     *inproc.Channel
	registry    *Registry
	scheduler   *Scheduler
	coordinator *Coordinator
}

func newHarness(t *testing.T, cfg SchedulerConfig) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	store := memory.NewTaskStore()
	channel := inproc.New(log.Named("channel"))
	metrics := prometheus.Nop{}

	registry := NewRegistry(time.Minute, nil, nil, metrics, log.Named("registry"))
	scheduler := NewScheduler(store, registry, channel, metrics, cfg, log.Named("scheduler"))
	coordinator := NewCoordinator(store, registry, scheduler, channel, metrics, log.Named("coordinator"))

	return &harness{
		store:       store,
		channel:     channel,
		registry:    registry,
		scheduler:   scheduler,
		coordinator: coordinator,
	}
}

func (h *harness) taskStatus(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func TestNoCapableAgentStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	taskID, err := h.coordinator.SubmitTask(ctx, "train", nil, "gpu")
	require.NoError(t, err)

	h.scheduler.Pass(ctx)

	assert.Equal(t, domain.TaskStatusPending, h.taskStatus(t, taskID).Status)

	out, ok := h.channel.Outbound("a1")
	require.True(t, ok)
	select {
	case env := <-out:
		t.Fatalf("unexpected delivery to incapable agent: %+v", env)
	default:
	}
}

func TestEchoLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	payload := json.RawMessage(`{"message":"hello"}`)
	taskID, err := h.coordinator.SubmitTask(ctx, "echo", payload, "echo")
	require.NoError(t, err)

	h.scheduler.Pass(ctx)

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusAssigned, task.Status)
	assert.Equal(t, "a1", task.AssignedAgent)

	out, ok := h.channel.Outbound("a1")
	require.True(t, ok)
	var env domain.Envelope
	select {
	case env = <-out:
	case <-time.After(time.Second):
		t.Fatal("assignment never delivered")
	}
	assert.Equal(t, domain.EnvelopeAssign, env.Kind)
	assert.Equal(t, taskID, env.TaskID)
	assert.Equal(t, "echo", env.TaskType)
	assert.JSONEq(t, string(payload), string(env.Payload))
	assert.False(t, env.Deadline.IsZero())

	// The agent echoes the payload back through the inbound channel.
	h.channel.Deliver("a1", domain.Envelope{
		Kind:    domain.EnvelopeResult,
		TaskID:  taskID,
		Status:  domain.TaskStatusCompleted,
		Payload: env.Payload,
	})

	task = h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, string(payload), string(task.Result))
	require.NotNil(t, task.CompletedAt)
}

func TestTwoTasksSameCapabilityFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "db-agent", []string{"sql"}))

	first, err := h.coordinator.SubmitTask(ctx, "query", json.RawMessage(`{"q":1}`), "sql")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := h.coordinator.SubmitTask(ctx, "query", json.RawMessage(`{"q":2}`), "sql")
	require.NoError(t, err)

	h.scheduler.Pass(ctx)

	out, ok := h.channel.Outbound("db-agent")
	require.True(t, ok)

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case env := <-out:
			order = append(order, env.TaskID)
		case <-time.After(time.Second):
			t.Fatal("assignment never delivered")
		}
	}
	assert.Equal(t, []string{first, second}, order, "oldest submission assigned first")

	assert.Equal(t, "db-agent", h.taskStatus(t, first).AssignedAgent)
	assert.Equal(t, "db-agent", h.taskStatus(t, second).AssignedAgent)
}

func TestBatchSizeLimitsPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{BatchSize: 2})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", nil))

	for i := 0; i < 5; i++ {
		_, err := h.coordinator.SubmitTask(ctx, "echo", nil, "")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	h.scheduler.Pass(ctx)

	assigned, err := h.store.ListByStatus(ctx, domain.TaskStatusAssigned)
	require.NoError(t, err)
	assert.Len(t, assigned, 2)

	pending, err := h.store.ListByStatus(ctx, domain.TaskStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "overflow waits for the next pass")
}

func TestDisconnectReclaimsAssignment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{MaxRetries: 3})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	h.scheduler.Pass(ctx)
	require.Equal(t, domain.TaskStatusAssigned, h.taskStatus(t, taskID).Status)

	require.NoError(t, h.coordinator.DisconnectAgent(ctx, "a1"))

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Empty(t, task.AssignedAgent)
	assert.Equal(t, 1, task.Retries)
}

func TestLivenessExpiryReclaimsAssignment(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	store := memory.NewTaskStore()
	channel := inproc.New(log)
	metrics := prometheus.Nop{}
	registry := NewRegistry(30*time.Millisecond, nil, nil, metrics, log)
	scheduler := NewScheduler(store, registry, channel, metrics, SchedulerConfig{}, log)
	coordinator := NewCoordinator(store, registry, scheduler, channel, metrics, log)

	require.NoError(t, coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	taskID, err := coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	scheduler.Pass(ctx)
	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusAssigned, task.Status)

	// Silence beyond the window: the sweep reclaims through the down hook.
	registry.Sweep(ctx, time.Now().Add(time.Second))

	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Retries)
}

func TestTimeoutRetryExhaustionExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, SchedulerConfig{
		AssignmentTimeout: 40 * time.Millisecond,
		MaxRetries:        1,
		PassInterval:      20 * time.Millisecond,
	})

	// The agent attaches but never reports, so every assignment times out.
	require.NoError(t, h.coordinator.ConnectAgent(ctx, "mute", []string{"echo"}))

	go h.scheduler.Run(ctx)

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.taskStatus(t, taskID).Status == domain.TaskStatusExpired
	}, 3*time.Second, 10*time.Millisecond, "task never expired")

	task := h.taskStatus(t, taskID)
	assert.Equal(t, "max retries exceeded", task.Error)
	assert.Equal(t, 2, task.Retries, "initial attempt plus one retry")
	require.NotNil(t, task.CompletedAt)
}

func TestSendFailureReclaimsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{MaxRetries: 3})

	// Registered but never attached: Send fails with ErrChannelClosed.
	require.NoError(t, h.registry.Register(ctx, "a1", []string{"echo"}))

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	h.scheduler.Pass(ctx)

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Retries, "failed delivery consumes a retry")
}

func TestDuplicateResultReportDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)
	h.scheduler.Pass(ctx)

	require.NoError(t, h.scheduler.ReportResult(ctx, taskID, domain.TaskStatusCompleted, json.RawMessage(`"first"`), ""))

	// The duplicate is accepted and dropped; the stored result stands.
	require.NoError(t, h.scheduler.ReportResult(ctx, taskID, domain.TaskStatusCompleted, json.RawMessage(`"second"`), ""))

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, `"first"`, string(task.Result))
}

func TestReportResultValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	err := h.scheduler.ReportResult(ctx, "t1", domain.TaskStatusPending, nil, "")
	require.Error(t, err)

	err = h.scheduler.ReportResult(ctx, "no-such-task", domain.TaskStatusCompleted, nil, "")
	assert.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestFailureReportStoresError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)
	h.scheduler.Pass(ctx)

	require.NoError(t, h.scheduler.ReportResult(ctx, taskID, domain.TaskStatusFailed, nil, "boom"))

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.Empty(t, task.Result)
}

// flakyStore fails a configured number of calls with
// ErrStoreUnavailable before delegating to the wrapped store.
type flakyStore struct {
	port.TaskStore

	mu              sync.Mutex
	failGets        int
	failTransitions int
}

func (f *flakyStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return nil, domain.ErrStoreUnavailable
	}
	return f.TaskStore.Get(ctx, id)
}

func (f *flakyStore) Transition(ctx context.Context, id string, from, to domain.TaskStatus, fields port.TransitionFields) error {
	f.mu.Lock()
	fail := f.failTransitions > 0
	if fail {
		f.failTransitions--
	}
	f.mu.Unlock()
	if fail {
		return domain.ErrStoreUnavailable
	}
	return f.TaskStore.Transition(ctx, id, from, to, fields)
}

func TestReclaimSurvivesStoreOutage(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	store := &flakyStore{TaskStore: memory.NewTaskStore()}
	channel := inproc.New(log)
	metrics := prometheus.Nop{}

	registry := NewRegistry(time.Minute, nil, nil, metrics, log)
	scheduler := NewScheduler(store, registry, channel, metrics, SchedulerConfig{MaxRetries: 3}, log)
	coordinator := NewCoordinator(store, registry, scheduler, channel, metrics, log)

	require.NoError(t, coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	taskID, err := coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)
	scheduler.Pass(ctx)

	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusAssigned, task.Status)

	// The deadline fires while the store is unreachable. The attempt
	// fails, but the task must stay under deadline watch.
	store.mu.Lock()
	store.failGets = 1
	store.mu.Unlock()
	scheduler.checkDeadlines(ctx, time.Now().Add(time.Hour))

	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, task.Status)

	scheduler.mu.Lock()
	_, watched := scheduler.assignments[taskID]
	scheduler.mu.Unlock()
	require.True(t, watched, "failed reclaim must keep the watch entry")

	// Store is back: the next tick past the retry deadline reclaims.
	scheduler.checkDeadlines(ctx, time.Now().Add(2*time.Hour))

	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Retries)

	// Same discipline when the guarded transition itself fails.
	scheduler.Pass(ctx)
	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusAssigned, task.Status)

	store.mu.Lock()
	store.failTransitions = 1
	store.mu.Unlock()
	scheduler.checkDeadlines(ctx, time.Now().Add(3*time.Hour))

	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, task.Status)

	scheduler.mu.Lock()
	_, watched = scheduler.assignments[taskID]
	scheduler.mu.Unlock()
	require.True(t, watched)

	scheduler.checkDeadlines(ctx, time.Now().Add(4*time.Hour))
	task, err = store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.Retries)
}

func TestRecoverReadoptsAssignments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zaptest.NewLogger(t)
	store := memory.NewTaskStore()
	channel := inproc.New(log)
	metrics := prometheus.Nop{}

	// First scheduler assigns, then "crashes" before the deadline fires.
	registry1 := NewRegistry(time.Minute, nil, nil, metrics, log)
	scheduler1 := NewScheduler(store, registry1, channel, metrics, SchedulerConfig{}, log)
	coordinator1 := NewCoordinator(store, registry1, scheduler1, channel, metrics, log)

	require.NoError(t, coordinator1.ConnectAgent(ctx, "a1", []string{"echo"}))
	taskID, err := coordinator1.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)
	scheduler1.Pass(ctx)

	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusAssigned, task.Status)

	// Second scheduler over the same store: the orphaned assignment gets
	// a fresh deadline and is reclaimed once the silent agent misses it.
	registry2 := NewRegistry(time.Minute, nil, nil, metrics, log)
	scheduler2 := NewScheduler(store, registry2, channel, metrics, SchedulerConfig{
		AssignmentTimeout: 30 * time.Millisecond,
		PassInterval:      time.Minute, // only the deadline watcher acts
	}, log)

	go scheduler2.Run(ctx)

	require.Eventually(t, func() bool {
		task, err := store.Get(ctx, taskID)
		return err == nil && task.Status == domain.TaskStatusPending && task.Retries == 1
	}, 3*time.Second, 10*time.Millisecond, "re-adopted assignment never reclaimed")
}
