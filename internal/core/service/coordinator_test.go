package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/coordinator/internal/core/domain"
)

type fakeCache struct {
	entries map[string][]byte
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(key string) ([]byte, error) {
	return f.entries[key], nil
}

func (f *fakeCache) Set(key string, val []byte, exp time.Duration) error {
	f.sets++
	f.entries[key] = append([]byte(nil), val...)
	return nil
}

func TestCancelPendingTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	require.NoError(t, h.coordinator.CancelTask(ctx, taskID))

	task := h.taskStatus(t, taskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "cancelled", task.Error)
	require.NotNil(t, task.CompletedAt)
}

func TestCancelAssignedTaskRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)
	h.scheduler.Pass(ctx)

	err = h.coordinator.CancelTask(ctx, taskID)
	assert.ErrorIs(t, err, domain.ErrStaleTransition)
	assert.Equal(t, domain.TaskStatusAssigned, h.taskStatus(t, taskID).Status)

	err = h.coordinator.CancelTask(ctx, "no-such-task")
	assert.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestGetTaskStatusUnknown(t *testing.T) {
	h := newHarness(t, SchedulerConfig{})
	_, err := h.coordinator.GetTaskStatus(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestSnapshotCacheOnlyHoldsTerminalTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})
	cache := newFakeCache()
	h.coordinator.WithSnapshotCache(cache)

	taskID, err := h.coordinator.SubmitTask(ctx, "echo", nil, "echo")
	require.NoError(t, err)

	// PENDING reads bypass the cache entirely.
	task, err := h.coordinator.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Zero(t, cache.sets)

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	h.scheduler.Pass(ctx)
	require.NoError(t, h.scheduler.ReportResult(ctx, taskID, domain.TaskStatusCompleted, json.RawMessage(`"done"`), ""))

	task, err = h.coordinator.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, cache.sets)

	// Warm read: served from the cached snapshot, no second write.
	task, err = h.coordinator.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, `"done"`, string(task.Result))
	assert.Equal(t, 1, cache.sets)
}

func TestConnectAgentDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	err := h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveAgent)

	// Reconnect after a clean disconnect is a fresh registration.
	require.NoError(t, h.coordinator.DisconnectAgent(ctx, "a1"))
	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"sql"}))
}

func TestDisconnectUnknownAgent(t *testing.T) {
	h := newHarness(t, SchedulerConfig{})
	err := h.coordinator.DisconnectAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestHeartbeatEnvelopeKeepsAgentAlive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))

	before := h.registry.ListAgents()[0].LastHeartbeat
	time.Sleep(2 * time.Millisecond)

	h.channel.Deliver("a1", domain.Envelope{Kind: domain.EnvelopeHeartbeat})

	after := h.registry.ListAgents()[0].LastHeartbeat
	assert.True(t, after.After(before), "heartbeat envelope must refresh liveness")
}

func TestResultEnvelopeForUnknownTaskIgnored(t *testing.T) {
	h := newHarness(t, SchedulerConfig{})

	// Must not panic or wedge the inbound handler.
	h.channel.Deliver("a1", domain.Envelope{
		Kind:   domain.EnvelopeResult,
		TaskID: "no-such-task",
		Status: domain.TaskStatusCompleted,
	})
}

func TestListAgentsFromRegistry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, SchedulerConfig{})

	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a1", []string{"echo"}))
	require.NoError(t, h.coordinator.ConnectAgent(ctx, "a2", []string{"sql"}))

	agents, err := h.coordinator.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a1", agents[0].ID, "registration order")
	assert.Equal(t, "a2", agents[1].ID)
}
