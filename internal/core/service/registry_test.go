package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh/coordinator/internal/adapter/monitoring/prometheus"
	"github.com/taskmesh/coordinator/internal/core/domain"
)

func newTestRegistry(t *testing.T, window time.Duration) *Registry {
	t.Helper()
	return NewRegistry(window, nil, nil, prometheus.Nop{}, zaptest.NewLogger(t))
}

func TestRegisterAndDuplicate(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, time.Minute)

	require.NoError(t, registry.Register(ctx, "a1", []string{"echo"}))
	assert.Equal(t, 1, registry.ConnectedCount())

	err := registry.Register(ctx, "a1", []string{"echo"})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveAgent)

	// After a deregister the id is free again.
	require.NoError(t, registry.Deregister(ctx, "a1"))
	require.NoError(t, registry.Register(ctx, "a1", []string{"sql"}))

	agents := registry.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, []string{"sql"}, agents[0].Capabilities)
	assert.Equal(t, domain.AgentStatusConnected, agents[0].Status)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	registry := newTestRegistry(t, time.Minute)
	err := registry.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestDeregisterFiresDownHookOnce(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, time.Minute)

	var downs []string
	registry.SetAgentDownHook(func(agentID string) { downs = append(downs, agentID) })

	require.NoError(t, registry.Register(ctx, "a1", nil))
	require.NoError(t, registry.Deregister(ctx, "a1"))
	assert.Equal(t, []string{"a1"}, downs)

	// Already DISCONNECTED; no second hook invocation.
	require.NoError(t, registry.Deregister(ctx, "a1"))
	assert.Len(t, downs, 1)

	err := registry.Deregister(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestSweepExpiresSilentAgents(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, 50*time.Millisecond)

	var downs []string
	registry.SetAgentDownHook(func(agentID string) { downs = append(downs, agentID) })

	require.NoError(t, registry.Register(ctx, "a1", []string{"echo"}))

	// Inside the window: nothing expires.
	assert.Empty(t, registry.Sweep(ctx, time.Now()))

	expired := registry.Sweep(ctx, time.Now().Add(100*time.Millisecond))
	assert.Equal(t, []string{"a1"}, expired)
	assert.Equal(t, []string{"a1"}, downs)
	assert.Zero(t, registry.ConnectedCount())

	// A second sweep over the same silence is a no-op.
	assert.Empty(t, registry.Sweep(ctx, time.Now().Add(200*time.Millisecond)))
	assert.Len(t, downs, 1)
}

func TestHeartbeatRevivesSweptAgent(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, 50*time.Millisecond)

	require.NoError(t, registry.Register(ctx, "a1", []string{"echo"}))
	registry.Sweep(ctx, time.Now().Add(time.Second))
	assert.Zero(t, registry.ConnectedCount())

	require.NoError(t, registry.Heartbeat(ctx, "a1"))
	assert.Equal(t, 1, registry.ConnectedCount())
}

func TestFindCapableFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, time.Minute)

	require.NoError(t, registry.Register(ctx, "echo-old", []string{"echo"}))
	require.NoError(t, registry.Register(ctx, "sql-1", []string{"sql"}))
	require.NoError(t, registry.Register(ctx, "echo-new", []string{"echo", "sql"}))
	require.NoError(t, registry.Register(ctx, "gone", []string{"echo"}))
	require.NoError(t, registry.Deregister(ctx, "gone"))

	// A fresh heartbeat moves echo-new ahead of echo-old.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, registry.Heartbeat(ctx, "echo-new"))

	var got []string
	for id := range registry.FindCapable("echo") {
		got = append(got, id)
	}
	assert.Equal(t, []string{"echo-new", "echo-old"}, got)

	got = got[:0]
	for id := range registry.FindCapable("report") {
		got = append(got, id)
	}
	assert.Empty(t, got)

	// Empty capability matches every connected agent.
	count := 0
	for range registry.FindCapable("") {
		count++
	}
	assert.Equal(t, 3, count)
}
