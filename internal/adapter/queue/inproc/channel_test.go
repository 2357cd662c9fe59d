package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh/coordinator/internal/core/domain"
)

func TestAttachSendOutbound(t *testing.T) {
	ctx := context.Background()
	ch := New(zaptest.NewLogger(t))

	require.NoError(t, ch.Attach(ctx, "a1"))
	require.NoError(t, ch.Attach(ctx, "a1"), "attach is idempotent")

	env := domain.Envelope{Kind: domain.EnvelopeAssign, TaskID: "t1", TaskType: "echo"}
	require.NoError(t, ch.Send(ctx, "a1", env))

	out, ok := ch.Outbound("a1")
	require.True(t, ok)
	select {
	case got := <-out:
		assert.Equal(t, "t1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}
}

func TestSendUnattachedAgent(t *testing.T) {
	ch := New(zaptest.NewLogger(t))

	err := ch.Send(context.Background(), "ghost", domain.Envelope{Kind: domain.EnvelopeAssign})
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestSendAfterDetach(t *testing.T) {
	ctx := context.Background()
	ch := New(zaptest.NewLogger(t))

	require.NoError(t, ch.Attach(ctx, "a1"))
	ch.Detach("a1")

	err := ch.Send(ctx, "a1", domain.Envelope{Kind: domain.EnvelopeAssign})
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestSendFullBuffer(t *testing.T) {
	ctx := context.Background()
	ch := New(zaptest.NewLogger(t))

	require.NoError(t, ch.Attach(ctx, "a1"))
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, ch.Send(ctx, "a1", domain.Envelope{Kind: domain.EnvelopeAssign}))
	}

	err := ch.Send(ctx, "a1", domain.Envelope{Kind: domain.EnvelopeAssign})
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestDeliverReachesHandler(t *testing.T) {
	ch := New(zaptest.NewLogger(t))

	var gotAgent string
	var gotEnv domain.Envelope
	ch.OnMessage(func(agentID string, env domain.Envelope) {
		gotAgent = agentID
		gotEnv = env
	})

	ch.Deliver("a1", domain.Envelope{Kind: domain.EnvelopeResult, TaskID: "t1", Status: domain.TaskStatusCompleted})

	assert.Equal(t, "a1", gotAgent)
	assert.Equal(t, domain.EnvelopeResult, gotEnv.Kind)
	assert.Equal(t, "t1", gotEnv.TaskID)
}

func TestSubscribeConsumesUntilDetach(t *testing.T) {
	ctx := context.Background()
	ch := New(zaptest.NewLogger(t))

	require.NoError(t, ch.Attach(ctx, "a1"))

	received := make(chan domain.Envelope, 4)
	require.True(t, ch.Subscribe("a1", func(env domain.Envelope) {
		received <- env
	}))
	assert.False(t, ch.Subscribe("ghost", func(domain.Envelope) {}))

	require.NoError(t, ch.Send(ctx, "a1", domain.Envelope{Kind: domain.EnvelopeAssign, TaskID: "t1"}))

	select {
	case env := <-received:
		assert.Equal(t, "t1", env.TaskID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never consumed the envelope")
	}

	ch.Detach("a1")
}
