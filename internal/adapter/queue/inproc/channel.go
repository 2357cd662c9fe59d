// Package inproc implements the DeliveryChannel port with per-agent
// buffered channels inside a single process. It serves the test suite
// and the simulation binary, and doubles as the reference for the
// transport contract: at-most-once Send, one inbound consumer.
package inproc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

// sendBuffer bounds the per-agent outbound queue; a full buffer drops
// the send, which the scheduler's reclaim path later repairs.
const sendBuffer = 64

type attachment struct {
	outbound chan domain.Envelope
	done     chan struct{}
}

type Channel struct {
	mu      sync.RWMutex
	agents  map[string]*attachment
	handler func(agentID string, env domain.Envelope)
	log     *zap.Logger
}

func New(log *zap.Logger) *Channel {
	return &Channel{
		agents: make(map[string]*attachment),
		log:    log,
	}
}

var _ port.DeliveryChannel = (*Channel)(nil)

func (c *Channel) Attach(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[agentID]; ok {
		return nil
	}
	c.agents[agentID] = &attachment{
		outbound: make(chan domain.Envelope, sendBuffer),
		done:     make(chan struct{}),
	}
	return nil
}

func (c *Channel) Detach(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if att, ok := c.agents[agentID]; ok {
		close(att.done)
		delete(c.agents, agentID)
	}
}

func (c *Channel) Send(ctx context.Context, agentID string, env domain.Envelope) error {
	c.mu.RLock()
	att, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return domain.ErrChannelClosed
	}

	select {
	case att.outbound <- env:
		return nil
	case <-att.done:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Buffer full counts as a failed delivery attempt
		return domain.ErrChannelClosed
	}
}

func (c *Channel) OnMessage(handler func(agentID string, env domain.Envelope)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Deliver injects an agent-originated envelope into the coordinator's
// inbound handler. Test and simulation agents call this in place of a
// broker publish.
func (c *Channel) Deliver(agentID string, env domain.Envelope) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(agentID, env)
	}
}

// Subscribe hands the agent's outbound stream to a consumer goroutine,
// mirroring a worker draining its private queue. The goroutine exits on
// detach.
func (c *Channel) Subscribe(agentID string, consume func(env domain.Envelope)) bool {
	c.mu.RLock()
	att, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	go func() {
		for {
			select {
			case env := <-att.outbound:
				consume(env)
			case <-att.done:
				return
			}
		}
	}()
	return true
}

// Outbound exposes the raw assignment stream for tests that want to
// consume envelopes synchronously.
func (c *Channel) Outbound(agentID string) (<-chan domain.Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	att, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	return att.outbound, true
}
