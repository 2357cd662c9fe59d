package service

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

// Registry owns the agent records. The in-memory map is authoritative
// for liveness; the audit store and the Redis advertisement are
// write-through projections and never read back on the hot path.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent

	window   time.Duration
	audit    port.AgentAuditStore    // optional
	liveness port.LivenessAdvertiser // optional
	metrics  port.Metrics
	log      *zap.Logger

	// onAgentDown is invoked once per CONNECTED -> DISCONNECTED
	// transition so the scheduler can reclaim the agent's assignments.
	onAgentDown func(agentID string)
}

func NewRegistry(window time.Duration, audit port.AgentAuditStore, liveness port.LivenessAdvertiser, metrics port.Metrics, log *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*domain.Agent),
		window:   window,
		audit:    audit,
		liveness: liveness,
		metrics:  metrics,
		log:      log,
	}
}

// SetAgentDownHook wires the scheduler's reclaim path. Must be called
// before agents start connecting.
func (r *Registry) SetAgentDownHook(hook func(agentID string)) {
	r.onAgentDown = hook
}

// Register creates or reactivates an agent entry. A second register for
// an id that is still CONNECTED fails with ErrDuplicateActiveAgent.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) error {
	now := time.Now()

	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if exists && agent.Status == domain.AgentStatusConnected {
		r.mu.Unlock()
		return domain.ErrDuplicateActiveAgent
	}
	if !exists {
		agent = &domain.Agent{ID: agentID, RegisteredAt: now}
		r.agents[agentID] = agent
	}
	agent.Capabilities = append([]string(nil), capabilities...)
	agent.Status = domain.AgentStatusConnected
	agent.LastHeartbeat = now
	snapshot := *agent
	connected := r.connectedLocked()
	r.mu.Unlock()

	r.metrics.AgentsConnected(connected)
	r.log.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities),
		zap.Bool("reconnect", exists))

	r.project(ctx, &snapshot)
	return nil
}

// Heartbeat refreshes the liveness timestamp. A heartbeat from an agent
// the sweep already marked DISCONNECTED reactivates it: the agent never
// went away, the silence did.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now()

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownAgent
	}
	revived := agent.Status == domain.AgentStatusDisconnected
	agent.Status = domain.AgentStatusConnected
	agent.LastHeartbeat = now
	snapshot := *agent
	connected := r.connectedLocked()
	r.mu.Unlock()

	if revived {
		r.metrics.AgentsConnected(connected)
		r.log.Info("Agent revived by heartbeat", zap.String("agent_id", agentID))
	}

	r.project(ctx, &snapshot)
	return nil
}

// Deregister marks the agent DISCONNECTED immediately and reports its
// assignments for reclaim.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownAgent
	}
	wasConnected := agent.Status == domain.AgentStatusConnected
	agent.Status = domain.AgentStatusDisconnected
	snapshot := *agent
	connected := r.connectedLocked()
	r.mu.Unlock()

	r.metrics.AgentsConnected(connected)
	r.log.Info("Agent deregistered", zap.String("agent_id", agentID))

	if r.liveness != nil {
		if err := r.liveness.Withdraw(ctx, agentID); err != nil {
			r.log.Warn("Failed to withdraw liveness advertisement", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if r.audit != nil {
		if err := r.audit.UpsertAgent(ctx, &snapshot); err != nil {
			r.log.Warn("Failed to audit agent transition", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if wasConnected && r.onAgentDown != nil {
		r.onAgentDown(agentID)
	}
	return nil
}

// FindCapable yields CONNECTED agents advertising the capability (every
// CONNECTED agent when capability is empty), most recently heartbeated
// first. The ordering spreads load toward agents known to be alive; it
// is a heuristic, not a correctness requirement.
func (r *Registry) FindCapable(capability string) iter.Seq[string] {
	r.mu.RLock()
	candidates := make([]*domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.Status == domain.AgentStatusConnected && agent.Advertises(capability) {
			cp := *agent
			candidates = append(candidates, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastHeartbeat.After(candidates[j].LastHeartbeat)
	})

	return func(yield func(string) bool) {
		for _, agent := range candidates {
			if !yield(agent.ID) {
				return
			}
		}
	}
}

// Sweep marks agents DISCONNECTED once their silence exceeds the
// liveness window. Safe to run concurrently with register, heartbeat
// and deregister: the status flip happens under the lock, so each
// transition fires the down hook at most once.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	var expired []*domain.Agent

	r.mu.Lock()
	for _, agent := range r.agents {
		if agent.Status == domain.AgentStatusConnected && now.Sub(agent.LastHeartbeat) > r.window {
			agent.Status = domain.AgentStatusDisconnected
			cp := *agent
			expired = append(expired, &cp)
		}
	}
	connected := r.connectedLocked()
	r.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	r.metrics.AgentsConnected(connected)

	ids := make([]string, 0, len(expired))
	for _, agent := range expired {
		ids = append(ids, agent.ID)
		r.log.Warn("Agent liveness expired",
			zap.String("agent_id", agent.ID),
			zap.Time("last_heartbeat", agent.LastHeartbeat))

		if r.audit != nil {
			if err := r.audit.UpsertAgent(ctx, agent); err != nil {
				r.log.Warn("Failed to audit agent expiry", zap.String("agent_id", agent.ID), zap.Error(err))
			}
		}
		if r.onAgentDown != nil {
			r.onAgentDown(agent.ID)
		}
	}
	return ids
}

// RunSweeper runs the periodic liveness sweep until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping liveness sweeper")
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// ListAgents returns a snapshot of every known agent, connected or not.
func (r *Registry) ListAgents() []*domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// ConnectedCount returns the number of CONNECTED agents.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedLocked()
}

func (r *Registry) connectedLocked() int {
	n := 0
	for _, agent := range r.agents {
		if agent.Status == domain.AgentStatusConnected {
			n++
		}
	}
	return n
}

// project mirrors the entry into the audit store and the liveness keys.
// Both are best-effort; failures degrade observability, not liveness.
func (r *Registry) project(ctx context.Context, agent *domain.Agent) {
	if r.liveness != nil {
		if err := r.liveness.Advertise(ctx, agent, r.window); err != nil {
			r.log.Warn("Failed to advertise liveness", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if r.audit != nil {
		if err := r.audit.UpsertAgent(ctx, agent); err != nil {
			r.log.Warn("Failed to audit agent transition", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}
