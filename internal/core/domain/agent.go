package domain

import (
	"slices"
	"time"
)

type AgentStatus string

const (
	AgentStatusConnected    AgentStatus = "CONNECTED"
	AgentStatusDisconnected AgentStatus = "DISCONNECTED"
)

// Agent is a registered worker. Disconnected agents are retained for
// audit and reconnect correlation; they are never removed from the
// registry by normal operation.
type Agent struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// Advertises reports whether the agent declared the given capability.
// An empty capability matches every agent.
func (a *Agent) Advertises(capability string) bool {
	if capability == "" {
		return true
	}
	return slices.Contains(a.Capabilities, capability)
}
