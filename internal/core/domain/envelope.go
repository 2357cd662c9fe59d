package domain

import (
	"encoding/json"
	"time"
)

type EnvelopeKind string

const (
	// EnvelopeAssign carries a task assignment from coordinator to agent.
	EnvelopeAssign EnvelopeKind = "assign"
	// EnvelopeResult carries a completion or failure report from agent
	// to coordinator.
	EnvelopeResult EnvelopeKind = "result"
	// EnvelopeHeartbeat is a liveness ping from agent to coordinator.
	EnvelopeHeartbeat EnvelopeKind = "heartbeat"
)

// Envelope is the single message shape carried over the delivery
// channel in both directions. The transport tags each inbound envelope
// with the originating agent id; the envelope itself does not carry it.
type Envelope struct {
	Kind     EnvelopeKind    `json:"kind"`
	TaskID   string          `json:"task_id,omitempty"`
	TaskType string          `json:"task_type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   TaskStatus      `json:"status,omitempty"` // result envelopes: COMPLETED or FAILED
	Error    string          `json:"error,omitempty"`
	Deadline time.Time       `json:"deadline,omitzero"` // assign envelopes: report-by time
}
