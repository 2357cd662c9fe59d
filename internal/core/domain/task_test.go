package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to assigned", TaskStatusPending, TaskStatusAssigned, true},
		{"pending to failed (cancel)", TaskStatusPending, TaskStatusFailed, true},
		{"pending to completed", TaskStatusPending, TaskStatusCompleted, false},
		{"pending to expired", TaskStatusPending, TaskStatusExpired, false},
		{"assigned to completed", TaskStatusAssigned, TaskStatusCompleted, true},
		{"assigned to failed", TaskStatusAssigned, TaskStatusFailed, true},
		{"assigned to expired", TaskStatusAssigned, TaskStatusExpired, true},
		{"assigned to pending (reclaim)", TaskStatusAssigned, TaskStatusPending, true},
		{"completed is terminal", TaskStatusCompleted, TaskStatusPending, false},
		{"failed is terminal", TaskStatusFailed, TaskStatusAssigned, false},
		{"expired is terminal", TaskStatusExpired, TaskStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusAssigned.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusExpired.Terminal())
}

func TestAgentAdvertises(t *testing.T) {
	agent := &Agent{ID: "a1", Capabilities: []string{"echo", "sql"}}

	assert.True(t, agent.Advertises("echo"))
	assert.True(t, agent.Advertises("sql"))
	assert.False(t, agent.Advertises("report"))
	assert.True(t, agent.Advertises(""), "empty capability matches every agent")
}
