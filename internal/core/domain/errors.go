// Package domain provides the coordinator's entities, the task state
// machine and the shared error taxonomy.
package domain

import "errors"

var (
	// ErrUnknownAgent indicates the agent id was never registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrDuplicateActiveAgent indicates a register attempt for an id
	// that is already CONNECTED.
	ErrDuplicateActiveAgent = errors.New("agent already connected")

	// ErrUnknownTask indicates the task id does not exist in the store.
	ErrUnknownTask = errors.New("unknown task")

	// ErrStaleTransition indicates a guarded transition lost the race:
	// the task's current status no longer matches the expected one.
	// This is a normal outcome under concurrent scheduling, not a fault.
	ErrStaleTransition = errors.New("stale transition")

	// ErrChannelClosed indicates the delivery channel has no live
	// attachment for the target agent.
	ErrChannelClosed = errors.New("delivery channel closed")

	// ErrStoreUnavailable indicates the task store backend failed;
	// callers may retry.
	ErrStoreUnavailable = errors.New("task store unavailable")
)
