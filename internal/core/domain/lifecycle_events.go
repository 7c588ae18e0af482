package domain

import (
	"time"
)

// LifecycleEvent is a high-level thread lifecycle event. These are published
// for decoupled consumers (audit, analytics); they are distinct from the
// stream events relayed to clients.
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	ThreadID  string             `json:"thread_id"`
	Owner     string             `json:"owner"`
	SessionID string             `json:"session_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Data      any                `json:"data,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleTurnStarted       LifecycleEventType = "turn.started"
	LifecycleTurnCompleted     LifecycleEventType = "turn.completed"
	LifecycleTurnFailed        LifecycleEventType = "turn.failed"
	LifecycleTurnSuspended     LifecycleEventType = "turn.suspended"
	LifecycleApprovalRequested LifecycleEventType = "approval.requested"
	LifecycleApprovalResolved  LifecycleEventType = "approval.resolved"
)
