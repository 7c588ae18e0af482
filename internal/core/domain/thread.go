package domain

import "time"

// LifecycleState is the lifecycle state of a conversation thread.
type LifecycleState string

const (
	StateActive           LifecycleState = "ACTIVE"
	StateAwaitingApproval LifecycleState = "AWAITING_APPROVAL"
	StateCompleted        LifecycleState = "COMPLETED"
	StateFailed           LifecycleState = "FAILED"
	StateAbandoned        LifecycleState = "ABANDONED"
)

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateActive, StateAwaitingApproval, StateCompleted, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// ThreadRecord is the lightweight index record for a conversation. It is
// created on the first message and never physically deleted; abandoning a
// thread only moves it to StateAbandoned.
type ThreadRecord struct {
	ID             string         `json:"thread_id" db:"id"`
	Owner          string         `json:"owner" db:"owner"`
	Title          string         `json:"title" db:"title"`
	State          LifecycleState `json:"lifecycle_state" db:"state"`
	TokensStreamed int64          `json:"tokens_streamed" db:"tokens_streamed"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at" db:"last_activity_at"`
}

// ThreadListOptions controls thread listing.
type ThreadListOptions struct {
	Owner  string
	Limit  int
	Offset int
}
