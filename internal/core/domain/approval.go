package domain

import "time"

// Resolution is the state of an approval request.
type Resolution string

const (
	ResolutionPending  Resolution = "PENDING"
	ResolutionApproved Resolution = "APPROVED"
	ResolutionRejected Resolution = "REJECTED"
	ResolutionExpired  Resolution = "EXPIRED"
)

// Decision is an external approval decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Resolution maps a decision to the resolution it produces.
func (d Decision) Resolution() (Resolution, error) {
	switch d {
	case DecisionApprove:
		return ResolutionApproved, nil
	case DecisionReject:
		return ResolutionRejected, nil
	}
	return "", InvalidRequest("unknown decision %q", d)
}

// Proceed reports whether the engine should resume the interrupted action.
// Expiry is an implicit rejection.
func (r Resolution) Proceed() bool {
	return r == ResolutionApproved
}

// ApprovalRequest parks an execution at checkpoint Sequence until a decision
// arrives or Deadline passes. It leaves PENDING exactly once.
type ApprovalRequest struct {
	ThreadID    string     `json:"thread_id" db:"thread_id"`
	Sequence    int64      `json:"checkpoint_sequence" db:"sequence"`
	Action      string     `json:"action" db:"action"`
	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	Deadline    time.Time  `json:"deadline" db:"deadline"`
	Resolution  Resolution `json:"resolution" db:"resolution"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Pending reports whether the request is unresolved.
func (a *ApprovalRequest) Pending() bool {
	return a.Resolution == ResolutionPending
}
