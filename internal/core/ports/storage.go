package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
)

// ThreadStore persists the thread index.
type ThreadStore interface {
	// CreateThread inserts a new thread. Fails with a conflict error if the
	// id already exists.
	CreateThread(ctx context.Context, thread *domain.ThreadRecord) error

	// GetThread retrieves a thread by ID. Fails with a not found error.
	GetThread(ctx context.Context, id string) (*domain.ThreadRecord, error)

	// TouchThread sets the lifecycle state and last-activity timestamp.
	TouchThread(ctx context.Context, id string, state domain.LifecycleState, at time.Time) error

	// AddThreadUsage adds streamed tokens to the thread's usage counter.
	AddThreadUsage(ctx context.Context, id string, tokens int64) error

	// ListThreads lists threads owned by opts.Owner, most recent activity first.
	ListThreads(ctx context.Context, opts domain.ThreadListOptions) ([]*domain.ThreadRecord, error)
}

// CheckpointStore persists the append-only checkpoint log.
type CheckpointStore interface {
	// InsertCheckpoint writes a checkpoint. Fails with a conflict error if
	// (thread_id, sequence) already exists.
	InsertCheckpoint(ctx context.Context, cp *domain.Checkpoint) error

	// LatestSequence returns the highest committed sequence, or 0 for none.
	LatestSequence(ctx context.Context, threadID string) (int64, error)

	// LatestCheckpoint returns the highest-sequence checkpoint, or nil.
	LatestCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error)

	// ListCheckpoints returns checkpoint metadata ordered by sequence ascending.
	ListCheckpoints(ctx context.Context, threadID string) ([]domain.CheckpointMeta, error)

	// DeleteCheckpointsBefore removes checkpoints with sequence < before and
	// returns how many were removed.
	DeleteCheckpointsBefore(ctx context.Context, threadID string, before int64) (int64, error)

	// ListCompactionCandidates returns the threads holding more than one
	// checkpoint whose log exceeds a limit of policy.
	ListCompactionCandidates(ctx context.Context, policy domain.RetentionPolicy) ([]string, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateApproval inserts a pending request. Fails with a conflict error if
	// one already exists for (thread_id, sequence).
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error

	// GetApproval fetches a request. Fails with a not found error.
	GetApproval(ctx context.Context, threadID string, sequence int64) (*domain.ApprovalRequest, error)

	// ResolveApproval moves a pending request to res. It fails with a not found
	// error when no request matches and with a conflict error when the request
	// is no longer pending. Exactly one concurrent caller succeeds.
	ResolveApproval(ctx context.Context, threadID string, sequence int64, res domain.Resolution, at time.Time) error

	// PendingApproval returns the pending request of a thread, or nil.
	PendingApproval(ctx context.Context, threadID string) (*domain.ApprovalRequest, error)

	// ListOverdueApprovals returns pending requests whose deadline is at or before now.
	ListOverdueApprovals(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error)
}

// LeaseScope names an exclusive per-thread lease.
type LeaseScope string

const (
	// LeaseCheckpoint serializes checkpoint appends and compaction.
	LeaseCheckpoint LeaseScope = "checkpoint"
	// LeaseProducer guards the single live producer of a thread.
	LeaseProducer LeaseScope = "producer"
)

// LeaseStore provides storage-layer mutual exclusion scoped to a thread, so
// the single-writer guarantee holds across replicated processes.
type LeaseStore interface {
	// AcquireLease takes the lease or fails with a conflict error when another
	// holder has an unexpired lease.
	AcquireLease(ctx context.Context, threadID string, scope LeaseScope, holder string, ttl time.Duration) error

	// RenewLease extends a held lease. Fails with a conflict error if the
	// lease was lost.
	RenewLease(ctx context.Context, threadID string, scope LeaseScope, holder string, ttl time.Duration) error

	// ReleaseLease drops the lease if holder still owns it.
	ReleaseLease(ctx context.Context, threadID string, scope LeaseScope, holder string) error
}

// StorageProvider manages all storage operations.
// Implementations: SQLite (default), PostgreSQL, MySQL, memory.
type StorageProvider interface {
	ThreadStore
	CheckpointStore
	ApprovalStore
	LeaseStore

	Close() error
}
