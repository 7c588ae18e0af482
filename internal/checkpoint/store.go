// Package checkpoint implements the append-only execution state log. Every
// append and compaction for a thread runs under a storage-layer lease, so a
// second writer fails fast instead of racing for the next sequence number.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/metrics"
)

const defaultLeaseTTL = 30 * time.Second

// Backend is the storage a Store needs.
type Backend interface {
	ports.CheckpointStore
	ports.LeaseStore
}

// Store appends, reads and compacts checkpoints.
type Store struct {
	backend  Backend
	leaseTTL time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Config configures a Store.
type Config struct {
	Backend  Backend
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// New creates a Store.
func New(cfg Config) *Store {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:  cfg.Backend,
		leaseTTL: ttl,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// withLease runs fn while holding the thread's checkpoint lease.
func (s *Store) withLease(ctx context.Context, threadID string, fn func() error) error {
	holder := uuid.NewString()
	if err := s.backend.AcquireLease(ctx, threadID, ports.LeaseCheckpoint, holder, s.leaseTTL); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Conflict("another checkpoint write is in flight for thread %s", threadID).
				WithCode(domain.ErrorCodeConcurrentAppend)
		}
		return err
	}
	defer func() {
		// Release even if the caller's context is already done.
		releaseCtx := context.WithoutCancel(ctx)
		if err := s.backend.ReleaseLease(releaseCtx, threadID, ports.LeaseCheckpoint, holder); err != nil {
			s.logger.Warn("failed to release checkpoint lease",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return fn()
}

// Append writes blob as the next checkpoint of threadID and returns its
// sequence number. Sequences start at 1 and never skip.
func (s *Store) Append(ctx context.Context, threadID string, blob []byte) (int64, error) {
	var seq int64
	err := s.withLease(ctx, threadID, func() error {
		latest, err := s.backend.LatestSequence(ctx, threadID)
		if err != nil {
			return err
		}
		seq = latest + 1

		return s.backend.InsertCheckpoint(ctx, &domain.Checkpoint{
			ThreadID:  threadID,
			Sequence:  seq,
			Blob:      blob,
			Digest:    domain.Digest(blob),
			Size:      int64(len(blob)),
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return 0, err
	}

	s.metrics.CheckpointAppended()
	s.logger.Debug("checkpoint appended",
		slog.String("thread_id", threadID),
		slog.Int64("sequence", seq),
		slog.Int("size", len(blob)),
	)
	return seq, nil
}

// Latest returns the authoritative checkpoint of threadID, or nil for a
// thread with no prior execution. A blob that fails its digest check is
// reported as a storage failure rather than returned.
func (s *Store) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := s.backend.LatestCheckpoint(ctx, threadID)
	if err != nil || cp == nil {
		return nil, err
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return cp, nil
}

// LatestSequence returns the highest committed sequence, 0 for none.
func (s *Store) LatestSequence(ctx context.Context, threadID string) (int64, error) {
	return s.backend.LatestSequence(ctx, threadID)
}

// History lists checkpoint metadata in ascending sequence order.
func (s *Store) History(ctx context.Context, threadID string) ([]domain.CheckpointMeta, error) {
	return s.backend.ListCheckpoints(ctx, threadID)
}

// Compact removes checkpoints outside policy and returns how many were
// removed. The latest checkpoint always survives. Compact shares the append
// lease, so it never overlaps an append for the same thread.
func (s *Store) Compact(ctx context.Context, threadID string, policy domain.RetentionPolicy) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	var removed int64
	err := s.withLease(ctx, threadID, func() error {
		metas, err := s.backend.ListCheckpoints(ctx, threadID)
		if err != nil {
			return err
		}
		cutoff := retentionCutoff(metas, policy)
		if cutoff == 0 {
			return nil
		}
		removed, err = s.backend.DeleteCheckpointsBefore(ctx, threadID, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.metrics.CheckpointsCompacted(removed)
		s.logger.Info("checkpoints compacted",
			slog.String("thread_id", threadID),
			slog.Int64("removed", removed),
		)
	}
	return removed, nil
}

// CompactAll compacts every thread whose log exceeds policy. Threads with
// an append in flight are skipped until the next run.
func (s *Store) CompactAll(ctx context.Context, policy domain.RetentionPolicy) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}
	threads, err := s.backend.ListCompactionCandidates(ctx, policy)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, threadID := range threads {
		removed, err := s.Compact(ctx, threadID, policy)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return total, err
		}
		total += removed
	}
	return total, nil
}

// retentionCutoff returns the lowest sequence to keep, or 0 when nothing is
// removed. metas must be ascending. The kept set is the longest suffix that
// satisfies both limits, and is never empty.
func retentionCutoff(metas []domain.CheckpointMeta, policy domain.RetentionPolicy) int64 {
	if len(metas) == 0 {
		return 0
	}

	keep := 1
	total := metas[len(metas)-1].Size
	for i := len(metas) - 2; i >= 0; i-- {
		if policy.KeepLast > 0 && keep >= policy.KeepLast {
			break
		}
		if policy.MaxBytes > 0 && total+metas[i].Size > policy.MaxBytes {
			break
		}
		keep++
		total += metas[i].Size
	}

	if keep == len(metas) {
		return 0
	}
	return metas[len(metas)-keep].Sequence
}
