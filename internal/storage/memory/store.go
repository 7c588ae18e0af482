package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

type approvalKey struct {
	threadID string
	sequence int64
}

type leaseKey struct {
	threadID string
	scope    ports.LeaseScope
}

type lease struct {
	holder  string
	expires time.Time
}

// Store is an in-memory implementation of ports.StorageProvider. It follows
// the same conflict semantics as the SQL store but only within one process.
type Store struct {
	mu          sync.RWMutex
	threads     map[string]*domain.ThreadRecord
	checkpoints map[string][]*domain.Checkpoint // ascending by sequence
	approvals   map[approvalKey]*domain.ApprovalRequest
	leases      map[leaseKey]lease

	now func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		threads:     make(map[string]*domain.ThreadRecord),
		checkpoints: make(map[string][]*domain.Checkpoint),
		approvals:   make(map[approvalKey]*domain.ApprovalRequest),
		leases:      make(map[leaseKey]lease),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateThread(ctx context.Context, thread *domain.ThreadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return domain.Conflict("thread %s already exists", thread.ID).
			WithCode(domain.ErrorCodeDuplicateThread)
	}

	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = s.now()
	}
	if thread.LastActivityAt.IsZero() {
		thread.LastActivityAt = thread.CreatedAt
	}

	cp := *thread
	s.threads[thread.ID] = &cp
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*domain.ThreadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[id]
	if !exists {
		return nil, domain.NotFound("thread %s not found", id)
	}
	cp := *thread
	return &cp, nil
}

func (s *Store) TouchThread(ctx context.Context, id string, state domain.LifecycleState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[id]
	if !exists {
		return domain.NotFound("thread %s not found", id)
	}
	thread.State = state
	thread.LastActivityAt = at
	return nil
}

func (s *Store) AddThreadUsage(ctx context.Context, id string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[id]
	if !exists {
		return domain.NotFound("thread %s not found", id)
	}
	thread.TokensStreamed += tokens
	return nil
}

func (s *Store) ListThreads(ctx context.Context, opts domain.ThreadListOptions) ([]*domain.ThreadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*domain.ThreadRecord{}
	for _, thread := range s.threads {
		if thread.Owner != opts.Owner {
			continue
		}
		cp := *thread
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.ThreadRecord{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.checkpoints[cp.ThreadID]
	for _, existing := range log {
		if existing.Sequence == cp.Sequence {
			return domain.Conflict("checkpoint %s/%d already exists", cp.ThreadID, cp.Sequence).
				WithCode(domain.ErrorCodeConcurrentAppend)
		}
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	stored := *cp
	stored.Blob = append([]byte(nil), cp.Blob...)

	log = append(log, &stored)
	sort.Slice(log, func(i, j int) bool { return log[i].Sequence < log[j].Sequence })
	s.checkpoints[cp.ThreadID] = log
	return nil
}

func (s *Store) LatestSequence(ctx context.Context, threadID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.checkpoints[threadID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Sequence, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.checkpoints[threadID]
	if len(log) == 0 {
		return nil, nil
	}
	cp := *log[len(log)-1]
	cp.Blob = append([]byte(nil), cp.Blob...)
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]domain.CheckpointMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.checkpoints[threadID]
	metas := make([]domain.CheckpointMeta, 0, len(log))
	for _, cp := range log {
		metas = append(metas, domain.CheckpointMeta{
			ThreadID:  cp.ThreadID,
			Sequence:  cp.Sequence,
			Digest:    cp.Digest,
			Size:      cp.Size,
			CreatedAt: cp.CreatedAt,
		})
	}
	return metas, nil
}

func (s *Store) DeleteCheckpointsBefore(ctx context.Context, threadID string, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.checkpoints[threadID]
	kept := log[:0]
	var removed int64
	for _, cp := range log {
		if cp.Sequence < before {
			removed++
			continue
		}
		kept = append(kept, cp)
	}
	s.checkpoints[threadID] = kept
	return removed, nil
}

func (s *Store) ListCompactionCandidates(ctx context.Context, policy domain.RetentionPolicy) ([]string, error) {
	if !policy.Enabled() {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for threadID, log := range s.checkpoints {
		if len(log) < 2 {
			continue
		}
		var size int64
		for _, cp := range log {
			size += cp.Size
		}
		if (policy.KeepLast > 0 && len(log) > policy.KeepLast) || (policy.MaxBytes > 0 && size > policy.MaxBytes) {
			ids = append(ids, threadID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey{req.ThreadID, req.Sequence}
	if _, exists := s.approvals[key]; exists {
		return domain.Conflict("approval %s/%d already exists", req.ThreadID, req.Sequence)
	}

	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	if req.Resolution == "" {
		req.Resolution = domain.ResolutionPending
	}
	cp := *req
	s.approvals[key] = &cp
	return nil
}

func (s *Store) GetApproval(ctx context.Context, threadID string, sequence int64) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.approvals[approvalKey{threadID, sequence}]
	if !exists {
		return nil, domain.NotFound("no approval request for %s at checkpoint %d", threadID, sequence)
	}
	cp := *req
	return &cp, nil
}

func (s *Store) ResolveApproval(ctx context.Context, threadID string, sequence int64, res domain.Resolution, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.approvals[approvalKey{threadID, sequence}]
	if !exists {
		return domain.NotFound("no approval request for %s at checkpoint %d", threadID, sequence)
	}
	if !req.Pending() {
		return domain.Conflict("approval %s/%d already %s", threadID, sequence, req.Resolution).
			WithCode(domain.ErrorCodeAlreadyResolved)
	}
	req.Resolution = res
	req.ResolvedAt = &at
	return nil
}

func (s *Store) PendingApproval(ctx context.Context, threadID string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.ApprovalRequest
	for key, req := range s.approvals {
		if key.threadID != threadID || !req.Pending() {
			continue
		}
		if latest == nil || req.Sequence > latest.Sequence {
			latest = req
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*domain.ApprovalRequest{}
	for _, req := range s.approvals {
		if req.Pending() && !req.Deadline.After(now) {
			cp := *req
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	return result, nil
}

func (s *Store) AcquireLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := leaseKey{threadID, scope}
	if current, held := s.leases[key]; held && current.holder != holder && current.expires.After(now) {
		return domain.Conflict("%s lease for thread %s is held by another writer", scope, threadID)
	}
	s.leases[key] = lease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey{threadID, scope}
	current, held := s.leases[key]
	if !held || current.holder != holder {
		return domain.Conflict("%s lease for thread %s was lost", scope, threadID).
			WithCode(domain.ErrorCodeLeaseLost)
	}
	s.leases[key] = lease{holder: holder, expires: s.now().Add(ttl)}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey{threadID, scope}
	if current, held := s.leases[key]; held && current.holder == holder {
		delete(s.leases, key)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
