// Package approval parks an execution at an interrupt until an external
// decision arrives or the deadline passes. Requests are durable; waiting is
// not, so a decision can arrive on any connection or process.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/metrics"
)

const (
	defaultDeadline     = 15 * time.Minute
	defaultPollInterval = 2 * time.Second
	expireTimeout       = 10 * time.Second
)

type key struct {
	threadID string
	sequence int64
}

// Config configures a Coordinator.
type Config struct {
	Store ports.ApprovalStore

	// DefaultDeadline applies when a request does not carry its own.
	DefaultDeadline time.Duration
	// PollInterval bounds how long a waiter takes to notice a decision
	// written by another process.
	PollInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator implements the approval state machine
// PENDING -> APPROVED | REJECTED | EXPIRED, first writer wins.
type Coordinator struct {
	store   ports.ApprovalStore
	poll    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	deadline atomic.Int64

	mu        sync.Mutex
	timers    map[key]*time.Timer
	waiters   map[key]chan struct{}
	waitRefs  map[key]int
	onExpired func(threadID string, sequence int64)
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	c := &Coordinator{
		store:   cfg.Store,
		poll:    poll,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		timers:   make(map[key]*time.Timer),
		waiters:  make(map[key]chan struct{}),
		waitRefs: make(map[key]int),
	}
	c.SetDefaultDeadline(cfg.DefaultDeadline)
	return c
}

// SetDefaultDeadline changes the deadline used for new requests.
func (c *Coordinator) SetDefaultDeadline(d time.Duration) {
	if d <= 0 {
		d = defaultDeadline
	}
	c.deadline.Store(int64(d))
}

// OnExpired registers fn to run, on its own goroutine, after this
// coordinator moves a request to EXPIRED. It replaces any earlier hook.
func (c *Coordinator) OnExpired(fn func(threadID string, sequence int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = fn
}

// DefaultDeadline returns the deadline used for new requests.
func (c *Coordinator) DefaultDeadline() time.Duration {
	return time.Duration(c.deadline.Load())
}

// RequestApproval records a pending request for the checkpoint at sequence
// and arms its deadline. A zero deadline uses the default. Repeating the
// request for a still-pending checkpoint returns the existing request.
func (c *Coordinator) RequestApproval(ctx context.Context, threadID string, sequence int64, action string, deadline time.Time) (*domain.ApprovalRequest, error) {
	now := c.now()
	if deadline.IsZero() {
		deadline = now.Add(c.DefaultDeadline())
	}

	req := &domain.ApprovalRequest{
		ThreadID:    threadID,
		Sequence:    sequence,
		Action:      action,
		RequestedAt: now,
		Deadline:    deadline.UTC(),
		Resolution:  domain.ResolutionPending,
	}
	if err := c.store.CreateApproval(ctx, req); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		existing, getErr := c.store.GetApproval(ctx, threadID, sequence)
		if getErr != nil {
			return nil, getErr
		}
		if !existing.Pending() {
			return nil, domain.Conflict("approval for %s at checkpoint %d is already %s", threadID, sequence, existing.Resolution).
				WithCode(domain.ErrorCodeAlreadyResolved)
		}
		req = existing
	}

	c.arm(req)
	c.logger.Info("approval requested",
		slog.String("thread_id", threadID),
		slog.Int64("checkpoint_sequence", sequence),
		slog.String("action", req.Action),
		slog.Time("deadline", req.Deadline),
	)
	return req, nil
}

// arm schedules expiry at the request's deadline, independent of any
// connection.
func (c *Coordinator) arm(req *domain.ApprovalRequest) {
	k := key{req.ThreadID, req.Sequence}
	wait := req.Deadline.Sub(c.now())
	if wait < 0 {
		wait = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, armed := c.timers[k]; armed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()
		_ = c.expire(ctx, k.threadID, k.sequence)

		// A conflict means the request was resolved elsewhere and notify
		// never ran for it here.
		c.mu.Lock()
		if c.timers[k] == timer {
			delete(c.timers, k)
		}
		c.mu.Unlock()
	})
	c.timers[k] = timer
}

// expire moves a pending request to EXPIRED. It returns nil only if this
// call performed the transition, and a conflict error if the request was
// no longer pending.
func (c *Coordinator) expire(ctx context.Context, threadID string, sequence int64) error {
	err := c.store.ResolveApproval(ctx, threadID, sequence, domain.ResolutionExpired, c.now())
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			c.logger.Error("failed to expire approval",
				slog.String("thread_id", threadID),
				slog.Int64("checkpoint_sequence", sequence),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	hook := c.notify(key{threadID, sequence})
	c.metrics.ApprovalResolved(string(domain.ResolutionExpired))
	c.logger.Info("approval expired",
		slog.String("thread_id", threadID),
		slog.Int64("checkpoint_sequence", sequence),
	)
	if hook != nil {
		go hook(threadID, sequence)
	}
	return nil
}

// notify wakes local waiters and disarms the deadline timer. It returns the
// expiry hook so callers can run it without holding the lock.
func (c *Coordinator) notify(k key) func(string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[k]; ok {
		t.Stop()
		delete(c.timers, k)
	}
	if ch, ok := c.waiters[k]; ok {
		close(ch)
		delete(c.waiters, k)
	}
	return c.onExpired
}

// watch registers interest in k until the returned release is called.
func (c *Coordinator) watch(k key) (release func()) {
	c.mu.Lock()
	c.waitRefs[k]++
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.waitRefs[k]--
		if c.waitRefs[k] <= 0 {
			delete(c.waitRefs, k)
			delete(c.waiters, k)
		}
	}
}

func (c *Coordinator) waiter(k key) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiters[k]
	if !ok {
		ch = make(chan struct{})
		c.waiters[k] = ch
	}
	return ch
}

// Resolve applies an external decision. It fails with a not found error if
// no request matches and a conflict error if the request was already
// resolved or its deadline has passed.
func (c *Coordinator) Resolve(ctx context.Context, threadID string, sequence int64, decision domain.Decision) (*domain.ApprovalRequest, error) {
	res, err := decision.Resolution()
	if err != nil {
		return nil, err
	}

	req, err := c.store.GetApproval(ctx, threadID, sequence)
	if err != nil {
		return nil, err
	}
	if !req.Pending() {
		return nil, domain.Conflict("approval for %s at checkpoint %d is already %s", threadID, sequence, req.Resolution).
			WithCode(domain.ErrorCodeAlreadyResolved)
	}

	now := c.now()
	if !req.Deadline.After(now) {
		_ = c.expire(ctx, threadID, sequence)
		return nil, domain.Conflict("approval for %s at checkpoint %d expired at %s", threadID, sequence, req.Deadline.Format(time.RFC3339)).
			WithCode(domain.ErrorCodeApprovalExpired)
	}

	if err := c.store.ResolveApproval(ctx, threadID, sequence, res, now); err != nil {
		return nil, err
	}

	c.notify(key{threadID, sequence})
	c.metrics.ApprovalResolved(string(res))
	c.logger.Info("approval resolved",
		slog.String("thread_id", threadID),
		slog.Int64("checkpoint_sequence", sequence),
		slog.String("resolution", string(res)),
	)

	req.Resolution = res
	req.ResolvedAt = &now
	return req, nil
}

// AwaitResolution blocks until the request leaves PENDING and returns the
// resolution. If ctx ends first it returns a cancellation error and the
// request stays pending and resolvable.
func (c *Coordinator) AwaitResolution(ctx context.Context, threadID string, sequence int64) (domain.Resolution, error) {
	k := key{threadID, sequence}
	defer c.watch(k)()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		// Register before reading so a decision between the read and the
		// select is not missed.
		wake := c.waiter(k)

		req, err := c.store.GetApproval(ctx, threadID, sequence)
		if err != nil {
			if ctx.Err() != nil {
				return "", domain.Cancelled(context.Cause(ctx), "stopped waiting for approval")
			}
			return "", err
		}
		if !req.Pending() {
			return req.Resolution, nil
		}
		if !req.Deadline.After(c.now()) {
			err := c.expire(ctx, threadID, sequence)
			if err == nil || errors.Is(err, domain.ErrConflict) {
				continue
			}
			// Storage is failing; retry on the next tick.
		} else {
			c.arm(req)
		}

		select {
		case <-wake:
		case <-ticker.C:
		case <-ctx.Done():
			return "", domain.Cancelled(context.Cause(ctx), "stopped waiting for approval")
		}
	}
}

// Get returns the request for (threadID, sequence).
func (c *Coordinator) Get(ctx context.Context, threadID string, sequence int64) (*domain.ApprovalRequest, error) {
	return c.store.GetApproval(ctx, threadID, sequence)
}

// Pending returns the pending request of a thread, or nil.
func (c *Coordinator) Pending(ctx context.Context, threadID string) (*domain.ApprovalRequest, error) {
	return c.store.PendingApproval(ctx, threadID)
}

// Sweep expires every overdue pending request, including those whose
// owning process died before its timer fired. It returns how many it
// expired.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	overdue, err := c.store.ListOverdueApprovals(ctx, c.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range overdue {
		if c.expire(ctx, req.ThreadID, req.Sequence) == nil {
			expired++
		}
	}
	return expired, nil
}

// Close disarms all deadline timers. Pending requests stay pending and are
// picked up by Sweep.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.timers {
		t.Stop()
		delete(c.timers, k)
	}
}
