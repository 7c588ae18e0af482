// Package stream fans one producer's events out to any number of
// subscribers. Each thread has at most one live producer; the slot is a
// storage-layer lease so the rule also holds across relay replicas.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/metrics"
)

// CheckpointAppender persists the final checkpoint of a completed turn.
type CheckpointAppender interface {
	Append(ctx context.Context, threadID string, blob []byte) (int64, error)
}

// Config configures a Multiplexer.
type Config struct {
	Leases      ports.LeaseStore
	Checkpoints CheckpointAppender

	// ReplayWindow is how many recent events a session retains for late
	// subscribers.
	ReplayWindow int
	// SubscriberBuffer is how far a subscriber may fall behind before it is
	// disconnected.
	SubscriberBuffer int
	// IdleTimeout cancels the producer once its last subscriber has been
	// gone this long. A producer that never had a subscriber runs to
	// completion. Zero disables it.
	IdleTimeout time.Duration
	// RetainAfterClose keeps a closed session addressable by token so late
	// subscribers can replay its tail.
	RetainAfterClose time.Duration
	// LeaseTTL is the producer lease lifetime; it is renewed at a third of it.
	LeaseTTL time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// CloseKind says why a session ends.
type CloseKind int

const (
	// CloseDone is a natural completion; the final checkpoint is persisted.
	CloseDone CloseKind = iota
	// CloseError ends the stream with a terminal error event.
	CloseError
	// CloseCancelled ends a producer that was cancelled before finishing.
	CloseCancelled
	// CloseSuspended ends the stream after an interrupt. No terminal event
	// is emitted; the thread resumes in a later session.
	CloseSuspended
)

func (k CloseKind) String() string {
	switch k {
	case CloseDone:
		return "done"
	case CloseError:
		return "error"
	case CloseCancelled:
		return "cancelled"
	case CloseSuspended:
		return "suspended"
	}
	return "unknown"
}

// CloseReason describes how a session ends.
type CloseReason struct {
	Kind CloseKind
	Err  error

	// FinalCheckpoint, if set on CloseDone, is appended before the done
	// event is emitted.
	FinalCheckpoint []byte
	// CheckpointSequence is reported in the done event when no final
	// checkpoint is supplied.
	CheckpointSequence int64
}

// Multiplexer tracks stream sessions by thread and by token.
type Multiplexer struct {
	cfg    Config
	logger *slog.Logger
	idle   atomic.Int64

	mu       sync.Mutex
	live     map[string]*Session // thread id -> producer, including reservations
	sessions map[string]*Session // token -> session, kept RetainAfterClose past close
}

// New creates a Multiplexer.
func New(cfg Config) *Multiplexer {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 512
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multiplexer{
		cfg:      cfg,
		logger:   logger,
		live:     make(map[string]*Session),
		sessions: make(map[string]*Session),
	}
	m.idle.Store(int64(cfg.IdleTimeout))
	return m
}

// SetIdleTimeout changes the idle timeout for timers armed from now on.
func (m *Multiplexer) SetIdleTimeout(d time.Duration) {
	m.idle.Store(int64(d))
}

func (m *Multiplexer) idleTimeout() time.Duration {
	return time.Duration(m.idle.Load())
}

func duplicateProducer(threadID string) error {
	return domain.Conflict("thread %s already has a live stream", threadID).
		WithCode(domain.ErrorCodeDuplicateProducer)
}

// Open creates the live session for threadID. It fails with a conflict
// error while another producer for the thread is live, here or in another
// process. The session's context is independent of ctx.
func (m *Multiplexer) Open(ctx context.Context, threadID string) (*Session, error) {
	m.mu.Lock()
	if _, busy := m.live[threadID]; busy {
		m.mu.Unlock()
		return nil, duplicateProducer(threadID)
	}
	sctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		Token:     uuid.NewString(),
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		m:         m,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		nextSeq:   1,
		subs:      make(map[*Subscription]struct{}),
	}
	m.live[threadID] = s
	m.mu.Unlock()

	if err := m.cfg.Leases.AcquireLease(ctx, threadID, ports.LeaseProducer, s.Token, m.cfg.LeaseTTL); err != nil {
		m.mu.Lock()
		delete(m.live, threadID)
		m.mu.Unlock()
		cancel(err)

		if errors.Is(err, domain.ErrConflict) {
			return nil, duplicateProducer(threadID)
		}
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	go m.renewLease(s)

	m.cfg.Metrics.SessionOpened()
	m.logger.Debug("stream session opened",
		slog.String("thread_id", threadID),
		slog.String("session_token", s.Token),
	)
	return s, nil
}

// renewLease keeps the producer lease alive until the session closes. If the
// lease is lost the producer is cancelled.
func (m *Multiplexer) renewLease(s *Session) {
	ticker := time.NewTicker(m.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LeaseTTL/3)
			err := m.cfg.Leases.RenewLease(ctx, s.ThreadID, ports.LeaseProducer, s.Token, m.cfg.LeaseTTL)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrConflict) {
				m.logger.Error("producer lease lost",
					slog.String("thread_id", s.ThreadID),
					slog.String("session_token", s.Token),
				)
				s.cancel(domain.Conflict("producer lease for thread %s was lost", s.ThreadID).
					WithCode(domain.ErrorCodeLeaseLost))
				return
			}
			m.logger.Warn("failed to renew producer lease",
				slog.String("thread_id", s.ThreadID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Get returns the session for token.
func (m *Multiplexer) Get(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, domain.NotFound("stream session %s not found", token)
	}
	return s, nil
}

// Live returns the live session of threadID in this process, if any.
func (m *Multiplexer) Live(threadID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live[threadID]
	if !ok || m.sessions[s.Token] != s {
		return nil, false
	}
	return s, true
}

// Len returns the number of live producers in this process.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Subscribe attaches to the session identified by token starting at
// sequence from (sequences start at 1). It fails with a resource gone error
// if from has already left the replay window. The subscription ends when
// ctx is done, the session closes, or the subscriber falls behind.
func (m *Multiplexer) Subscribe(ctx context.Context, token string, from int64) (*Subscription, error) {
	s, err := m.Get(token)
	if err != nil {
		return nil, err
	}
	return s.subscribe(ctx, from)
}

// Close ends the session identified by token. On CloseDone with a final
// checkpoint the checkpoint is appended first; if that fails the stream ends
// with an error event instead and the error is returned. The producer slot
// for the thread is released either way.
func (m *Multiplexer) Close(ctx context.Context, token string, reason CloseReason) error {
	s, err := m.Get(token)
	if err != nil {
		return err
	}
	if s.Info().Closed {
		return nil
	}

	var closeErr error
	kind := reason.Kind
	var terminal *domain.Event

	switch reason.Kind {
	case CloseDone:
		data := domain.DoneData{CheckpointSequence: reason.CheckpointSequence}
		if reason.FinalCheckpoint != nil {
			seq, err := m.cfg.Checkpoints.Append(ctx, s.ThreadID, reason.FinalCheckpoint)
			if err != nil {
				closeErr = err
				kind = CloseError
				terminal = errorEvent(err)
				break
			}
			data.CheckpointSequence = seq
		}
		terminal = &domain.Event{Type: domain.EventDone, Data: domain.MustData(data)}
	case CloseError:
		cause := reason.Err
		if cause == nil {
			cause = domain.EngineFailure(nil, "stream failed")
		}
		terminal = errorEvent(cause)
	case CloseCancelled:
		cause := reason.Err
		if cause == nil {
			cause = domain.Cancelled(nil, "stream cancelled")
		}
		terminal = errorEvent(cause)
	case CloseSuspended:
	}

	if !s.finish(terminal) {
		return closeErr
	}
	close(s.done)
	s.cancel(domain.Cancelled(nil, "stream closed"))

	if err := m.cfg.Leases.ReleaseLease(context.WithoutCancel(ctx), s.ThreadID, ports.LeaseProducer, s.Token); err != nil {
		m.logger.Warn("failed to release producer lease",
			slog.String("thread_id", s.ThreadID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	if m.live[s.ThreadID] == s {
		delete(m.live, s.ThreadID)
	}
	m.mu.Unlock()
	m.forgetAfter(s, m.cfg.RetainAfterClose)

	m.cfg.Metrics.SessionClosed(kind.String())
	m.logger.Debug("stream session closed",
		slog.String("thread_id", s.ThreadID),
		slog.String("session_token", s.Token),
		slog.String("reason", kind.String()),
	)
	return closeErr
}

func (m *Multiplexer) forgetAfter(s *Session, d time.Duration) {
	forget := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[s.Token] == s {
			delete(m.sessions, s.Token)
		}
	}
	if d <= 0 {
		forget()
		return
	}
	time.AfterFunc(d, forget)
}

// Shutdown cancels every live producer with cause. Producers are expected to
// close their sessions in response.
func (m *Multiplexer) Shutdown(cause error) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.cancel(cause)
	}
}

func errorEvent(err error) *domain.Event {
	return &domain.Event{Type: domain.EventError, Data: domain.MustData(domain.NewErrorData(err))}
}
