package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
)

// Session is one producer connection for a thread. The producer publishes
// through it; any number of subscribers read from it.
type Session struct {
	Token     string
	ThreadID  string
	CreatedAt time.Time

	m      *Multiplexer
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{} // closed by close; stops lease renewal

	mu       sync.Mutex
	nextSeq  int64
	replay   []domain.Event // last events, ascending, at most cfg.ReplayWindow
	subs     map[*Subscription]struct{}
	closed   bool
	idle     *time.Timer
	closedAt time.Time
}

// Info is a point-in-time view of a session.
type Info struct {
	Token        string    `json:"session_token"`
	ThreadID     string    `json:"thread_id"`
	NextSequence int64     `json:"next_sequence"`
	Subscribers  int       `json:"subscribers"`
	Closed       bool      `json:"closed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Context is cancelled when the producer must stop: explicit cancel, idle
// timeout, lease loss or close. context.Cause reports why.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel stops the producer with cause.
func (s *Session) Cancel(cause error) {
	s.cancel(cause)
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Token:        s.Token,
		ThreadID:     s.ThreadID,
		NextSequence: s.nextSeq,
		Subscribers:  len(s.subs),
		Closed:       s.closed,
		CreatedAt:    s.CreatedAt,
	}
}

// Publish assigns the next sequence number to ev, appends it to the replay
// buffer and delivers it to every subscriber. It never blocks: a subscriber
// whose buffer is full is disconnected with a backpressure error.
// Terminal events are emitted by Multiplexer.Close, not here.
func (s *Session) Publish(ev domain.Event) (int64, error) {
	if ev.Type.Terminal() {
		return 0, domain.InvalidRequest("%s events are emitted by close", ev.Type)
	}
	if ev.Type == domain.EventCheckpoint {
		return 0, domain.InvalidRequest("checkpoint frames are not relayed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.Conflict("session %s is closed", s.Token).WithCode(domain.ErrorCodeStreamClosed)
	}
	return s.publishLocked(ev), nil
}

func (s *Session) publishLocked(ev domain.Event) int64 {
	ev.Sequence = s.nextSeq
	s.nextSeq++

	s.replay = append(s.replay, ev)
	if over := len(s.replay) - s.m.cfg.ReplayWindow; over > 0 {
		// Copy so the backing array does not pin evicted events.
		s.replay = append([]domain.Event(nil), s.replay[over:]...)
	}

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.dropLocked(sub, domain.Backpressure("subscriber fell more than %d events behind", cap(sub.ch)))
			s.m.cfg.Metrics.SubscriberDropped()
			s.m.logger.Warn("slow subscriber disconnected",
				slog.String("thread_id", s.ThreadID),
				slog.String("session_token", s.Token),
				slog.Int64("sequence", ev.Sequence),
			)
		}
	}
	s.m.cfg.Metrics.EventPublished(string(ev.Type))
	return ev.Sequence
}

// firstRetainedLocked is the oldest sequence still in the replay buffer.
func (s *Session) firstRetainedLocked() int64 {
	return s.nextSeq - int64(len(s.replay))
}

func (s *Session) subscribe(ctx context.Context, from int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 1 {
		from = 1
	}
	first := s.firstRetainedLocked()
	if from < first {
		return nil, domain.ResourceGone("sequence %d is older than the replay window (oldest retained: %d)", from, first)
	}
	if from > s.nextSeq {
		return nil, domain.InvalidRequest("sequence %d has not been published (next: %d)", from, s.nextSeq)
	}

	backlog := s.replay[from-first:]
	sub := &Subscription{
		session: s,
		ch:      make(chan domain.Event, s.m.cfg.SubscriberBuffer+len(backlog)),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}

	if s.closed {
		// Replay the tail of a finished session, then end.
		close(sub.ch)
		return sub, nil
	}

	s.subs[sub] = struct{}{}
	s.stopIdleLocked()
	sub.stop = context.AfterFunc(ctx, func() {
		s.unsubscribe(sub, domain.Cancelled(context.Cause(ctx), "subscriber cancelled"))
	})
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(sub, err)
}

// dropLocked removes sub, records why it ended and closes its channel.
func (s *Session) dropLocked(sub *Subscription, err error) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.err = err
	close(sub.ch)
	if sub.stop != nil {
		sub.stop()
	}
	if len(s.subs) == 0 && !s.closed {
		s.startIdleLocked()
	}
}

// startIdleLocked arms the idle timer: if no subscriber arrives before it
// fires, the producer is cancelled.
func (s *Session) startIdleLocked() {
	timeout := s.m.idleTimeout()
	if timeout <= 0 || s.idle != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.idle != timer {
			// Superseded by a subscribe.
			s.mu.Unlock()
			return
		}
		abandoned := len(s.subs) == 0 && !s.closed
		s.idle = nil
		s.mu.Unlock()

		if abandoned {
			s.m.logger.Info("cancelling idle producer",
				slog.String("thread_id", s.ThreadID),
				slog.String("session_token", s.Token),
				slog.Duration("idle_timeout", timeout),
			)
			s.cancel(domain.Cancelled(nil, "no subscribers for %s", timeout))
		}
	})
	s.idle = timer
}

func (s *Session) stopIdleLocked() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// finish publishes the terminal event (if any), ends every subscription and
// marks the session closed. It reports false if the session was already
// closed.
func (s *Session) finish(terminal *domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if terminal != nil {
		s.publishLocked(*terminal)
	}
	s.closed = true
	s.closedAt = time.Now()
	s.stopIdleLocked()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
		if sub.stop != nil {
			sub.stop()
		}
	}
	return true
}

// Subscription is a live, ordered view of a session's events.
type Subscription struct {
	session *Session
	ch      chan domain.Event
	stop    func() bool

	err error // guarded by session.mu, set before ch is closed
}

// Events yields events in sequence order. The channel is closed when the
// session ends or the subscription is dropped; Err then reports why.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Err is nil after a normal end of stream, a backpressure error if the
// subscriber fell behind, or a cancellation error if its context ended.
// Only meaningful once Events is closed.
func (s *Subscription) Err() error {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	return s.err
}

// Close leaves the session. It does not affect the producer or other
// subscribers.
func (s *Subscription) Close() {
	s.session.unsubscribe(s, nil)
}

// Session returns the session this subscription reads from.
func (s *Subscription) Session() *Session {
	return s.session
}
