// Package session sequences the registry, checkpoint store, multiplexer and
// approval coordinator for each chat turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/travel-agent-relay/internal/approval"
	"github.com/tjfontaine/travel-agent-relay/internal/checkpoint"
	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/metrics"
	"github.com/tjfontaine/travel-agent-relay/internal/registry"
	"github.com/tjfontaine/travel-agent-relay/internal/stream"
	"github.com/tjfontaine/travel-agent-relay/internal/telemetry"
	"github.com/tjfontaine/travel-agent-relay/internal/tokens"
)

// closeTimeout bounds the storage work done after a turn ends.
const closeTimeout = 30 * time.Second

// Config wires an Orchestrator. Events, Tokens, Metrics and Logger are
// optional.
type Config struct {
	Registry    *registry.Registry
	Checkpoints *checkpoint.Store
	Streams     *stream.Multiplexer
	Approvals   *approval.Coordinator
	Engine      ports.Engine

	Events  ports.EventPublisher
	Tokens  tokens.Counter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator drives engine turns. Each turn runs on its own goroutine
// bound to the stream session's context, so it outlives the request that
// started it.
type Orchestrator struct {
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	streams     *stream.Multiplexer
	approvals   *approval.Coordinator
	engine      ports.Engine
	events      ports.EventPublisher
	tokens      tokens.Counter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// errSettled reports that a resolved approval no longer needs delivering:
// another resumption already carried it to the engine.
var errSettled = errors.New("approval already delivered")

var errDuplicateProducer = &domain.Error{Kind: domain.KindConflict, Code: domain.ErrorCodeDuplicateProducer}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("session: registry is required")
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("session: checkpoint store is required")
	case cfg.Streams == nil:
		return nil, fmt.Errorf("session: multiplexer is required")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("session: approval coordinator is required")
	case cfg.Engine == nil:
		return nil, fmt.Errorf("session: engine is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counter := cfg.Tokens
	if counter == nil {
		counter = tokens.NewEstimator()
	}
	o := &Orchestrator{
		registry:    cfg.Registry,
		checkpoints: cfg.Checkpoints,
		streams:     cfg.Streams,
		approvals:   cfg.Approvals,
		engine:      cfg.Engine,
		events:      cfg.Events,
		tokens:      counter,
		metrics:     cfg.Metrics,
		logger:      logger,
		tracer:      telemetry.Tracer(),
	}
	cfg.Approvals.OnExpired(o.expired)
	return o, nil
}

// Request starts or continues a conversation.
type Request struct {
	// ThreadID continues an existing thread. Empty starts a new one; an
	// unknown id creates a thread with that id.
	ThreadID string
	Message  string
	Title    string
	Caller   string
}

// Turn is a started turn. Subscription is already attached at sequence 1,
// so the caller sees every event of the turn.
type Turn struct {
	Thread       *domain.ThreadRecord
	Session      *stream.Session
	Subscription *stream.Subscription
	Created      bool

	// ResumedFrom is the checkpoint the engine was started from, 0 for a
	// fresh thread.
	ResumedFrom int64
}

// StartOrContinue resolves the thread, opens its stream and starts the
// engine. It fails with a conflict error if the thread already has a live
// producer or is waiting for approval. The subscription ends with ctx.
func (o *Orchestrator) StartOrContinue(ctx context.Context, req Request) (*Turn, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, domain.InvalidRequest("message is required")
	}

	thread, created, err := o.resolveThread(ctx, req)
	if err != nil {
		return nil, err
	}

	switch thread.State {
	case domain.StateAbandoned:
		return nil, domain.Conflict("thread %s has been abandoned", thread.ID).
			WithCode(domain.ErrorCodeThreadAbandoned)
	case domain.StateAwaitingApproval:
		pending, err := o.approvals.Pending(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return nil, domain.Conflict("thread %s is waiting for approval of checkpoint %d", thread.ID, pending.Sequence).
				WithCode(domain.ErrorCodeAwaitingApproval)
		}
	}

	latest, err := o.checkpoints.Latest(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	cmd := &ports.EngineCommand{ThreadID: thread.ID, Message: message}
	var from int64
	if latest != nil {
		cmd.Checkpoint = latest.Blob
		from = latest.Sequence
	}

	sess, sub, err := o.begin(ctx, thread, from, cmd)
	if err != nil {
		return nil, err
	}
	return &Turn{
		Thread:       thread,
		Session:      sess,
		Subscription: sub,
		Created:      created,
		ResumedFrom:  from,
	}, nil
}

func (o *Orchestrator) resolveThread(ctx context.Context, req Request) (*domain.ThreadRecord, bool, error) {
	title := req.Title
	if title == "" {
		title = req.Message
	}
	if req.ThreadID == "" {
		thread, err := o.registry.CreateThread(ctx, req.Caller, registry.WithTitle(title))
		return thread, err == nil, err
	}

	thread, err := o.registry.GetThread(ctx, req.ThreadID, req.Caller)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return thread, false, err
	}

	thread, err = o.registry.CreateThread(ctx, req.Caller, registry.WithID(req.ThreadID), registry.WithTitle(title))
	if errors.Is(err, domain.ErrConflict) {
		// Lost a creation race for the same id.
		thread, err = o.registry.GetThread(ctx, req.ThreadID, req.Caller)
		return thread, false, err
	}
	return thread, err == nil, err
}

// begin opens the thread's stream, subscribes the caller from the first
// event and launches the driver.
func (o *Orchestrator) begin(ctx context.Context, thread *domain.ThreadRecord, from int64, cmd *ports.EngineCommand) (*stream.Session, *stream.Subscription, error) {
	sess, err := o.streams.Open(ctx, thread.ID)
	if err != nil {
		return nil, nil, err
	}

	sub, err := o.streams.Subscribe(ctx, sess.Token, 1)
	if err != nil {
		o.abort(sess, err)
		return nil, nil, err
	}

	if err := o.launch(ctx, sess, thread, from, cmd); err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sess, sub, nil
}

// launch marks the thread active and starts the driver for an open
// session. On failure the session is closed.
func (o *Orchestrator) launch(ctx context.Context, sess *stream.Session, thread *domain.ThreadRecord, from int64, cmd *ports.EngineCommand) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		err := domain.Cancelled(nil, "relay shutting down")
		o.abort(sess, err)
		return err
	}
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.registry.Touch(ctx, thread.ID, domain.StateActive); err != nil {
		o.wg.Done()
		o.abort(sess, err)
		return err
	}

	t := &turn{
		o:       o,
		sess:    sess,
		thread:  thread,
		lastSeq: from,
	}
	go t.drive(cmd)
	return nil
}

func (o *Orchestrator) abort(sess *stream.Session, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := o.streams.Close(ctx, sess.Token, stream.CloseReason{Kind: stream.CloseError, Err: cause}); err != nil {
		o.logger.Warn("failed to close aborted session",
			slog.String("thread_id", sess.ThreadID),
			slog.String("error", err.Error()),
		)
	}
}

// release gives up a session that never produced anything.
func (o *Orchestrator) release(sess *stream.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := o.streams.Close(ctx, sess.Token, stream.CloseReason{Kind: stream.CloseSuspended}); err != nil {
		o.logger.Warn("failed to release session",
			slog.String("thread_id", sess.ThreadID),
			slog.String("error", err.Error()),
		)
	}
}

// ApproveRequest carries an external approval decision.
type ApproveRequest struct {
	ThreadID string
	Sequence int64
	Decision domain.Decision
	Caller   string
}

// ApprovalOutcome reports what resolving an approval set in motion.
type ApprovalOutcome struct {
	Request *domain.ApprovalRequest `json:"approval"`

	// SessionToken is the stream now carrying the resumed turn, when it is
	// live in this process.
	SessionToken string `json:"session_token,omitempty"`

	// ResumedElsewhere is set when another relay process holds the thread's
	// producer and resumes the turn itself.
	ResumedElsewhere bool `json:"resumed_elsewhere,omitempty"`
}

// Approve resolves the pending approval at (ThreadID, Sequence). A turn
// still waiting in this or another process is woken; otherwise the turn is
// resumed from the latest checkpoint on a new stream session.
func (o *Orchestrator) Approve(ctx context.Context, req ApproveRequest) (*ApprovalOutcome, error) {
	thread, err := o.registry.GetThread(ctx, req.ThreadID, req.Caller)
	if err != nil {
		return nil, err
	}

	resolved, err := o.approvals.Resolve(ctx, thread.ID, req.Sequence, req.Decision)
	if err != nil {
		return nil, err
	}
	outcome := &ApprovalOutcome{Request: resolved}

	if sess, ok := o.streams.Live(thread.ID); ok {
		if sess.Context().Err() == nil {
			outcome.SessionToken = sess.Token
			return outcome, nil
		}
		// The parked producer is stopping. Once suspended it re-reads the
		// approval, so either side may carry the decision on.
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return outcome, nil
		}
	}

	sess, err := o.resume(context.WithoutCancel(ctx), thread.ID, resolved)
	switch {
	case err == nil:
		outcome.SessionToken = sess.Token
	case errors.Is(err, errSettled), errors.Is(err, errDuplicateProducer):
		if live, ok := o.streams.Live(thread.ID); ok {
			outcome.SessionToken = live.Token
		} else {
			outcome.ResumedElsewhere = true
		}
	default:
		return nil, err
	}
	return outcome, nil
}

// resume delivers a resolved approval to the engine on a new session. The
// thread is re-read while holding the producer slot, so concurrent
// resumptions of one decision start the engine at most once.
func (o *Orchestrator) resume(ctx context.Context, threadID string, req *domain.ApprovalRequest) (*stream.Session, error) {
	sess, err := o.streams.Open(ctx, threadID)
	if err != nil {
		return nil, err
	}

	thread, err := o.registry.Lookup(ctx, threadID)
	if err != nil {
		o.abort(sess, err)
		return nil, err
	}
	latest, err := o.checkpoints.Latest(ctx, threadID)
	if err != nil {
		o.abort(sess, err)
		return nil, err
	}
	if latest == nil {
		err := domain.StorageFailure(nil, "thread %s has no checkpoint to resume from", threadID)
		o.abort(sess, err)
		return nil, err
	}
	if thread.State != domain.StateAwaitingApproval || latest.Sequence != req.Sequence {
		o.release(sess)
		return nil, errSettled
	}

	cmd := &ports.EngineCommand{
		ThreadID:   threadID,
		Checkpoint: latest.Blob,
		Resume: &ports.ResumeCommand{
			CheckpointSequence: req.Sequence,
			Resolution:         req.Resolution,
			Proceed:            req.Resolution.Proceed(),
		},
	}
	if err := o.launch(ctx, sess, thread, latest.Sequence, cmd); err != nil {
		return nil, err
	}
	return sess, nil
}

// deliver resumes the turn of a resolved approval that nobody is parked on.
func (o *Orchestrator) deliver(req *domain.ApprovalRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	sess, err := o.resume(ctx, req.ThreadID, req)
	switch {
	case err == nil:
		o.logger.Info("resumed suspended turn",
			slog.String("thread_id", req.ThreadID),
			slog.Int64("checkpoint_sequence", req.Sequence),
			slog.String("resolution", string(req.Resolution)),
			slog.String("session_token", sess.Token),
		)
	case errors.Is(err, errSettled), errors.Is(err, errDuplicateProducer), errors.Is(err, domain.ErrCancelled):
		o.logger.Debug("suspended turn not resumed",
			slog.String("thread_id", req.ThreadID),
			slog.String("reason", err.Error()),
		)
	default:
		o.logger.Error("failed to resume suspended turn",
			slog.String("thread_id", req.ThreadID),
			slog.Int64("checkpoint_sequence", req.Sequence),
			slog.String("error", err.Error()),
		)
	}
}

// expired carries an approval that ran out of time to the engine as a
// rejection when no turn is parked on it.
func (o *Orchestrator) expired(threadID string, sequence int64) {
	if _, ok := o.streams.Live(threadID); ok {
		// A parked turn is woken with the expiry; a stopping one re-reads
		// the approval after it suspends.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	req, err := o.approvals.Get(ctx, threadID, sequence)
	cancel()
	if err != nil {
		o.logger.Error("failed to load expired approval",
			slog.String("thread_id", threadID),
			slog.Int64("checkpoint_sequence", sequence),
			slog.String("error", err.Error()),
		)
		return
	}
	o.deliver(req)
}

// StateView summarizes a thread for clients.
type StateView struct {
	ThreadID        string                  `json:"thread_id"`
	Title           string                  `json:"title"`
	LifecycleState  domain.LifecycleState   `json:"lifecycle_state"`
	LatestSequence  int64                   `json:"latest_sequence"`
	PendingApproval *domain.ApprovalRequest `json:"pending_approval,omitempty"`
	TokensStreamed  int64                   `json:"tokens_streamed"`
	LastActivityAt  time.Time               `json:"last_activity_at"`
	LiveSession     *stream.Info            `json:"live_session,omitempty"`
}

// State reports the thread's lifecycle state, latest checkpoint sequence
// and pending approval.
func (o *Orchestrator) State(ctx context.Context, threadID, caller string) (*StateView, error) {
	thread, err := o.registry.GetThread(ctx, threadID, caller)
	if err != nil {
		return nil, err
	}
	latest, err := o.checkpoints.LatestSequence(ctx, threadID)
	if err != nil {
		return nil, err
	}
	pending, err := o.approvals.Pending(ctx, threadID)
	if err != nil {
		return nil, err
	}

	view := &StateView{
		ThreadID:        thread.ID,
		Title:           thread.Title,
		LifecycleState:  thread.State,
		LatestSequence:  latest,
		PendingApproval: pending,
		TokensStreamed:  thread.TokensStreamed,
		LastActivityAt:  thread.LastActivityAt,
	}
	if sess, ok := o.streams.Live(threadID); ok {
		info := sess.Info()
		view.LiveSession = &info
	}
	return view, nil
}

// Subscribe attaches a read-only subscriber to the thread's live stream,
// replaying from sequence from.
func (o *Orchestrator) Subscribe(ctx context.Context, threadID, caller string, from int64) (*stream.Subscription, error) {
	if err := o.registry.Authorize(ctx, threadID, caller); err != nil {
		return nil, err
	}
	sess, ok := o.streams.Live(threadID)
	if !ok {
		return nil, domain.NotFound("thread %s has no live stream in this relay", threadID)
	}
	return o.streams.Subscribe(ctx, sess.Token, from)
}

// Cancel stops the thread's live producer. The turn ends with a retryable
// error event and the thread stays resumable from its last checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, threadID, caller string) error {
	if err := o.registry.Authorize(ctx, threadID, caller); err != nil {
		return err
	}
	sess, ok := o.streams.Live(threadID)
	if !ok {
		return domain.NotFound("thread %s has no live stream in this relay", threadID)
	}
	sess.Cancel(domain.Cancelled(nil, "cancelled by client"))
	return nil
}

// Abandon cancels any live producer and soft-deactivates the thread.
func (o *Orchestrator) Abandon(ctx context.Context, threadID, caller string) error {
	if err := o.registry.Authorize(ctx, threadID, caller); err != nil {
		return err
	}
	if sess, ok := o.streams.Live(threadID); ok {
		sess.Cancel(domain.Cancelled(nil, "thread abandoned"))
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return domain.Cancelled(ctx.Err(), "waiting for producer to stop")
		}
	}
	return o.registry.Deactivate(ctx, threadID, caller)
}

// List returns the caller's threads, most recent activity first.
func (o *Orchestrator) List(ctx context.Context, caller string, limit, offset int) ([]*domain.ThreadRecord, error) {
	return o.registry.List(ctx, caller, limit, offset)
}

// EngineState returns the engine's own view of the thread.
func (o *Orchestrator) EngineState(ctx context.Context, threadID, caller string) ([]byte, error) {
	if err := o.registry.Authorize(ctx, threadID, caller); err != nil {
		return nil, err
	}
	return o.engine.State(ctx, threadID)
}

// Shutdown cancels every live turn and waits for the drivers to record how
// they ended. Turns waiting for approval are suspended and stay resumable.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.streams.Shutdown(domain.Cancelled(nil, "relay shutting down"))

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, typ domain.LifecycleEventType, thread *domain.ThreadRecord, sessionToken string, data any) {
	if o.events == nil {
		return
	}
	event := &domain.LifecycleEvent{
		Type:      typ,
		ThreadID:  thread.ID,
		Owner:     thread.Owner,
		SessionID: sessionToken,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish lifecycle event",
			slog.String("event", string(typ)),
			slog.String("thread_id", thread.ID),
			slog.String("error", err.Error()),
		)
	}
}
