package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/stream"
)

// turn is the state of one driver goroutine. It is not shared.
type turn struct {
	o      *Orchestrator
	sess   *stream.Session
	thread *domain.ThreadRecord

	lastSeq int64
	tokens  int

	// awaiting is the last approval the turn parked on.
	awaiting *domain.ApprovalRequest
}

// ResolutionData is the payload of the status event emitted when a parked
// turn learns its approval outcome.
type ResolutionData struct {
	Approval           domain.Resolution `json:"approval"`
	CheckpointSequence int64             `json:"checkpoint_sequence"`
}

func (t *turn) drive(cmd *ports.EngineCommand) {
	defer t.o.wg.Done()

	ctx, span := t.o.tracer.Start(t.sess.Context(), "relay.turn",
		trace.WithAttributes(
			attribute.String("relay.thread_id", t.thread.ID),
			attribute.String("relay.session_token", t.sess.Token),
			attribute.Bool("relay.resume", cmd.Resume != nil),
		),
	)
	defer span.End()

	t.o.publish(ctx, domain.LifecycleTurnStarted, t.thread, t.sess.Token, nil)
	t.o.logger.Info("turn started",
		slog.String("thread_id", t.thread.ID),
		slog.String("session_token", t.sess.Token),
		slog.Int64("checkpoint_sequence", t.lastSeq),
	)

	reason := t.run(ctx, cmd)
	t.finish(span, reason)
}

// run drives the engine until the turn completes, fails, is cancelled or
// is suspended waiting for approval.
func (t *turn) run(ctx context.Context, cmd *ports.EngineCommand) stream.CloseReason {
	for {
		results, err := t.o.engine.Run(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled(ctx)
			}
			return stream.CloseReason{Kind: stream.CloseError, Err: engineErr(err)}
		}

		pending, reason := t.relay(ctx, results)
		if pending == nil {
			return reason
		}

		trace.SpanFromContext(ctx).AddEvent("awaiting approval", trace.WithAttributes(
			attribute.Int64("relay.checkpoint_sequence", pending.Sequence),
		))
		t.awaiting = pending
		res, err := t.o.approvals.AwaitResolution(ctx, t.thread.ID, pending.Sequence)
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) {
				return stream.CloseReason{Kind: stream.CloseSuspended}
			}
			return stream.CloseReason{Kind: stream.CloseError, Err: err}
		}
		if ctx.Err() != nil {
			// The decision arrived as the session stopped; it is carried on
			// after suspending.
			return stream.CloseReason{Kind: stream.CloseSuspended}
		}

		if _, err := t.sess.Publish(domain.Event{
			Type: domain.EventStatus,
			Data: domain.MustData(ResolutionData{Approval: res, CheckpointSequence: pending.Sequence}),
		}); err != nil {
			return t.cancelled(ctx)
		}
		if err := t.o.registry.Touch(ctx, t.thread.ID, domain.StateActive); err != nil {
			return t.failed(ctx, err)
		}

		latest, err := t.o.checkpoints.Latest(ctx, t.thread.ID)
		if err != nil {
			return t.failed(ctx, err)
		}
		cmd = &ports.EngineCommand{
			ThreadID: t.thread.ID,
			Resume: &ports.ResumeCommand{
				CheckpointSequence: pending.Sequence,
				Resolution:         res,
				Proceed:            res.Proceed(),
			},
		}
		if latest != nil {
			cmd.Checkpoint = latest.Blob
		}
	}
}

// relay forwards engine frames to the session until the stream ends. It
// returns the pending approval when the engine interrupted.
func (t *turn) relay(ctx context.Context, results <-chan ports.EngineResult) (*domain.ApprovalRequest, stream.CloseReason) {
	defer drain(results)

	for {
		var r ports.EngineResult
		var ok bool
		select {
		case <-ctx.Done():
			return nil, t.cancelled(ctx)
		case r, ok = <-results:
		}
		if !ok {
			if ctx.Err() != nil {
				return nil, t.cancelled(ctx)
			}
			// A stream that ends without done or error is a completed turn.
			return nil, stream.CloseReason{Kind: stream.CloseDone, CheckpointSequence: t.lastSeq}
		}
		if r.Err != nil {
			if ctx.Err() != nil {
				return nil, t.cancelled(ctx)
			}
			return nil, stream.CloseReason{Kind: stream.CloseError, Err: engineErr(r.Err)}
		}

		frame := r.Frame
		switch frame.Type {
		case domain.EventCheckpoint:
			if len(frame.Checkpoint) == 0 {
				t.o.logger.Warn("engine sent an empty checkpoint frame", slog.String("thread_id", t.thread.ID))
				continue
			}
			if err := t.append(ctx, frame.Checkpoint); err != nil {
				return nil, t.failed(ctx, err)
			}

		case domain.EventInterrupt:
			req, err := t.interrupt(ctx, frame)
			if err != nil {
				return nil, t.failed(ctx, err)
			}
			return req, stream.CloseReason{}

		case domain.EventDone:
			return nil, stream.CloseReason{
				Kind:               stream.CloseDone,
				FinalCheckpoint:    frame.Checkpoint,
				CheckpointSequence: t.lastSeq,
			}

		case domain.EventError:
			msg := domain.PayloadText(frame.Data)
			if msg == "" {
				msg = "unspecified engine error"
			}
			return nil, stream.CloseReason{Kind: stream.CloseError, Err: domain.EngineFailure(nil, "engine reported: %s", msg)}

		case domain.EventStatus, domain.EventContent, domain.EventToolStart, domain.EventToolEnd, domain.EventItineraryUpdate:
			if frame.Type == domain.EventContent {
				t.tokens += t.o.tokens.Count(domain.PayloadText(frame.Data))
			}
			if _, err := t.sess.Publish(domain.Event{Type: frame.Type, Data: frame.Data}); err != nil {
				return nil, t.cancelled(ctx)
			}

		default:
			t.o.logger.Warn("dropping unknown engine frame",
				slog.String("thread_id", t.thread.ID),
				slog.String("type", string(frame.Type)),
			)
		}
	}
}

func (t *turn) append(ctx context.Context, blob []byte) error {
	seq, err := t.o.checkpoints.Append(ctx, t.thread.ID, blob)
	if err != nil {
		return err
	}
	t.lastSeq = seq
	return nil
}

// interrupt parks the turn at a checkpoint: the approval request is
// recorded before clients see the interrupt event.
func (t *turn) interrupt(ctx context.Context, frame *domain.EngineFrame) (*domain.ApprovalRequest, error) {
	if len(frame.Checkpoint) > 0 {
		if err := t.append(ctx, frame.Checkpoint); err != nil {
			return nil, err
		}
	}
	if t.lastSeq == 0 {
		return nil, domain.EngineFailure(nil, "engine interrupted thread %s before any checkpoint", t.thread.ID)
	}

	var deadline time.Time
	if frame.TimeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(frame.TimeoutSeconds) * time.Second)
	}
	action := frame.Action
	if action == "" {
		action = domain.PayloadText(frame.Data)
	}

	req, err := t.o.approvals.RequestApproval(ctx, t.thread.ID, t.lastSeq, action, deadline)
	if err != nil {
		return nil, err
	}
	if err := t.o.registry.Touch(ctx, t.thread.ID, domain.StateAwaitingApproval); err != nil {
		return nil, err
	}
	if _, err := t.sess.Publish(domain.Event{
		Type: domain.EventInterrupt,
		Data: domain.MustData(domain.InterruptData{
			Action:             req.Action,
			CheckpointSequence: req.Sequence,
			Deadline:           req.Deadline,
		}),
	}); err != nil {
		return nil, err
	}

	t.o.publish(ctx, domain.LifecycleApprovalRequested, t.thread, t.sess.Token, req)
	return req, nil
}

// failed turns err into a close reason, preferring cancellation when the
// session context has ended.
func (t *turn) failed(ctx context.Context, err error) stream.CloseReason {
	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}
	return stream.CloseReason{Kind: stream.CloseError, Err: err}
}

func (t *turn) cancelled(ctx context.Context) stream.CloseReason {
	cause := context.Cause(ctx)
	var e *domain.Error
	if errors.As(cause, &e) {
		if e.Kind == domain.KindCancelled {
			return stream.CloseReason{Kind: stream.CloseCancelled, Err: e}
		}
		return stream.CloseReason{Kind: stream.CloseError, Err: e}
	}
	return stream.CloseReason{Kind: stream.CloseCancelled, Err: domain.Cancelled(cause, "turn cancelled")}
}

// finish closes the session and records the outcome on the thread.
func (t *turn) finish(span trace.Span, reason stream.CloseReason) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	// A suspended thread is marked while this session still holds the
	// producer slot, so a resumption that takes the slot next is not
	// overwritten.
	if reason.Kind == stream.CloseSuspended {
		t.record(ctx, domain.StateAwaitingApproval)
	}

	kind := reason.Kind
	cause := reason.Err
	if err := t.o.streams.Close(ctx, t.sess.Token, reason); err != nil {
		kind = stream.CloseError
		cause = err
	}

	event := domain.LifecycleTurnFailed
	switch kind {
	case stream.CloseDone:
		t.record(ctx, domain.StateCompleted)
		event = domain.LifecycleTurnCompleted
	case stream.CloseError:
		t.record(ctx, domain.StateFailed)
	case stream.CloseCancelled:
		t.record(ctx, domain.StateActive)
	case stream.CloseSuspended:
		event = domain.LifecycleTurnSuspended
	}
	if t.tokens > 0 {
		if err := t.o.registry.AddUsage(ctx, t.thread.ID, int64(t.tokens)); err != nil {
			t.o.logger.Warn("failed to record token usage",
				slog.String("thread_id", t.thread.ID),
				slog.String("error", err.Error()),
			)
		}
		t.o.metrics.TokensStreamed(t.tokens)
	}

	data := map[string]any{"reason": kind.String(), "tokens": t.tokens}
	attrs := []any{
		slog.String("thread_id", t.thread.ID),
		slog.String("session_token", t.sess.Token),
		slog.String("reason", kind.String()),
		slog.Int("tokens", t.tokens),
	}
	if cause != nil {
		data["error"] = domain.NewErrorData(cause)
		attrs = append(attrs, slog.String("error", cause.Error()))
		if errors.Is(cause, domain.ErrEngineFailure) {
			t.o.metrics.EngineFailure()
		}
	}
	t.o.publish(ctx, event, t.thread, t.sess.Token, data)

	span.SetAttributes(attribute.String("relay.close_reason", kind.String()))
	if kind == stream.CloseError && cause != nil {
		span.SetStatus(codes.Error, cause.Error())
		t.o.logger.Warn("turn failed", attrs...)
	} else {
		t.o.logger.Info("turn finished", attrs...)
	}

	if kind == stream.CloseSuspended {
		t.redeliver(ctx)
	}
}

func (t *turn) record(ctx context.Context, state domain.LifecycleState) {
	if err := t.o.registry.Touch(ctx, t.thread.ID, state); err != nil {
		t.o.logger.Error("failed to record turn outcome",
			slog.String("thread_id", t.thread.ID),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

// redeliver carries on a decision that landed while the turn was stopping:
// after a cancelled wait, or between the wait ending and the engine resuming.
func (t *turn) redeliver(ctx context.Context) {
	if t.awaiting == nil {
		return
	}
	req, err := t.o.approvals.Get(ctx, t.thread.ID, t.awaiting.Sequence)
	if err != nil {
		t.o.logger.Warn("failed to re-read approval of suspended turn",
			slog.String("thread_id", t.thread.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if req.Pending() {
		return
	}
	t.o.deliver(req)
}

func engineErr(err error) error {
	var e *domain.Error
	if errors.As(err, &e) {
		return e
	}
	return domain.EngineFailure(err, "engine stream failed")
}

// drain discards whatever the engine still sends so its reader can exit.
func drain(results <-chan ports.EngineResult) {
	go func() {
		for range results {
		}
	}()
}
