// Package relay serves the relay's HTTP contract: chat turns streamed as
// server-sent events, approvals, and thread state.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/server"
	"github.com/tjfontaine/travel-agent-relay/internal/session"
	"github.com/tjfontaine/travel-agent-relay/internal/stream"
)

const (
	defaultHeartbeat = 15 * time.Second
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service is the orchestration surface the handlers drive.
type Service interface {
	StartOrContinue(ctx context.Context, req session.Request) (*session.Turn, error)
	Approve(ctx context.Context, req session.ApproveRequest) (*session.ApprovalOutcome, error)
	State(ctx context.Context, threadID, caller string) (*session.StateView, error)
	Subscribe(ctx context.Context, threadID, caller string, from int64) (*stream.Subscription, error)
	Cancel(ctx context.Context, threadID, caller string) error
	Abandon(ctx context.Context, threadID, caller string) error
	List(ctx context.Context, caller string, limit, offset int) ([]*domain.ThreadRecord, error)
	EngineState(ctx context.Context, threadID, caller string) ([]byte, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHeartbeat sets the keep-alive comment interval on open streams.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		h.heartbeat = d
	}
}

// Handler implements the relay routes.
type Handler struct {
	svc       Service
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler creates a Handler.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:       svc,
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RouteConfig controls how routes are mounted.
type RouteConfig struct {
	// Auth resolves the caller of every /v1 route.
	Auth ports.AuthProvider
	// RequestTimeout bounds the non-streaming routes.
	RequestTimeout time.Duration
	// Metrics, if set, is served at /metrics.
	Metrics http.Handler
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router, rc RouteConfig) {
	r.Get("/health", h.handleHealth)
	if rc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rc.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(server.AuthMiddleware(rc.Auth))

		r.Post("/chat/stream", h.handleChatStream)
		r.Get("/threads/{thread_id}/events", h.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(server.TimeoutMiddleware(rc.RequestTimeout))

			r.Get("/threads", h.handleListThreads)
			r.Get("/threads/{thread_id}/state", h.handleState)
			r.Get("/threads/{thread_id}/engine-state", h.handleEngineState)
			r.Post("/threads/{thread_id}/approve", h.handleApprove)
			r.Post("/threads/{thread_id}/cancel", h.handleCancel)
			r.Delete("/threads/{thread_id}", h.handleAbandon)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChatRequest is the body of POST /v1/chat/stream.
type ChatRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
	Title    string `json:"title,omitempty"`
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	turn, err := h.svc.StartOrContinue(r.Context(), session.Request{
		ThreadID: req.ThreadID,
		Message:  req.Message,
		Title:    req.Title,
		Caller:   server.GetPrincipal(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "thread_id", turn.Thread.ID)
	server.AddLogField(r.Context(), "session_token", turn.Session.Token)
	w.Header().Set("X-Thread-ID", turn.Thread.ID)
	w.Header().Set("X-Session-Token", turn.Session.Token)
	w.Header().Set("X-Thread-Created", strconv.FormatBool(turn.Created))

	// The turn's HTTP response ends at an interrupt. The engine stays parked
	// and the decision arrives through the approve route.
	h.stream(w, r, turn.Subscription, true)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	from, err := fromSequence(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sub, err := h.svc.Subscribe(r.Context(), threadID, server.GetPrincipal(r.Context()), from)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("X-Thread-ID", threadID)
	w.Header().Set("X-Session-Token", sub.Session().Token)
	h.stream(w, r, sub, false)
}

// fromSequence reads the replay start from ?from=N, falling back to the
// Last-Event-ID header of a reconnecting EventSource.
func fromSequence(r *http.Request) (int64, error) {
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, domain.InvalidRequest("from must be a non-negative integer")
		}
		return n, nil
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, domain.InvalidRequest("Last-Event-ID must be a non-negative integer")
		}
		return n + 1, nil
	}
	return 1, nil
}

// stream copies sub to the client as server-sent events until the session
// ends, the client leaves or, with stopOnInterrupt, an interrupt is sent.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sub *stream.Subscription, stopOnInterrupt bool) {
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newEventWriter(w)
	if err := sse.flush(); err != nil {
		server.AddError(r.Context(), err)
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var relayed int
	defer func() {
		server.AddLogField(r.Context(), "events_relayed", strconv.Itoa(relayed))
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				h.endOfStream(r, sse, sub.Err())
				return
			}
			if err := sse.event(ev); err != nil {
				server.AddError(r.Context(), err)
				return
			}
			relayed++
			if ev.Type.Terminal() || (stopOnInterrupt && ev.Type == domain.EventInterrupt) {
				server.AddLogField(r.Context(), "last_event", string(ev.Type))
				return
			}
		case <-heartbeat.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// endOfStream reports why a subscription ended without a terminal event.
// A subscriber dropped for falling behind is told so and can reconnect with
// from set past its last event id.
func (h *Handler) endOfStream(r *http.Request, sse *eventWriter, err error) {
	if err == nil || errors.Is(err, domain.ErrCancelled) {
		return
	}
	server.AddError(r.Context(), err)
	h.logger.Warn("subscriber dropped",
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.String("error", err.Error()),
	)
	_ = sse.event(domain.Event{Type: domain.EventError, Data: domain.MustData(domain.NewErrorData(err))})
}

// ApproveRequest is the body of POST /v1/threads/{id}/approve.
type ApproveRequest struct {
	CheckpointSequence int64           `json:"checkpoint_sequence"`
	Decision           domain.Decision `json:"decision"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.CheckpointSequence <= 0 {
		h.fail(w, r, domain.InvalidRequest("checkpoint_sequence is required"))
		return
	}
	if _, err := req.Decision.Resolution(); err != nil {
		h.fail(w, r, err)
		return
	}

	outcome, err := h.svc.Approve(r.Context(), session.ApproveRequest{
		ThreadID: threadID,
		Sequence: req.CheckpointSequence,
		Decision: req.Decision,
		Caller:   server.GetPrincipal(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "resolution", string(outcome.Request.Resolution))
	server.WriteJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	view, err := h.svc.State(r.Context(), threadID, server.GetPrincipal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleEngineState(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	state, err := h.svc.EngineState(r.Context(), threadID, server.GetPrincipal(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	if err := h.svc.Cancel(r.Context(), threadID, server.GetPrincipal(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	server.AddLogField(r.Context(), "thread_id", threadID)

	if err := h.svc.Abandon(r.Context(), threadID, server.GetPrincipal(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ThreadList is the body of GET /v1/threads.
type ThreadList struct {
	Threads []*domain.ThreadRecord `json:"threads"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	threads, err := h.svc.List(r.Context(), server.GetPrincipal(r.Context()), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if threads == nil {
		threads = []*domain.ThreadRecord{}
	}
	server.WriteJSON(w, http.StatusOK, ThreadList{Threads: threads, Limit: limit, Offset: offset})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	server.WriteError(w, err)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.InvalidRequest("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.InvalidRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}
