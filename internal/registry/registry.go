// Package registry owns the thread index: which principal owns a thread,
// its title and its lifecycle state.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

const (
	defaultOwnerCacheSize = 4096
	maxTitleLength        = 80
)

// Registry enforces thread ownership on top of a ports.ThreadStore.
// Ownership never changes after creation, so owners are cached.
type Registry struct {
	store  ports.ThreadStore
	owners *lru.Cache[string, string]
	logger *slog.Logger
	now    func() time.Time
}

// Config configures a Registry.
type Config struct {
	Store          ports.ThreadStore
	Logger         *slog.Logger
	OwnerCacheSize int
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	size := cfg.OwnerCacheSize
	if size <= 0 {
		size = defaultOwnerCacheSize
	}
	owners, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  cfg.Store,
		owners: owners,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateOption customizes thread creation.
type CreateOption func(*domain.ThreadRecord)

// WithTitle sets the display title.
func WithTitle(title string) CreateOption {
	return func(t *domain.ThreadRecord) {
		t.Title = title
	}
}

// WithID uses a caller-supplied thread id instead of a generated one.
func WithID(id string) CreateOption {
	return func(t *domain.ThreadRecord) {
		t.ID = id
	}
}

// CreateThread allocates a new ACTIVE thread owned by owner. A collision on
// the id fails with a conflict error.
func (r *Registry) CreateThread(ctx context.Context, owner string, opts ...CreateOption) (*domain.ThreadRecord, error) {
	if owner == "" {
		return nil, domain.Unauthorized("an authenticated principal is required")
	}

	now := r.now()
	thread := &domain.ThreadRecord{
		ID:             uuid.NewString(),
		Owner:          owner,
		State:          domain.StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	for _, opt := range opts {
		opt(thread)
	}
	thread.Title = TitleFromMessage(thread.Title)

	if err := r.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	r.owners.Add(thread.ID, owner)

	r.logger.Debug("thread created",
		slog.String("thread_id", thread.ID),
		slog.String("owner", owner),
	)
	return thread, nil
}

// GetThread returns the thread if caller owns it.
func (r *Registry) GetThread(ctx context.Context, threadID, caller string) (*domain.ThreadRecord, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	r.owners.Add(thread.ID, thread.Owner)
	if thread.Owner != caller {
		return nil, domain.Unauthorized("thread %s is not owned by the caller", threadID)
	}
	return thread, nil
}

// Lookup returns the thread without an ownership check, for work the relay
// does on its own behalf.
func (r *Registry) Lookup(ctx context.Context, threadID string) (*domain.ThreadRecord, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	r.owners.Add(thread.ID, thread.Owner)
	return thread, nil
}

// Authorize checks that caller owns threadID, using the owner cache when
// possible.
func (r *Registry) Authorize(ctx context.Context, threadID, caller string) error {
	if owner, ok := r.owners.Get(threadID); ok {
		if owner != caller {
			return domain.Unauthorized("thread %s is not owned by the caller", threadID)
		}
		return nil
	}
	_, err := r.GetThread(ctx, threadID, caller)
	return err
}

// Touch records activity and sets the lifecycle state. Repeating the same
// state only advances the activity timestamp.
func (r *Registry) Touch(ctx context.Context, threadID string, state domain.LifecycleState) error {
	if !state.Valid() {
		return domain.InvalidRequest("unknown lifecycle state %q", state)
	}
	return r.store.TouchThread(ctx, threadID, state, r.now())
}

// Deactivate soft-deletes a thread by moving it to ABANDONED.
func (r *Registry) Deactivate(ctx context.Context, threadID, caller string) error {
	if _, err := r.GetThread(ctx, threadID, caller); err != nil {
		return err
	}
	return r.Touch(ctx, threadID, domain.StateAbandoned)
}

// List returns the caller's threads, most recently active first.
func (r *Registry) List(ctx context.Context, caller string, limit, offset int) ([]*domain.ThreadRecord, error) {
	return r.store.ListThreads(ctx, domain.ThreadListOptions{
		Owner:  caller,
		Limit:  limit,
		Offset: offset,
	})
}

// AddUsage accumulates streamed content tokens on the thread.
func (r *Registry) AddUsage(ctx context.Context, threadID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return r.store.AddThreadUsage(ctx, threadID, tokens)
}

// TitleFromMessage derives a display title from the first user message.
func TitleFromMessage(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength-1])) + "…"
}
