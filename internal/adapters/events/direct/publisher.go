// Package direct provides an event publisher that writes lifecycle events
// to the structured log.
package direct

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

// Publisher implements ports.EventPublisher by logging each event.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	logger *slog.Logger
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger.With(slog.String("component", "lifecycle"))}
}

var _ ports.EventPublisher = (*Publisher)(nil)

// Publish writes a lifecycle event as one log record.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("thread_id", event.ThreadID),
		slog.String("owner", event.Owner),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_token", event.SessionID))
	}
	if event.Data != nil {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		attrs = append(attrs, slog.Any("data", json.RawMessage(data)))
	}
	p.logger.LogAttrs(ctx, slog.LevelInfo, "thread lifecycle event", attrs...)
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
