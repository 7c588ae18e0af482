package ports

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider resolves the authenticated principal of a request. The
// principal id is opaque to the relay.
// Implementations: API key (default), trusted upstream header.
type AuthProvider interface {
	Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error)
}

// AuthContext contains authenticated request context.
type AuthContext struct {
	PrincipalID string
	Metadata    map[string]string
}

// EngineCommand starts or resumes engine work for a thread.
type EngineCommand struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message,omitempty"`

	// Checkpoint is the latest committed state blob, nil for a fresh thread.
	Checkpoint []byte `json:"checkpoint,omitempty"`

	// Resume is set when continuing from an interrupt.
	Resume *ResumeCommand `json:"resume,omitempty"`
}

// ResumeCommand carries an approval decision back to the engine. When
// Proceed is false the engine must abort the pending action.
type ResumeCommand struct {
	CheckpointSequence int64             `json:"checkpoint_sequence"`
	Resolution         domain.Resolution `json:"resolution"`
	Proceed            bool              `json:"proceed"`
}

// EngineResult wraps a frame or error from an engine stream.
type EngineResult struct {
	Frame *domain.EngineFrame
	Err   error
}

// Engine is the external reasoning engine. Run returns a channel of frames
// that is closed when the engine finishes; a stream that ends without a done
// or error frame is treated as done.
type Engine interface {
	Run(ctx context.Context, cmd *EngineCommand) (<-chan EngineResult, error)
	State(ctx context.Context, threadID string) (json.RawMessage, error)
}

// EventPublisher publishes thread lifecycle events.
// Implementations: direct structured log (default).
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}
