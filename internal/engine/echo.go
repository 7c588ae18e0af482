package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

// EchoOption configures an Echo engine.
type EchoOption func(*Echo)

// WithApprovalPrefix makes messages starting with prefix interrupt for
// approval before they are acted on.
func WithApprovalPrefix(prefix string) EchoOption {
	return func(e *Echo) {
		e.approvalPrefix = prefix
	}
}

// WithFrameDelay pauses between frames.
func WithFrameDelay(d time.Duration) EchoOption {
	return func(e *Echo) {
		e.delay = d
	}
}

// Echo is an in-process engine that echoes each message back. It keeps
// the conversation in its checkpoint blob so resumption can be observed.
type Echo struct {
	approvalPrefix string
	delay          time.Duration

	mu     sync.Mutex
	states map[string]echoState
}

type echoMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type echoState struct {
	Messages      []echoMessage `json:"messages"`
	PendingAction string        `json:"pending_action,omitempty"`
}

// NewEcho creates an Echo engine.
func NewEcho(opts ...EchoOption) *Echo {
	e := &Echo{states: make(map[string]echoState)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ ports.Engine = (*Echo)(nil)

// Run implements ports.Engine.
func (e *Echo) Run(ctx context.Context, cmd *ports.EngineCommand) (<-chan ports.EngineResult, error) {
	var state echoState
	if len(cmd.Checkpoint) > 0 {
		if err := json.Unmarshal(cmd.Checkpoint, &state); err != nil {
			return nil, domain.EngineFailure(err, "unreadable checkpoint for thread %s", cmd.ThreadID)
		}
	}
	if cmd.Resume == nil && cmd.Message == "" {
		return nil, domain.InvalidRequest("message is required")
	}

	out := make(chan ports.EngineResult)
	go func() {
		defer close(out)
		for _, frame := range e.script(cmd, state) {
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ports.EngineResult{Frame: frame}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (e *Echo) script(cmd *ports.EngineCommand, state echoState) []*domain.EngineFrame {
	if cmd.Resume != nil {
		action := state.PendingAction
		state.PendingAction = ""
		reply := "cancelled: " + action
		if cmd.Resume.Proceed {
			reply = "confirmed: " + action
		}
		state.Messages = append(state.Messages, echoMessage{Role: "assistant", Content: reply})
		return []*domain.EngineFrame{
			text(domain.EventStatus, "resuming"),
			text(domain.EventContent, reply),
			{Type: domain.EventDone, Checkpoint: e.save(cmd.ThreadID, state)},
		}
	}

	frames := []*domain.EngineFrame{
		text(domain.EventStatus, "starting"),
		text(domain.EventStatus, "thread:"+cmd.ThreadID),
	}
	state.Messages = append(state.Messages, echoMessage{Role: "user", Content: cmd.Message})

	if e.approvalPrefix != "" && strings.HasPrefix(cmd.Message, e.approvalPrefix) {
		state.PendingAction = cmd.Message
		return append(frames, &domain.EngineFrame{
			Type:       domain.EventInterrupt,
			Action:     cmd.Message,
			Checkpoint: e.save(cmd.ThreadID, state),
		})
	}

	frames = append(frames, &domain.EngineFrame{Type: domain.EventCheckpoint, Checkpoint: e.save(cmd.ThreadID, state)})
	reply := "echo: " + cmd.Message
	state.Messages = append(state.Messages, echoMessage{Role: "assistant", Content: reply})
	return append(frames,
		text(domain.EventContent, reply),
		&domain.EngineFrame{Type: domain.EventDone, Checkpoint: e.save(cmd.ThreadID, state)},
	)
}

func (e *Echo) save(threadID string, state echoState) []byte {
	state.Messages = append([]echoMessage(nil), state.Messages...)
	e.mu.Lock()
	e.states[threadID] = state
	e.mu.Unlock()
	return domain.MustData(state)
}

// State implements ports.Engine.
func (e *Echo) State(ctx context.Context, threadID string) (json.RawMessage, error) {
	e.mu.Lock()
	state := e.states[threadID]
	e.mu.Unlock()

	messages := state.Messages
	if messages == nil {
		messages = []echoMessage{}
	}
	return domain.MustData(map[string]any{
		"thread_id": threadID,
		"state": map[string]any{
			"messages":     messages,
			"itinerary":    nil,
			"user_profile": nil,
		},
	}), nil
}

func text(t domain.EventType, s string) *domain.EngineFrame {
	return &domain.EngineFrame{Type: t, Data: domain.MustData(s)}
}
