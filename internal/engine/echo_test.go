package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

func TestEcho_Turn(t *testing.T) {
	e := NewEcho()

	results, err := e.Run(context.Background(), &ports.EngineCommand{ThreadID: "t1", Message: "hello"})
	require.NoError(t, err)
	frames, err := collect(t, results)
	require.NoError(t, err)

	require.Len(t, frames, 5)
	assert.Equal(t, "starting", domain.PayloadText(frames[0].Data))
	assert.Equal(t, "thread:t1", domain.PayloadText(frames[1].Data))
	assert.Equal(t, domain.EventCheckpoint, frames[2].Type)
	assert.Equal(t, "echo: hello", domain.PayloadText(frames[3].Data))
	assert.Equal(t, domain.EventDone, frames[4].Type)

	// A second turn resumes from the checkpoint it was given.
	results, err = e.Run(context.Background(), &ports.EngineCommand{
		ThreadID:   "t1",
		Message:    "again",
		Checkpoint: frames[4].Checkpoint,
	})
	require.NoError(t, err)
	_, err = collect(t, results)
	require.NoError(t, err)

	raw, err := e.State(context.Background(), "t1")
	require.NoError(t, err)
	var state struct {
		ThreadID string `json:"thread_id"`
		State    struct {
			Messages []echoMessage `json:"messages"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "t1", state.ThreadID)
	assert.Len(t, state.State.Messages, 4)
}

func TestEcho_InterruptAndResume(t *testing.T) {
	e := NewEcho(WithApprovalPrefix("book "))

	results, err := e.Run(context.Background(), &ports.EngineCommand{ThreadID: "t2", Message: "book flight XYZ"})
	require.NoError(t, err)
	frames, err := collect(t, results)
	require.NoError(t, err)

	last := frames[len(frames)-1]
	require.Equal(t, domain.EventInterrupt, last.Type)
	assert.Equal(t, "book flight XYZ", last.Action)

	tests := []struct {
		name    string
		proceed bool
		want    string
	}{
		{"approved", true, "confirmed: book flight XYZ"},
		{"rejected", false, "cancelled: book flight XYZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := e.Run(context.Background(), &ports.EngineCommand{
				ThreadID:   "t2",
				Checkpoint: last.Checkpoint,
				Resume:     &ports.ResumeCommand{CheckpointSequence: 1, Proceed: tt.proceed},
			})
			require.NoError(t, err)
			frames, err := collect(t, results)
			require.NoError(t, err)
			require.Len(t, frames, 3)
			assert.Equal(t, tt.want, domain.PayloadText(frames[1].Data))
			assert.Equal(t, domain.EventDone, frames[2].Type)
			assert.NotContains(t, string(frames[2].Checkpoint), "pending_action")
		})
	}
}

func TestEcho_RejectsBadInput(t *testing.T) {
	e := NewEcho()

	_, err := e.Run(context.Background(), &ports.EngineCommand{ThreadID: "t3"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = e.Run(context.Background(), &ports.EngineCommand{ThreadID: "t3", Message: "hi", Checkpoint: []byte("{")})
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
}
