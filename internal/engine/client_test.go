package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/testutil"
)

func engineURL() string {
	if u := os.Getenv("RELAY_ENGINE_URL"); u != "" {
		return u
	}
	return "http://engine.test"
}

func collect(t *testing.T, results <-chan ports.EngineResult) ([]*domain.EngineFrame, error) {
	t.Helper()
	var frames []*domain.EngineFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return frames, nil
			}
			if r.Err != nil {
				return frames, r.Err
			}
			frames = append(frames, r.Frame)
		case <-timeout:
			t.Fatal("timed out reading engine stream")
		}
	}
}

func TestClient_Run(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "engine")
	defer cleanup()

	client := NewClient(engineURL(), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	results, err := client.Run(context.Background(), &ports.EngineCommand{
		ThreadID: "thread-rome",
		Message:  "plan a trip to Rome",
	})
	require.NoError(t, err)

	frames, err := collect(t, results)
	require.NoError(t, err)
	require.Len(t, frames, 8)

	types := make([]domain.EventType, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	assert.Equal(t, []domain.EventType{
		domain.EventStatus, domain.EventStatus, domain.EventCheckpoint,
		domain.EventToolStart, domain.EventToolEnd, domain.EventContent,
		domain.EventItineraryUpdate, domain.EventDone,
	}, types)

	assert.Equal(t, "starting", domain.PayloadText(frames[0].Data))
	assert.JSONEq(t, `{"messages":[{"role":"user","content":"plan a trip to Rome"}]}`, string(frames[2].Checkpoint))
	assert.JSONEq(t, `{"tool":"search_flights","input":{"destination":"FCO"}}`, string(frames[3].Data))
	assert.Equal(t, "Rome in three days", domain.PayloadText(frames[5].Data))
	assert.NotEmpty(t, frames[7].Checkpoint)
}

func TestClient_RunInterrupt(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "engine")
	defer cleanup()

	client := NewClient(engineURL(), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	results, err := client.Run(context.Background(), &ports.EngineCommand{
		ThreadID: "thread-book",
		Message:  "book flight XYZ",
	})
	require.NoError(t, err)

	frames, err := collect(t, results)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	interrupt := frames[1]
	assert.Equal(t, domain.EventInterrupt, interrupt.Type)
	assert.Equal(t, "book flight XYZ", interrupt.Action)
	assert.Equal(t, 600, interrupt.TimeoutSeconds)
	assert.Contains(t, string(interrupt.Checkpoint), "pending_action")
}

func TestClient_State(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "engine")
	defer cleanup()

	client := NewClient(engineURL(), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	state, err := client.State(context.Background(), "thread-rome")
	require.NoError(t, err)

	var body struct {
		ThreadID string `json:"thread_id"`
		State    struct {
			Messages []json.RawMessage `json:"messages"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(state, &body))
	assert.Equal(t, "thread-rome", body.ThreadID)
	assert.Len(t, body.State.Messages, 2)

	_, err = client.State(context.Background(), "thread-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func fastRetries(c *Client) {
	c.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
}

func TestClient_RunRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"data\":\"hi\"}\r\n\r\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, WithConnectRetries(3), fastRetries)

	results, err := client.Run(context.Background(), &ports.EngineCommand{ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)

	frames, err := collect(t, results)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "hi", domain.PayloadText(frames[0].Data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RunDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad command", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithConnectRetries(3), fastRetries)

	_, err := client.Run(context.Background(), &ports.EngineCommand{ThreadID: "t1", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RunMalformedFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"status\",\"data\":\"starting\"}\n\ndata: {not json\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL)

	results, err := client.Run(context.Background(), &ports.EngineCommand{ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)

	frames, err := collect(t, results)
	assert.Len(t, frames, 1)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
}

func TestClient_RunSendsCommand(t *testing.T) {
	var got ports.EngineCommand
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"))

	results, err := client.Run(context.Background(), &ports.EngineCommand{
		ThreadID:   "t1",
		Checkpoint: []byte("state"),
		Resume: &ports.ResumeCommand{
			CheckpointSequence: 4,
			Resolution:         domain.ResolutionApproved,
			Proceed:            true,
		},
	})
	require.NoError(t, err)
	_, err = collect(t, results)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, []byte("state"), got.Checkpoint)
	require.NotNil(t, got.Resume)
	assert.Equal(t, int64(4), got.Resume.CheckpointSequence)
	assert.True(t, got.Resume.Proceed)
}

func TestEventData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"single", "data: {\"a\":1}", `{"a":1}`},
		{"no space", "data:{\"a\":1}", `{"a":1}`},
		{"multi line", "event: frame\ndata: {\"a\":\ndata: 1}", "{\"a\":\n1}"},
		{"comment only", ": ping", ""},
		{"crlf", "id: 3\r\ndata: x\r", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(eventData([]byte(tt.raw))))
		})
	}
}
