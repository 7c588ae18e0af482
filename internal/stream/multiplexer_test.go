package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/travel-agent-relay/internal/checkpoint"
	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/storage/memory"
)

func newMux(t *testing.T, mutate func(*Config)) (*Multiplexer, *memory.Store) {
	t.Helper()
	store := memory.New()
	cfg := Config{
		Leases:           store,
		Checkpoints:      checkpoint.New(checkpoint.Config{Backend: store}),
		ReplayWindow:     8,
		SubscriberBuffer: 16,
		RetainAfterClose: time.Minute,
		LeaseTTL:         time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), store
}

func status(msg string) domain.Event {
	return domain.Event{Type: domain.EventStatus, Data: domain.MustData(map[string]string{"message": msg})}
}

func drain(t *testing.T, sub *Subscription) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscription did not end")
			return nil
		}
	}
}

func sequences(events []domain.Event) []int64 {
	seqs := make([]int64, len(events))
	for i, ev := range events {
		seqs[i] = ev.Sequence
	}
	return seqs
}

func TestMultiplexer_OneLiveProducerPerThread(t *testing.T) {
	mux, _ := newMux(t, nil)
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)

	_, err = mux.Open(ctx, "thread-1")
	assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindConflict, Code: domain.ErrorCodeDuplicateProducer}), "got %v", err)

	// Other threads are unaffected.
	other, err := mux.Open(ctx, "thread-2")
	require.NoError(t, err)
	require.NoError(t, mux.Close(ctx, other.Token, CloseReason{Kind: CloseCancelled}))

	require.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone}))

	again, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, again.Token)
}

func TestMultiplexer_ConflictAcrossProcesses(t *testing.T) {
	store := memory.New()
	cfg := Config{Leases: store, Checkpoints: checkpoint.New(checkpoint.Config{Backend: store}), LeaseTTL: time.Minute}
	replicaA, replicaB := New(cfg), New(cfg)
	ctx := context.Background()

	s, err := replicaA.Open(ctx, "thread-1")
	require.NoError(t, err)

	_, err = replicaB.Open(ctx, "thread-1")
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	require.NoError(t, replicaA.Close(ctx, s.Token, CloseReason{Kind: CloseDone}))
	_, err = replicaB.Open(ctx, "thread-1")
	assert.NoError(t, err)
}

func TestMultiplexer_SubscribersSeeSameOrder(t *testing.T) {
	mux, _ := newMux(t, nil)
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)

	early, err := mux.Subscribe(ctx, s.Token, 1)
	require.NoError(t, err)

	for _, msg := range []string{"a", "b", "c"} {
		_, err := s.Publish(status(msg))
		require.NoError(t, err)
	}

	late, err := mux.Subscribe(ctx, s.Token, 2)
	require.NoError(t, err)

	_, err = s.Publish(domain.Event{Type: domain.EventContent, Data: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	require.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone, CheckpointSequence: 3}))

	earlyEvents := drain(t, early)
	lateEvents := drain(t, late)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sequences(earlyEvents))
	assert.Equal(t, []int64{2, 3, 4, 5}, sequences(lateEvents))
	assert.Equal(t, earlyEvents[1:], lateEvents)

	last := earlyEvents[len(earlyEvents)-1]
	assert.Equal(t, domain.EventDone, last.Type)
	var done domain.DoneData
	require.NoError(t, json.Unmarshal(last.Data, &done))
	assert.Equal(t, int64(3), done.CheckpointSequence)

	assert.NoError(t, early.Err())
	assert.NoError(t, late.Err())
}

func TestMultiplexer_ReplayWindow(t *testing.T) {
	mux, _ := newMux(t, func(c *Config) { c.ReplayWindow = 3 })
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Publish(status("x"))
		require.NoError(t, err)
	}

	_, err = mux.Subscribe(ctx, s.Token, 2)
	assert.True(t, errors.Is(err, domain.ErrResourceGone), "got %v", err)

	_, err = mux.Subscribe(ctx, s.Token, 7)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest), "got %v", err)

	sub, err := mux.Subscribe(ctx, s.Token, 3)
	require.NoError(t, err)
	require.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseSuspended}))
	assert.Equal(t, []int64{3, 4, 5}, sequences(drain(t, sub)))

	_, err = mux.Subscribe(ctx, "unknown", 1)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMultiplexer_SlowSubscriberIsolated(t *testing.T) {
	mux, _ := newMux(t, func(c *Config) { c.SubscriberBuffer = 2 })
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)

	slow, err := mux.Subscribe(ctx, s.Token, 1)
	require.NoError(t, err)
	fast, err := mux.Subscribe(ctx, s.Token, 1)
	require.NoError(t, err)

	var fastSeen []int64
	for i := 0; i < 3; i++ {
		_, err := s.Publish(status("x"))
		require.NoError(t, err)
		ev := <-fast.Events()
		fastSeen = append(fastSeen, ev.Sequence)
	}

	// The slow subscriber got what fit in its buffer, then was cut off.
	assert.Equal(t, []int64{1, 2}, sequences(drain(t, slow)))
	assert.True(t, errors.Is(slow.Err(), domain.ErrBackpressure), "got %v", slow.Err())

	require.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone}))
	rest := drain(t, fast)
	assert.Equal(t, []int64{1, 2, 3}, fastSeen)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(4), rest[0].Sequence)
	assert.NoError(t, fast.Err())
}

func TestMultiplexer_CloseDonePersistsFinalCheckpoint(t *testing.T) {
	mux, store := newMux(t, nil)
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)
	sub, err := mux.Subscribe(ctx, s.Token, 1)
	require.NoError(t, err)

	require.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone, FinalCheckpoint: []byte("final")}))

	events := drain(t, sub)
	require.Len(t, events, 1)
	var done domain.DoneData
	require.NoError(t, json.Unmarshal(events[0].Data, &done))
	assert.Equal(t, int64(1), done.CheckpointSequence)

	latest, err := store.LatestCheckpoint(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "final", string(latest.Blob))

	// Closing twice is harmless; publishing after close is rejected.
	assert.NoError(t, mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone}))
	_, err = s.Publish(status("late"))
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, threadID string, blob []byte) (int64, error) {
	return 0, domain.StorageFailure(errors.New("disk full"), "failed to insert checkpoint")
}

func TestMultiplexer_CloseDoneAppendFailure(t *testing.T) {
	mux, _ := newMux(t, func(c *Config) { c.Checkpoints = failingAppender{} })
	ctx := context.Background()

	s, err := mux.Open(ctx, "thread-1")
	require.NoError(t, err)
	sub, err := mux.Subscribe(ctx, s.Token, 1)
	require.NoError(t, err)

	err = mux.Close(ctx, s.Token, CloseReason{Kind: CloseDone, FinalCheckpoint: []byte("final")})
	assert.True(t, errors.Is(err, domain.ErrStorageFailure), "got %v", err)

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)

	var payload domain.ErrorData
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, domain.KindStorageFailure, payload.Kind)
	assert.True(t, payload.Retryable)

	// The producer slot is released even though the append failed.
	_, err = mux.Open(ctx, "thread-1")
	assert.NoError(t, err)
}

func TestMultiplexer_PublishRejectsTerminalAndCheckpoint(t *testing.T) {
	mux, _ := newMux(t, nil)
	s, err := mux.Open(context.Background(), "thread-1")
	require.NoError(t, err)

	for _, typ := range []domain.EventType{domain.EventDone, domain.EventError, domain.EventCheckpoint} {
		_, err := s.Publish(domain.Event{Type: typ})
		assert.True(t, errors.Is(err, domain.ErrInvalidRequest), "%s: got %v", typ, err)
	}
}

func TestMultiplexer_SubscriberDisconnectDoesNotCancelProducer(t *testing.T) {
	mux, _ := newMux(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })

	s, err := mux.Open(context.Background(), "thread-1")
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := mux.Subscribe(subCtx, s.Token, 1)
	require.NoError(t, err)
	cancel()

	drain(t, sub)
	assert.True(t, errors.Is(sub.Err(), domain.ErrCancelled), "got %v", sub.Err())

	// A new subscriber within the idle timeout keeps the producer alive.
	keep, err := mux.Subscribe(context.Background(), s.Token, 1)
	require.NoError(t, err)
	select {
	case <-s.Context().Done():
		t.Fatal("producer cancelled while a subscriber is attached")
	case <-time.After(150 * time.Millisecond):
	}

	keep.Close()
	select {
	case <-s.Context().Done():
		assert.True(t, errors.Is(context.Cause(s.Context()), domain.ErrCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("idle producer was not cancelled")
	}
}

func TestMultiplexer_Shutdown(t *testing.T) {
	mux, _ := newMux(t, nil)
	s, err := mux.Open(context.Background(), "thread-1")
	require.NoError(t, err)

	mux.Shutdown(domain.Cancelled(nil, "shutting down"))

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("producer not cancelled on shutdown")
	}
	assert.Equal(t, 1, mux.Len())

	require.NoError(t, mux.Close(context.Background(), s.Token, CloseReason{Kind: CloseCancelled}))
	assert.Equal(t, 0, mux.Len())

	_, ok := mux.Live("thread-1")
	assert.False(t, ok)
}

func TestMultiplexer_UnwatchedProducerIsNotIdle(t *testing.T) {
	mux, _ := newMux(t, func(c *Config) { c.IdleTimeout = 30 * time.Millisecond })

	s, err := mux.Open(context.Background(), "thread-1")
	require.NoError(t, err)

	// Nobody ever subscribed, so there was no last subscriber to leave.
	select {
	case <-s.Context().Done():
		t.Fatalf("producer without subscribers was cancelled: %v", context.Cause(s.Context()))
	case <-time.After(150 * time.Millisecond):
	}

	sub, err := mux.Subscribe(context.Background(), s.Token, 1)
	require.NoError(t, err)
	sub.Close()
	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer not cancelled after its last subscriber left")
	}
}
