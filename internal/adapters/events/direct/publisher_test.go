package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
)

func TestPublisher_Publish(t *testing.T) {
	var buf bytes.Buffer
	publisher := NewPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	event := &domain.LifecycleEvent{
		Type:      domain.LifecycleTurnCompleted,
		ThreadID:  "thread-1",
		Owner:     "alice",
		SessionID: "session-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"tokens": 12},
	}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log record is not JSON: %v", err)
	}
	if record["event"] != "turn.completed" {
		t.Errorf("event = %v, want turn.completed", record["event"])
	}
	if record["thread_id"] != "thread-1" {
		t.Errorf("thread_id = %v, want thread-1", record["thread_id"])
	}
	if record["component"] != "lifecycle" {
		t.Errorf("component = %v, want lifecycle", record["component"])
	}
	data, ok := record["data"].(map[string]any)
	if !ok || data["tokens"] != float64(12) {
		t.Errorf("data = %v, want tokens=12", record["data"])
	}
}

func TestPublisher_Close(t *testing.T) {
	publisher := NewPublisher(nil)
	if err := publisher.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
