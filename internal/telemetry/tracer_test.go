package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestInitTracer(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	shutdown, err := InitTracer("relay-test", logger)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := Tracer().Start(context.Background(), "test.span")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span after InitTracer")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
