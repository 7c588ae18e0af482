package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("done")
	m.EventPublished("content")
	m.TokensStreamed(12)
	m.CheckpointsCompacted(3)

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues("done")); got != 1 {
		t.Errorf("sessions_closed_total{done} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tokensStreamed); got != 12 {
		t.Errorf("content_tokens_total = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.checkpointsRemoved); got != 3 {
		t.Errorf("checkpoints_compacted_total = %v, want 3", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.EventPublished("status")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `relay_events_published_total{type="status"} 1`) {
		t.Errorf("metrics output missing published counter:\n%s", body)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed("error")
	m.SubscriberDropped()
	m.ApprovalResolved("APPROVED")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
