package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
)

// eventWriter frames relay events as server-sent events. Each frame carries
// the event sequence as its id so EventSource reconnects resume in place.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

func (e *eventWriter) event(ev domain.Event) error {
	if len(ev.Data) > 0 {
		// Engine payloads may be indented; an SSE data line cannot hold a newline.
		var compact bytes.Buffer
		if err := json.Compact(&compact, ev.Data); err == nil {
			ev.Data = compact.Bytes()
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if ev.Sequence > 0 {
		fmt.Fprintf(&buf, "id: %d\n", ev.Sequence)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", ev.Type, payload)
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return e.flush()
}

func (e *eventWriter) comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	return e.flush()
}

func (e *eventWriter) flush() error {
	return e.rc.Flush()
}
