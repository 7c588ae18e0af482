package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies a stream event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventContent         EventType = "content"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventItineraryUpdate EventType = "itinerary_update"
	EventInterrupt       EventType = "interrupt"
	EventError           EventType = "error"
	EventDone            EventType = "done"

	// EventCheckpoint is produced by the engine only. It carries a state blob
	// for the execution state store and is never relayed to clients.
	EventCheckpoint EventType = "checkpoint"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one relayed stream event. Sequence is assigned by the multiplexer
// at publish time and totally orders the events of a session.
type Event struct {
	Type     EventType       `json:"type"`
	Sequence int64           `json:"sequence"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of a terminal error event.
type ErrorData struct {
	Kind      ErrorKind `json:"kind"`
	Code      ErrorCode `json:"code,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// NewErrorData builds an error payload from any error.
func NewErrorData(err error) ErrorData {
	e := AsError(err)
	return ErrorData{
		Kind:      e.Kind,
		Code:      e.Code,
		Message:   e.Error(),
		Retryable: e.Retryable(),
	}
}

// InterruptData is the payload of an interrupt event sent to clients.
type InterruptData struct {
	Action             string    `json:"action"`
	CheckpointSequence int64     `json:"checkpoint_sequence"`
	Deadline           time.Time `json:"deadline"`
}

// DoneData is the payload of a done event.
type DoneData struct {
	CheckpointSequence int64 `json:"checkpoint_sequence,omitempty"`
}

// MustData marshals v for Event.Data. Payload types in this package always
// marshal.
func MustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// EngineFrame is one frame produced by the reasoning engine.
type EngineFrame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Checkpoint is the engine state blob attached to checkpoint frames and,
	// optionally, to interrupt and done frames.
	Checkpoint []byte `json:"checkpoint,omitempty"`

	// Action and TimeoutSeconds are set on interrupt frames.
	Action         string `json:"action,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// PayloadText extracts the text of a status, content or error payload.
// Engines send either a bare JSON string or an object with a "text",
// "content" or "message" field.
func PayloadText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	switch {
	case obj.Text != "":
		return obj.Text
	case obj.Content != "":
		return obj.Content
	}
	return obj.Message
}
