// Package link owns the single control channel to the in-browser agent:
// accepting its one websocket connection, forwarding outbound request
// descriptors, and routing inbound frames back to the right per-request
// queue. Wire shapes below mirror spec.md §6 exactly; the transport itself
// (gorilla/websocket) is the teacher's own go.mod dependency, given its job
// here since the teacher's read sources never exercised it directly.
package link

import "encoding/json"

// OutboundDescriptor is the gateway -> agent request frame.
type OutboundDescriptor struct {
	RequestID         string            `json:"request_id"`
	Path              string            `json:"path"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
	QueryParams       map[string]string `json:"query_params"`
	Body              json.RawMessage   `json:"body"`
	StreamingMode     string            `json:"streaming_mode"` // "real" | "fake"
	IsGenerative      bool              `json:"is_generative,omitempty"`
	ClientWantsStream bool              `json:"client_wants_stream,omitempty"`
	ResumeOnProhibit  bool              `json:"resume_on_prohibit,omitempty"`
	ResumeLimit       int               `json:"resume_limit,omitempty"`
}

// CancelFrame is the gateway -> agent cancellation frame.
type CancelFrame struct {
	EventType string `json:"event_type"` // "cancel_request"
	RequestID string `json:"request_id"`
}

// RebindCommand is the gateway -> agent instruction to swap the live browser
// session's storage state to a different credential, per spec.md §4.4's
// "ask the browser-session manager to rebind the session". The credential
// index doubles as the correlation id, since RotationController never has
// more than one rebind in flight at a time (isSwitching is held for the
// duration).
type RebindCommand struct {
	EventType       string          `json:"event_type"` // "rebind"
	CredentialIndex int             `json:"credential_index"`
	Credential      json.RawMessage `json:"credential"`
}

// InboundEvent is the agent -> gateway frame. Its shape varies by EventType;
// unused fields for a given type are simply left zero.
type InboundEvent struct {
	RequestID       string              `json:"request_id,omitempty"`
	EventType       string              `json:"event_type"` // response_headers | chunk | stream_close | error | rebind_result
	Status          int                 `json:"status,omitempty"`
	Headers         map[string][]string `json:"headers,omitempty"`
	Data            string              `json:"data,omitempty"`
	Message         string              `json:"message,omitempty"`
	CredentialIndex int                 `json:"credential_index,omitempty"`
	Success         bool                `json:"success,omitempty"`
}

const (
	EventResponseHeaders = "response_headers"
	EventChunk           = "chunk"
	EventStreamClose     = "stream_close"
	EventError           = "error"
	EventCancelRequest   = "cancel_request"
	EventRebind          = "rebind"
	EventRebindResult    = "rebind_result"
)
