// ABOUTME: Wire frames exchanged with the execution agent over the backchannel.
// ABOUTME: Outbound request envelopes and cancels; inbound response events tagged by request id.

package backchannel

// EventType tags an inbound backchannel event.
type EventType string

const (
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventError           EventType = "error"
	EventStreamClose     EventType = "stream_close"

	// EventStreamEnd is the sentinel queued in place of stream_close.
	EventStreamEnd EventType = "STREAM_END"

	// EventCancelRequest is sent to the agent when a client goes away.
	EventCancelRequest EventType = "cancel_request"
)

// Event is an inbound frame from the agent.
type Event struct {
	RequestID string            `json:"request_id"`
	Type      EventType         `json:"event_type"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string            `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// IsTerminal reports whether no further events follow for the request.
func (e Event) IsTerminal() bool {
	return e.Type == EventStreamEnd || e.Type == EventError
}

// Envelope is the outbound request the agent executes against the upstream.
// It is immutable once sent.
type Envelope struct {
	RequestID        string            `json:"request_id"`
	Path             string            `json:"path"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	QueryParams      map[string]string `json:"query_params"`
	Body             string            `json:"body"`
	StreamingMode    string            `json:"streaming_mode"`
	IsGenerative     bool              `json:"is_generative"`
	ResumeOnProhibit bool              `json:"resume_on_prohibit"`
	ResumeLimit      int               `json:"resume_limit"`
}

// CancelFrame asks the agent to stop working on a request. Delivery is best-effort.
type CancelFrame struct {
	EventType EventType `json:"event_type"`
	RequestID string    `json:"request_id"`
}

// NewCancelFrame builds a cancel_request frame for requestID.
func NewCancelFrame(requestID string) CancelFrame {
	return CancelFrame{EventType: EventCancelRequest, RequestID: requestID}
}
