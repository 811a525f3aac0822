// ABOUTME: Error taxonomy for the gateway controller and its mapping to HTTP responses.
// ABOUTME: Sentinel errors plus UpstreamError, rendered as {"error":{code,message,status}}.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/translate"
)

var (
	// ErrAdmissionRejected indicates a credential rotation is pending or running.
	ErrAdmissionRejected = errors.New("credential rotation in progress")

	// ErrBackendUnavailable indicates no agent is connected and recovery failed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrAlreadySwitching indicates another rotation holds the switch guard.
	ErrAlreadySwitching = errors.New("rotation already in progress")

	// ErrRotationFailed indicates neither the target nor the previous credential
	// could be established.
	ErrRotationFailed = errors.New("credential rotation failed")

	// ErrUnknownCredential indicates a manual switch to an index outside the valid pool.
	ErrUnknownCredential = errors.New("unknown credential index")
)

// UpstreamError is a failure reported by the agent on behalf of the upstream.
type UpstreamError struct {
	Status  int
	Message string
	Err     error // underlying queue error, if any
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// upstreamErrorFromEvent converts an error event.
func upstreamErrorFromEvent(ev backchannel.Event) *UpstreamError {
	status := ev.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	msg := ev.Message
	if msg == "" {
		msg = errorMessage([]byte(ev.Data), status)
	}
	return &UpstreamError{Status: status, Message: msg}
}

// errorMessage pulls a human-readable message out of an upstream error body.
func errorMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text != "" && !gjson.Valid(text) {
		return text
	}
	if st := http.StatusText(status); st != "" {
		return st
	}
	return "upstream error"
}

// queueError turns a queue failure into the error surfaced to the client.
func queueError(err error, phase string) error {
	switch {
	case errors.Is(err, backchannel.ErrQueueTimeout):
		return &UpstreamError{
			Status:  http.StatusGatewayTimeout,
			Message: "timed out waiting for upstream " + phase,
			Err:     err,
		}
	case errors.Is(err, backchannel.ErrQueueClosed):
		return fmt.Errorf("backchannel lost while waiting for %s: %w", phase, err)
	default:
		return err
	}
}

var statusNames = map[int]string{
	http.StatusBadRequest:          "INVALID_ARGUMENT",
	http.StatusUnauthorized:        "UNAUTHENTICATED",
	http.StatusForbidden:           "PERMISSION_DENIED",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusConflict:            "ABORTED",
	http.StatusTooManyRequests:     "RESOURCE_EXHAUSTED",
	499:                            "CANCELLED",
	http.StatusInternalServerError: "INTERNAL",
	http.StatusNotImplemented:      "UNIMPLEMENTED",
	http.StatusBadGateway:          "UNAVAILABLE",
	http.StatusServiceUnavailable:  "UNAVAILABLE",
	http.StatusGatewayTimeout:      "DEADLINE_EXCEEDED",
}

// StatusName returns the canonical status string used in error bodies.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	if code >= 500 {
		return "INTERNAL"
	}
	return "UNKNOWN"
}

// errorBody renders the JSON error envelope.
func errorBody(code int, message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  StatusName(code),
		},
	})
	return data
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(errorBody(code, message))
}

// statusFor maps err to the HTTP status and message returned to the client.
func (c *Controller) statusFor(err error) (int, string) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrAdmissionRejected):
		return http.StatusServiceUnavailable, "rotating credentials, retry shortly"
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend unavailable"
	case errors.As(err, &ue):
		if c.isImmediate(ue.Status) {
			return http.StatusServiceUnavailable, ue.Message
		}
		if ue.Status >= 400 {
			return ue.Status, ue.Message
		}
		return http.StatusBadGateway, ue.Message
	case errors.Is(err, backchannel.ErrQueueClosed), errors.Is(err, backchannel.ErrNoConnection), errors.Is(err, backchannel.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "backchannel connection lost"
	case errors.Is(err, translate.ErrTranslation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.Canceled):
		return 499, "client closed request"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError renders err for a client that has not received headers yet.
func (c *Controller) writeError(w http.ResponseWriter, err error) {
	code, msg := c.statusFor(err)
	WriteError(w, code, msg)
}
