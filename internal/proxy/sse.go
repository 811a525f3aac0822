// ABOUTME: Minimal event-stream writer used by the streaming delivery strategies.
// ABOUTME: Headers are committed lazily so errors before the first byte can still be JSON.

package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

var errStreamingUnsupported = errors.New("response writer does not support streaming")

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// start sends the status line and event-stream headers once.
func (s *sseWriter) start(status int) {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(status)
	s.flusher.Flush()
}

// data writes one data frame.
func (s *sseWriter) data(payload []byte) error {
	s.start(http.StatusOK)
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// raw relays upstream event-stream text unchanged.
func (s *sseWriter) raw(text string) error {
	s.start(http.StatusOK)
	if _, err := s.w.Write([]byte(text)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment writes an event-stream comment, used for keep-alives.
func (s *sseWriter) comment(text string) error {
	s.start(http.StatusOK)
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// done writes the chat-dialect terminator.
func (s *sseWriter) done() error {
	return s.data([]byte("[DONE]"))
}

// fail appends an error frame to a stream that already has headers.
func (s *sseWriter) fail(code int, message string) {
	_ = s.data(errorBody(code, message))
}
