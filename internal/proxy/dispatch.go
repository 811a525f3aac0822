// ABOUTME: One request/response exchange with the execution agent over the backchannel.
// ABOUTME: Builds the envelope, owns the request's queue, and sends a cancel if the client leaves.

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/studio-gateway/internal/backchannel"
)

const cancelTimeout = 2 * time.Second

// call describes a client request independent of its dialect.
type call struct {
	chat       bool
	model      string
	method     string
	path       string
	headers    map[string]string
	query      map[string]string
	body       []byte
	generative bool
	stream     bool

	// transform post-processes a buffered body. Nil leaves it unchanged.
	transform func([]byte) ([]byte, error)
}

// envelope builds the outbound frame for req. The request id is set by dispatch.
func (c *Controller) envelope(req call) backchannel.Envelope {
	return backchannel.Envelope{
		Path:             req.path,
		Method:           req.method,
		Headers:          req.headers,
		QueryParams:      req.query,
		Body:             string(req.body),
		StreamingMode:    c.opts.StreamingMode,
		IsGenerative:     req.generative,
		ResumeOnProhibit: c.opts.ResumeOnProhibit,
		ResumeLimit:      c.opts.ResumeLimit,
	}
}

// exchange tracks one dispatched request.
type exchange struct {
	c     *Controller
	id    string
	queue *backchannel.Queue
	held  []backchannel.Event
	ended bool
}

// dispatch sends env under a fresh request id.
func (c *Controller) dispatch(ctx context.Context, env backchannel.Envelope) (*exchange, error) {
	env.RequestID = uuid.NewString()

	q, err := c.bc.CreateQueue(env.RequestID)
	if err != nil {
		return nil, fmt.Errorf("creating queue: %w", err)
	}
	if err := c.bc.Send(ctx, env); err != nil {
		c.bc.RemoveQueue(env.RequestID)
		return nil, fmt.Errorf("sending request %s: %w", env.RequestID, err)
	}

	c.logger.Debug("request dispatched",
		"request_id", env.RequestID,
		"method", env.Method,
		"path", env.Path,
		"streaming_mode", env.StreamingMode,
	)
	return &exchange{c: c, id: env.RequestID, queue: q}, nil
}

// next returns the following event for the request.
func (x *exchange) next(ctx context.Context, timeout time.Duration) (backchannel.Event, error) {
	if len(x.held) > 0 {
		ev := x.held[0]
		x.held = x.held[1:]
		return ev, nil
	}
	ev, err := x.queue.Dequeue(ctx, timeout)
	if err != nil {
		return ev, err
	}
	if ev.IsTerminal() {
		x.ended = true
	}
	return ev, nil
}

// close removes the queue. If the client went away before the agent finished,
// the agent is told to stop.
func (x *exchange) close(ctx context.Context) {
	x.c.bc.RemoveQueue(x.id)
	if ctx.Err() == nil || x.ended {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := x.c.bc.Send(sendCtx, backchannel.NewCancelFrame(x.id)); err != nil {
		x.c.logger.Debug("cancel not delivered", "request_id", x.id, "error", err)
		return
	}
	x.c.logger.Info("client went away, cancel sent to agent", "request_id", x.id)
}

// awaitHeaders waits for the event that opens the response. A chunk arriving
// first implies status 200. Error events and statuses of 400 and above come
// back as *UpstreamError, after draining the error body.
func (x *exchange) awaitHeaders(ctx context.Context) (backchannel.Event, error) {
	ev, err := x.next(ctx, x.c.opts.HeaderTimeout)
	if err != nil {
		return ev, queueError(err, "headers")
	}

	switch ev.Type {
	case backchannel.EventError:
		return ev, upstreamErrorFromEvent(ev)
	case backchannel.EventStreamEnd:
		return ev, &UpstreamError{Status: http.StatusBadGateway, Message: "upstream closed without responding"}
	case backchannel.EventChunk:
		x.held = append(x.held, ev)
		return backchannel.Event{RequestID: ev.RequestID, Type: backchannel.EventResponseHeaders, Status: http.StatusOK}, nil
	}

	if ev.Status == 0 {
		ev.Status = http.StatusOK
	}
	if ev.Status >= http.StatusBadRequest {
		body, _ := x.collect(ctx)
		return ev, &UpstreamError{Status: ev.Status, Message: errorMessage(body, ev.Status)}
	}
	return ev, nil
}

// collect concatenates chunks until the stream ends.
func (x *exchange) collect(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		ev, err := x.next(ctx, x.c.opts.BodyTimeout)
		if err != nil {
			return buf.Bytes(), queueError(err, "body")
		}
		switch ev.Type {
		case backchannel.EventChunk:
			buf.WriteString(ev.Data)
		case backchannel.EventStreamEnd:
			return buf.Bytes(), nil
		case backchannel.EventError:
			return buf.Bytes(), upstreamErrorFromEvent(ev)
		}
	}
}

// response is a fully buffered upstream response.
type response struct {
	status  int
	headers map[string]string
	body    []byte
}

// roundTrip dispatches req and buffers the response. Failures at the front of
// the response that do not call for an immediate switch are retried with a
// fresh request id.
func (c *Controller) roundTrip(ctx context.Context, req call) (response, error) {
	env := c.envelope(req)
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying upstream request",
				"attempt", attempt,
				"max_retries", c.opts.MaxRetries,
				"error", lastErr,
			)
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-ctx.Done():
				return response{}, ctx.Err()
			}
		}

		x, err := c.dispatch(ctx, env)
		if err != nil {
			return response{}, err
		}

		hdr, err := x.awaitHeaders(ctx)
		if err == nil {
			var body []byte
			body, err = x.collect(ctx)
			x.close(ctx)
			if err != nil {
				return response{}, err
			}
			return response{status: hdr.Status, headers: hdr.Headers, body: body}, nil
		}
		x.close(ctx)

		if ctx.Err() != nil {
			return response{}, ctx.Err()
		}
		if !c.retryable(err) {
			return response{}, err
		}
		lastErr = err
	}
	return response{}, lastErr
}

func (c *Controller) retryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && !c.isImmediate(ue.Status)
}

// hopHeaders are never forwarded in either direction.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
	"host":                true,
}

// clientHeaders are the client credentials, stripped before forwarding.
var clientHeaders = map[string]bool{
	"authorization":  true,
	"x-goog-api-key": true,
	"x-api-key":      true,
	"cookie":         true,
}

// forwardHeaders flattens request headers for the envelope.
func forwardHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if hopHeaders[lower] || clientHeaders[lower] || lower == "accept-encoding" || len(values) == 0 {
			continue
		}
		out[lower] = values[0]
	}
	return out
}

// forwardQuery flattens the query string, dropping the client key.
func forwardQuery(r *http.Request) map[string]string {
	out := make(map[string]string)
	for name, values := range r.URL.Query() {
		if name == "key" || len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}

// copyResponseHeaders copies upstream headers that are safe to replay.
func copyResponseHeaders(dst http.Header, src map[string]string) {
	for name, value := range src {
		lower := strings.ToLower(name)
		if hopHeaders[lower] || lower == "content-encoding" || lower == "set-cookie" {
			continue
		}
		dst.Set(name, value)
	}
}
