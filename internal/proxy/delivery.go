// ABOUTME: Delivery strategies: buffered, real streaming, and pseudo-streaming with keep-alives.
// ABOUTME: Each strategy drains the request's queue and renders the native or chat dialect.

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/config"
	"github.com/2389/studio-gateway/internal/translate"
)

// sniffWindow is how much trailing stream text is kept for finish reason logging.
const sniffWindow = 8 << 10

// serve admits req, delivers it with the configured strategy, and settles
// the accounting however the delivery ends.
func (c *Controller) serve(w http.ResponseWriter, r *http.Request, req call) {
	ctx := r.Context()
	if err := c.admit(ctx, req.generative); err != nil {
		c.logger.Warn("request not admitted", "path", req.path, "error", err)
		c.writeError(w, err)
		return
	}

	start := time.Now()
	var err error
	defer func() { c.complete(req.generative, err) }()

	switch {
	case !req.stream:
		err = c.deliverBuffered(ctx, w, req)
	case c.opts.StreamingMode == config.StreamingModeFake:
		err = c.deliverPseudoStream(ctx, w, req)
	default:
		err = c.deliverStream(ctx, w, req)
	}

	attrs := []any{
		"method", req.method,
		"path", req.path,
		"model", req.model,
		"stream", req.stream,
		"elapsed", time.Since(start).Round(time.Millisecond),
	}
	if err != nil {
		c.logger.Warn("request failed", append(attrs, "error", err)...)
		return
	}
	c.logger.Info("request completed", attrs...)
}

// deliverBuffered waits for the whole upstream response and replies once.
func (c *Controller) deliverBuffered(ctx context.Context, w http.ResponseWriter, req call) error {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		c.failBeforeHeaders(ctx, w, err)
		return err
	}

	body, err := finishBody(req, resp.body)
	if err != nil {
		c.writeError(w, err)
		return err
	}

	copyResponseHeaders(w.Header(), resp.headers)
	if req.chat || w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(body)
	return nil
}

// finishBody rewrites inline images and applies the dialect transform.
func finishBody(req call, raw []byte) ([]byte, error) {
	body := translate.InlineImagesToMarkdown(raw)
	if req.transform == nil {
		return body, nil
	}
	out, err := req.transform(body)
	if err != nil {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Message: "malformed upstream response", Err: err}
	}
	return out, nil
}

// deliverStream relays chunks as they arrive. Once headers are out, failures
// are reported in-stream.
func (c *Controller) deliverStream(ctx context.Context, w http.ResponseWriter, req call) error {
	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return err
	}

	x, err := c.dispatch(ctx, c.envelope(req))
	if err != nil {
		c.failBeforeHeaders(ctx, w, err)
		return err
	}
	defer x.close(ctx)

	hdr, err := x.awaitHeaders(ctx)
	if err != nil {
		c.failBeforeHeaders(ctx, w, err)
		return err
	}
	copyResponseHeaders(w.Header(), hdr.Headers)
	sse.start(hdr.Status)

	var (
		decoder  translate.EventStreamDecoder
		tail     string
		streamID = "chatcmpl-" + uuid.NewString()
		created  = time.Now().Unix()
	)
	relay := func(payloads []string) error {
		for _, p := range payloads {
			if chunk, ok := c.translator.NativeChunkToChat([]byte(p), req.model, streamID, created); ok {
				if err := sse.data(chunk); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for {
		ev, err := x.next(ctx, c.opts.BodyTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = queueError(err, "body")
			c.failInStream(sse, err)
			return err
		}

		switch ev.Type {
		case backchannel.EventChunk:
			tail += ev.Data
			if len(tail) > sniffWindow {
				tail = tail[len(tail)-sniffWindow:]
			}
			if req.chat {
				err = relay(decoder.Feed(ev.Data))
			} else {
				err = sse.raw(ev.Data)
			}
			if err != nil {
				return fmt.Errorf("writing to client: %w", err)
			}

		case backchannel.EventError:
			uerr := upstreamErrorFromEvent(ev)
			c.failInStream(sse, uerr)
			return uerr

		case backchannel.EventStreamEnd:
			if req.chat {
				if err := relay(decoder.Flush()); err != nil {
					return fmt.Errorf("writing to client: %w", err)
				}
				_ = sse.done()
			}
			c.logger.Debug("stream finished",
				"request_id", x.id,
				"finish_reason", translate.SniffFinishReason(tail),
			)
			return nil
		}
	}
}

// deliverPseudoStream keeps the client connection alive with comments while
// the upstream response is buffered, then emits it as event-stream frames.
func (c *Controller) deliverPseudoStream(ctx context.Context, w http.ResponseWriter, req call) error {
	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return err
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.roundTrip(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A failed write means the client is gone; roundTrip sees ctx end.
			_ = sse.comment("keep-alive")

		case res := <-done:
			if res.err != nil {
				if !sse.started {
					c.failBeforeHeaders(ctx, w, res.err)
				} else {
					c.failInStream(sse, res.err)
				}
				return res.err
			}
			return c.emitBuffered(sse, req, res.resp.body)
		}
	}
}

// emitBuffered writes a buffered upstream body as event-stream frames.
func (c *Controller) emitBuffered(sse *sseWriter, req call, body []byte) error {
	payloads := nativePayloads(body)

	if !req.chat {
		for _, p := range payloads {
			if err := sse.data(translate.InlineImagesToMarkdown([]byte(p))); err != nil {
				return fmt.Errorf("writing to client: %w", err)
			}
		}
		if len(payloads) == 0 {
			sse.start(http.StatusOK)
		}
		return nil
	}

	streamID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	for _, p := range payloads {
		chunk, ok := c.translator.NativeChunkToChat([]byte(p), req.model, streamID, created)
		if !ok {
			continue
		}
		if err := sse.data(chunk); err != nil {
			return fmt.Errorf("writing to client: %w", err)
		}
	}
	if err := sse.done(); err != nil {
		return fmt.Errorf("writing to client: %w", err)
	}
	c.logger.Debug("pseudo stream finished", "finish_reason", translate.SniffFinishReason(string(body)))
	return nil
}

// nativePayloads splits a buffered body into single-line JSON payloads. The
// body may be event-stream text, a JSON array of responses, or one response.
func nativePayloads(body []byte) []string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "data:") || strings.Contains(text, "\ndata:") {
		var dec translate.EventStreamDecoder
		return append(dec.Feed(text+"\n"), dec.Flush()...)
	}

	if !gjson.Valid(text) {
		return []string{text}
	}
	if root := gjson.Parse(text); root.IsArray() {
		var out []string
		root.ForEach(func(_, elem gjson.Result) bool {
			out = append(out, compact(elem.Raw))
			return true
		})
		return out
	}
	return []string{compact(text)}
}

func compact(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}

// failBeforeHeaders writes a JSON error unless the client is already gone.
func (c *Controller) failBeforeHeaders(ctx context.Context, w http.ResponseWriter, err error) {
	if ctx.Err() != nil {
		return
	}
	c.writeError(w, err)
}

// failInStream reports err as a final frame of an open stream.
func (c *Controller) failInStream(sse *sseWriter, err error) {
	code, msg := c.statusFor(err)
	sse.fail(code, msg)
}
