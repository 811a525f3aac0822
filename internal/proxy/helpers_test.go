// ABOUTME: Test harness for the controller: a real registry wired to a scripted in-memory agent.
// ABOUTME: The agent replays canned event sequences per envelope and records cancels.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/credential"
	"github.com/2389/studio-gateway/internal/translate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentConn is the gateway's view of an in-memory agent.
type agentConn struct {
	in     chan []byte // agent to gateway
	out    chan []byte // gateway to agent
	closed chan struct{}
	once   sync.Once
}

func newAgentConn() *agentConn {
	return &agentConn{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *agentConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *agentConn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *agentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *agentConn) RemoteAddr() string { return "test://agent" }

// replyFunc answers one envelope by calling send for each event.
type replyFunc func(env backchannel.Envelope, send func(backchannel.Event))

// scriptedAgent reads envelopes off an agentConn and answers them.
type scriptedAgent struct {
	conn  *agentConn
	reply replyFunc

	mu        sync.Mutex
	envelopes []backchannel.Envelope
	cancels   []string
}

func (a *scriptedAgent) run() {
	for {
		select {
		case data := <-a.conn.out:
			var peek struct {
				EventType string `json:"event_type"`
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(data, &peek); err != nil {
				continue
			}
			if peek.EventType == string(backchannel.EventCancelRequest) {
				a.mu.Lock()
				a.cancels = append(a.cancels, peek.RequestID)
				a.mu.Unlock()
				continue
			}

			var env backchannel.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			a.mu.Lock()
			a.envelopes = append(a.envelopes, env)
			a.mu.Unlock()

			go a.reply(env, func(ev backchannel.Event) {
				ev.RequestID = env.RequestID
				frame, _ := json.Marshal(ev)
				select {
				case a.conn.in <- frame:
				case <-a.conn.closed:
				}
			})
		case <-a.conn.closed:
			return
		}
	}
}

func (a *scriptedAgent) Envelopes() []backchannel.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]backchannel.Envelope(nil), a.envelopes...)
}

func (a *scriptedAgent) Cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

// fakeEstablisher records Establish calls. Indices in fail are refused.
// When gate is set, Establish blocks until it is closed.
type fakeEstablisher struct {
	mu          sync.Mutex
	calls       []int
	fail        map[int]bool
	gate        chan struct{}
	onEstablish func(index int)
}

func (e *fakeEstablisher) Establish(ctx context.Context, p credential.Profile) error {
	e.mu.Lock()
	e.calls = append(e.calls, p.Index)
	gate, fail, hook := e.gate, e.fail[p.Index], e.onEstablish
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("launch failed")
	}
	if hook != nil {
		hook(p.Index)
	}
	return nil
}

func (e *fakeEstablisher) Calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

type harness struct {
	t     *testing.T
	reg   *backchannel.Registry
	pool  *credential.Pool
	est   *fakeEstablisher
	ctrl  *Controller
	reply replyFunc
	agent *scriptedAgent
}

// newHarness builds a controller over credentials 1, 3, and 7 with an agent
// already connected.
func newHarness(t *testing.T, opts Options, reply replyFunc) *harness {
	h := newDisconnectedHarness(t, opts, reply)
	h.connectAgent()
	return h
}

func newDisconnectedHarness(t *testing.T, opts Options, reply replyFunc) *harness {
	t.Helper()
	logger := testLogger()

	environ := []string{
		`AUTH_JSON_1={"email":"one@example.com"}`,
		`AUTH_JSON_3={"email":"three@example.com"}`,
		`AUTH_JSON_7={"accountName":"seven"}`,
	}
	pool, err := credential.NewPool(context.Background(), &credential.EnvSource{Environ: func() []string { return environ }}, logger)
	require.NoError(t, err)

	reg := backchannel.NewRegistry(time.Second, logger)
	t.Cleanup(reg.Close)

	est := &fakeEstablisher{fail: map[int]bool{}}
	if opts.HeaderTimeout == 0 {
		opts.HeaderTimeout = 2 * time.Second
	}
	if opts.BodyTimeout == 0 {
		opts.BodyTimeout = 2 * time.Second
	}
	if opts.RecoveryTimeout == 0 {
		opts.RecoveryTimeout = 2 * time.Second
	}
	ctrl := New(pool, reg, est, translate.New(translate.Options{}, logger), opts, logger)
	t.Cleanup(ctrl.Close)

	return &harness{t: t, reg: reg, pool: pool, est: est, ctrl: ctrl, reply: reply}
}

// connectAgent attaches a fresh scripted agent and waits until it is live.
func (h *harness) connectAgent() *scriptedAgent {
	h.t.Helper()
	a := &scriptedAgent{conn: newAgentConn(), reply: h.reply}
	go a.run()
	gen := h.reg.Generation()
	go func() { _ = h.reg.AddConnection(context.Background(), a.conn) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.reg.WaitForConnectionAfter(ctx, gen))
	h.agent = a
	return a
}

func (h *harness) native(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ctrl.ServeNative(rec, req)
	return rec
}

func (h *harness) chat(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ctrl.ServeChatCompletions(rec, req)
	return rec
}

// respond sends a 200 with body split into chunks.
func respond(body ...string) replyFunc {
	return func(env backchannel.Envelope, send func(backchannel.Event)) {
		send(backchannel.Event{
			Type:    backchannel.EventResponseHeaders,
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "application/json"},
		})
		for _, part := range body {
			send(backchannel.Event{Type: backchannel.EventChunk, Data: part})
		}
		send(backchannel.Event{Type: backchannel.EventStreamClose})
	}
}

// failWith sends an upstream error status with a JSON error body.
func failWith(status int, message string) replyFunc {
	return func(env backchannel.Envelope, send func(backchannel.Event)) {
		send(backchannel.Event{Type: backchannel.EventResponseHeaders, Status: status})
		send(backchannel.Event{
			Type: backchannel.EventChunk,
			Data: fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, status, message),
		})
		send(backchannel.Event{Type: backchannel.EventStreamClose})
	}
}

type errorBodyShape struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBodyShape {
	t.Helper()
	var body errorBodyShape
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

const textResponse = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]},"finishReason":"STOP"}]}`

const generatePath = "/v1beta/models/gemini-pro:generateContent"
