// ABOUTME: Tests for the WebSocket and gRPC backchannel transports.
// ABOUTME: Runs real agents against httptest and bufconn servers wired to a Registry.

package backchannel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	f := RawFrame(`{"request_id":"r1"}`)
	data, err := c.Marshal(&f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(data))

	var out RawFrame
	buf := []byte(`{"a":1}`)
	require.NoError(t, c.Unmarshal(buf, &out))
	buf[2] = 'z'
	assert.Equal(t, `{"a":1}`, string(out), "unmarshal must copy")

	var ev Event
	require.NoError(t, c.Unmarshal([]byte(`{"request_id":"r2","event_type":"chunk"}`), &ev))
	assert.Equal(t, EventChunk, ev.Type)
}

func startGRPC(t *testing.T, r *Registry, token string) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	NewGRPCServer(r, token, testLogger()).Register(server)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func TestGRPCTransport_RoundTrip(t *testing.T) {
	r := NewRegistry(time.Second, testLogger())
	defer r.Close()
	cc := startGRPC(t, r, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := OpenGRPCStream(ctx, cc, "secret")
	require.NoError(t, err)
	defer agent.Close()

	// The server only registers the stream once the first message flows or
	// headers are exchanged; sending a frame forces the stream open.
	hello, _ := json.Marshal(Event{RequestID: "warmup", Type: EventChunk})
	require.NoError(t, agent.WriteFrame(ctx, hello))
	require.NoError(t, r.WaitForConnection(ctx))

	q, err := r.CreateQueue("req-1")
	require.NoError(t, err)

	env := Envelope{RequestID: "req-1", Path: "/v1beta/models", Method: "GET"}
	require.NoError(t, r.Send(ctx, env))

	data, err := agent.ReadFrame(ctx)
	require.NoError(t, err)
	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "/v1beta/models", got.Path)

	reply, _ := json.Marshal(Event{RequestID: "req-1", Type: EventResponseHeaders, Status: 200})
	require.NoError(t, agent.WriteFrame(ctx, reply))

	ev, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventResponseHeaders, ev.Type)
	assert.Equal(t, 200, ev.Status)
	assert.True(t, strings.HasPrefix(r.ActiveRemote(), "grpc://"))
}

func TestGRPCTransport_RejectsBadToken(t *testing.T) {
	r := NewRegistry(time.Second, testLogger())
	defer r.Close()
	cc := startGRPC(t, r, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := OpenGRPCStream(ctx, cc, "wrong")
	require.NoError(t, err)
	defer agent.Close()

	_, err = agent.ReadFrame(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, r.HasActiveConnection())
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	r := NewRegistry(time.Second, testLogger())
	defer r.Close()

	srv := httptest.NewServer(NewWebSocketHandler(r, "secret", testLogger()))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := DialWebSocket(ctx, url, "secret")
	require.NoError(t, err)
	defer agent.Close()
	require.NoError(t, r.WaitForConnection(ctx))

	q, err := r.CreateQueue("req-1")
	require.NoError(t, err)
	require.NoError(t, r.Send(ctx, NewCancelFrame("req-0")))

	data, err := agent.ReadFrame(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"cancel_request","request_id":"req-0"}`, string(data))

	reply, _ := json.Marshal(Event{RequestID: "req-1", Type: EventChunk, Data: "hi"})
	require.NoError(t, agent.WriteFrame(ctx, reply))
	ev, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Data)
}

func TestWebSocketTransport_RejectsBadToken(t *testing.T) {
	r := NewRegistry(time.Second, testLogger())
	defer r.Close()

	srv := httptest.NewServer(NewWebSocketHandler(r, "secret", testLogger()))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("", "anything"))
	assert.True(t, tokenMatches("abc", "abc"))
	assert.False(t, tokenMatches("abc", "abd"))
	assert.False(t, tokenMatches("abc", ""))
}
