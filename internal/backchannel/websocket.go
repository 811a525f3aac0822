// ABOUTME: WebSocket transport for the backchannel using gorilla/websocket.
// ABOUTME: Upgrades the agent's HTTP request, checks its token, and hands the conn to the Registry.

package backchannel

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 64 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents are authenticated by token, not origin
	},
}

// wsConn adapts a gorilla websocket to Conn and keeps it alive with pings.
type wsConn struct {
	conn      *websocket.Conn
	remote    string
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketConn wraps an established websocket connection and starts its ping loop.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	c := &wsConn{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(wsMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadFrame implements Conn. Text and binary messages are both accepted.
func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	return data, nil
}

// WriteFrame implements Conn. Callers serialize writes.
func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements Conn.
func (c *wsConn) RemoteAddr() string { return "ws://" + c.remote }

// WebSocketHandler accepts agent connections on an HTTP endpoint.
type WebSocketHandler struct {
	registry *Registry
	token    string
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler. An empty token accepts any agent.
func NewWebSocketHandler(registry *Registry, token string, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{registry: registry, token: token, logger: logger}
}

// ServeHTTP upgrades the request and blocks while the agent stays connected.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !tokenMatches(h.token, agentToken(r)) {
		h.logger.Warn("rejected backchannel connection", "remote", r.RemoteAddr, "reason", "invalid token")
		http.Error(w, `{"error":"invalid agent token"}`, http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("backchannel websocket upgrade failed", "error", err)
		return
	}

	if err := h.registry.AddConnection(context.Background(), NewWebSocketConn(ws)); err != nil {
		h.logger.Warn("backchannel connection refused", "error", err)
	}
}

// agentToken extracts the agent token from the query string or Authorization header.
func agentToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// tokenMatches compares in constant time. An empty expected token accepts anything.
func tokenMatches(expected, got string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// DialWebSocket connects to a gateway's backchannel endpoint as an agent.
func DialWebSocket(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}
