// ABOUTME: HTTP routing for the gateway: API dialects, agent backchannel, health, and operator endpoints
// ABOUTME: Operator endpoints report rotation state and trigger manual credential switches

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/studio-gateway/internal/auth"
	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/proxy"
)

// maxSwitchBody bounds the operator switch request body.
const maxSwitchBody = 4 << 10

// routes builds the root handler. Health and the agent endpoint sit outside
// API key auth; the agent authenticates with the backchannel token instead.
func (g *Gateway) routes(keys *auth.KeySet, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle("/ws", backchannel.NewWebSocketHandler(g.registry, g.config.Backchannel.Token, logger.With("component", "backchannel-ws")))

	// Anything that is not an OpenAI route or an operator route is relayed
	// to the agent as a native request.
	api := http.NewServeMux()
	api.HandleFunc("/v1/chat/completions", g.handleChatCompletions)
	api.HandleFunc("/v1/models", g.handleModels)
	api.HandleFunc("/api/status", g.handleStatus)
	api.HandleFunc("/api/switch", g.handleSwitch)
	api.HandleFunc("/api/", g.handleUnknownOperator)
	api.HandleFunc("/", g.controller.ServeNative)

	mux.Handle("/", auth.HTTPAuthMiddleware(keys, logger.With("component", "auth"))(api))
	return mux
}

func (g *Gateway) handleUnknownOperator(w http.ResponseWriter, r *http.Request) {
	g.sendJSONError(w, http.StatusNotFound, "unknown operator endpoint "+r.URL.Path)
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.controller.ServeChatCompletions(w, r)
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.controller.ServeModels(w, r)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while the agent backchannel is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.registry.HasActiveConnection() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if g.registry.InGrace() {
			_, _ = w.Write([]byte("agent reconnecting"))
			return
		}
		_, _ = w.Write([]byte("no agent connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (auth-%d)", g.controller.CurrentIndex())
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	proxy.Status
	AgentRemote     string `json:"agent_remote,omitempty"`
	PendingRequests int    `json:"pending_requests"`
	Uptime          string `json:"uptime"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := StatusResponse{
		Status:          g.controller.Status(),
		AgentRemote:     g.registry.ActiveRemote(),
		PendingRequests: g.registry.PendingCount(),
		Uptime:          time.Since(g.startedAt).Round(time.Second).String(),
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// SwitchRequest is the body of POST /api/switch. A missing index means the
// next credential in rotation order.
type SwitchRequest struct {
	Index *int `json:"index,omitempty"`
}

// SwitchResponse reports the result of a manual switch.
type SwitchResponse struct {
	Outcome  proxy.RotationOutcome `json:"outcome"`
	Previous int                   `json:"previous_index"`
	Current  int                   `json:"current_index"`
	Error    string                `json:"error,omitempty"`
}

// parseSwitchRequest decodes the optional switch body; empty means next.
func parseSwitchRequest(r io.Reader) (int, error) {
	var req SwitchRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return -1, nil
		}
		return 0, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Index == nil {
		return -1, nil
	}
	if *req.Index < 0 {
		return 0, errors.New("index must not be negative")
	}
	return *req.Index, nil
}

func (g *Gateway) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	index, err := parseSwitchRequest(http.MaxBytesReader(w, r.Body, maxSwitchBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	previous := g.controller.CurrentIndex()
	g.logger.Info("manual credential switch requested", "from", previous, "to", index, "remote", r.RemoteAddr)

	// The switch outlives a client that hangs up mid-way.
	outcome, err := g.controller.SwitchTo(context.WithoutCancel(r.Context()), index)
	switch {
	case errors.Is(err, proxy.ErrUnknownCredential):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, proxy.ErrAlreadySwitching):
		g.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}

	st := g.controller.Status()
	resp := SwitchResponse{
		Outcome:  outcome,
		Previous: previous,
		Current:  st.CurrentIndex,
	}
	status := http.StatusOK
	if outcome != proxy.OutcomeSwitched {
		status = http.StatusBadGateway
		// A rollback succeeds without an error; the cause is kept in the status.
		resp.Error = st.LastError
		if err != nil {
			resp.Error = err.Error()
		}
	}
	g.writeJSON(w, status, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes the shared error body shape.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	proxy.WriteError(w, status, message)
}
