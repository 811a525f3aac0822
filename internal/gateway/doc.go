// Package gateway orchestrates the studio-gateway server components.
//
// # Overview
//
// The gateway package assembles the server from its parts: the credential
// pool, the agent backchannel registry, the session manager that launches the
// execution agent, and the proxy controller that admits, dispatches, and
// rotates. It owns the HTTP and gRPC servers and their listeners.
//
// # HTTP API
//
// Routes registered in api.go:
//
//   - POST /v1/chat/completions - chat dialect, streaming or buffered
//   - GET /v1/models - chat dialect model list
//   - GET /api/status - rotation and connection state
//   - POST /api/switch - manual credential switch ({"index": N} or empty for next)
//   - GET /ws - agent backchannel over WebSocket (backchannel token, not API key)
//   - GET /health - liveness
//   - GET /health/ready - 503 unless the agent is connected
//   - anything else - native dialect passthrough (/v1beta/..., /upload/..., ...)
//
// Everything except /ws and /health requires an API key. Unknown paths
// under /api/ are 404 rather than relayed.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) a gRPC server runs
// the backchannel Connect stream and the standard health service. Health
// reports SERVING only while an agent is connected.
//
// # Listeners
//
// Plain TCP by default. With tailscale.enabled the gateway joins the tailnet
// through tsnet: gRPC on :50051, HTTP on :80, or :443 with tailnet certs
// (https) or public Funnel (funnel).
//
// # Shutdown
//
// Shutdown stops the HTTP server, cancels background recovery, closes the
// registry (failing requests still waiting on the agent), stops the gRPC
// server with a deadline, and stops the agent session.
package gateway
