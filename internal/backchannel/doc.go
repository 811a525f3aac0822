// ABOUTME: Package backchannel multiplexes gateway requests over one agent connection.
// ABOUTME: Holds the wire frames, per-request queues, the registry, and its transports.

// Package backchannel carries proxied requests to the execution agent and routes
// its response events back to the waiting HTTP handlers.
//
// Exactly one agent connection is live at a time. Each in-flight request owns a
// Queue keyed by its request id; the Registry reads frames from the connection and
// enqueues them by id. When the connection drops, queues survive for a grace
// period so a quick reconnect does not fail in-flight requests.
//
// Two transports implement Conn: a WebSocket endpoint (gorilla/websocket) and a
// gRPC bidi stream using a JSON codec.
package backchannel
