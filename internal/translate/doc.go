// ABOUTME: Package translate converts payloads between the chat and native dialects.
// ABOUTME: Typed structs for known shapes, gjson/sjson for in-place rewrites of raw bodies.

// Package translate holds the stateless conversions between the chat-completion
// dialect and the native generative-content dialect.
package translate
