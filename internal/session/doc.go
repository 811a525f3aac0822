// ABOUTME: Package session starts the execution agent for a credential profile.
// ABOUTME: Exec and no-op launchers plus a Manager that waits for the backchannel.

// Package session establishes the execution agent session. Establishing means
// launching the agent for a credential and waiting until it connects back on
// the backchannel.
package session
