// ABOUTME: Establishes execution agent sessions for a credential profile.
// ABOUTME: A Launcher starts the agent; the Manager waits for it to connect back.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/studio-gateway/internal/credential"
)

// DefaultConnectTimeout bounds how long Establish waits for the agent to connect.
const DefaultConnectTimeout = 60 * time.Second

// ErrConnectTimeout indicates the agent did not connect back in time.
var ErrConnectTimeout = errors.New("agent did not connect before timeout")

// Launcher starts and stops the execution agent for a credential.
type Launcher interface {
	Launch(ctx context.Context, profile credential.Profile) error
	Stop(ctx context.Context) error
}

// ConnectionWaiter reports backchannel connection generations and blocks
// until a connection newer than a given generation is active.
type ConnectionWaiter interface {
	Generation() uint64
	WaitForConnectionAfter(ctx context.Context, gen uint64) error
}

// Manager establishes sessions: Launch, then wait for the backchannel.
type Manager struct {
	launcher Launcher
	waiter   ConnectionWaiter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager. A non-positive timeout uses DefaultConnectTimeout.
func NewManager(launcher Launcher, waiter ConnectionWaiter, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Manager{
		launcher: launcher,
		waiter:   waiter,
		timeout:  timeout,
		logger:   logger,
	}
}

// Establish launches the agent on profile and waits for it to connect.
func (m *Manager) Establish(ctx context.Context, profile credential.Profile) error {
	start := time.Now()
	m.logger.Info("establishing session", "index", profile.Index, "account", profile.DisplayName)

	// A relaunched agent must connect again; the old connection may linger
	// until the previous process exits. An external agent is never relaunched,
	// so any live connection will do.
	var gen uint64
	if _, external := m.launcher.(NoopLauncher); !external {
		gen = m.waiter.Generation()
	}

	if err := m.launcher.Launch(ctx, profile); err != nil {
		return fmt.Errorf("launching session for auth-%d: %w", profile.Index, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.waiter.WaitForConnectionAfter(waitCtx, gen); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("auth-%d: %w", profile.Index, ErrConnectTimeout)
		}
		return fmt.Errorf("waiting for agent on auth-%d: %w", profile.Index, err)
	}

	m.logger.Info("session established", "index", profile.Index, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Stop stops the agent.
func (m *Manager) Stop(ctx context.Context) error {
	return m.launcher.Stop(ctx)
}

// NoopLauncher is used when the agent is managed outside the gateway.
// Establishing a session only waits for the agent to connect.
type NoopLauncher struct{}

// Launch implements Launcher.
func (NoopLauncher) Launch(ctx context.Context, profile credential.Profile) error { return nil }

// Stop implements Launcher.
func (NoopLauncher) Stop(ctx context.Context) error { return nil }
