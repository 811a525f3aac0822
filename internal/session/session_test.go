// ABOUTME: Tests for session establishment and the process launcher.
// ABOUTME: Uses a fake connection waiter and short-lived shell commands.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/studio-gateway/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingLauncher struct {
	mu       sync.Mutex
	launched []int
	err      error
	stopped  int
}

func (l *recordingLauncher) Launch(ctx context.Context, p credential.Profile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, p.Index)
	return l.err
}

func (l *recordingLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
	return nil
}

type fakeWaiter struct {
	connected bool
	gen       uint64
	waitedFor []uint64
}

func (w *fakeWaiter) Generation() uint64 { return w.gen }

func (w *fakeWaiter) WaitForConnectionAfter(ctx context.Context, gen uint64) error {
	w.waitedFor = append(w.waitedFor, gen)
	if w.connected {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func profile(index int) credential.Profile {
	return credential.Profile{
		Index:       index,
		DisplayName: "user@example.com",
		Payload:     json.RawMessage(`{"email":"user@example.com","cookies":[]}`),
		Valid:       true,
	}
}

func TestManager_Establish(t *testing.T) {
	l := &recordingLauncher{}
	w := &fakeWaiter{connected: true, gen: 4}
	m := NewManager(l, w, time.Second, testLogger())

	require.NoError(t, m.Establish(context.Background(), profile(3)))
	assert.Equal(t, []int{3}, l.launched)
	assert.Equal(t, []uint64{4}, w.waitedFor, "a relaunched agent must reconnect")

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 1, l.stopped)
}

func TestManager_EstablishTimeout(t *testing.T) {
	m := NewManager(&recordingLauncher{}, &fakeWaiter{}, 30*time.Millisecond, testLogger())

	err := m.Establish(context.Background(), profile(1))
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestManager_EstablishCallerCancel(t *testing.T) {
	m := NewManager(&recordingLauncher{}, &fakeWaiter{}, time.Minute, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Establish(ctx, profile(1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_LaunchFailure(t *testing.T) {
	boom := errors.New("browser crashed")
	m := NewManager(&recordingLauncher{err: boom}, &fakeWaiter{connected: true}, time.Second, testLogger())

	err := m.Establish(context.Background(), profile(2))
	assert.ErrorIs(t, err, boom)
}

func TestNoopLauncher(t *testing.T) {
	var l Launcher = NoopLauncher{}
	assert.NoError(t, l.Launch(context.Background(), profile(1)))
	assert.NoError(t, l.Stop(context.Background()))
}

func TestManager_ExternalAgentAcceptsLiveConnection(t *testing.T) {
	w := &fakeWaiter{connected: true, gen: 7}
	m := NewManager(NoopLauncher{}, w, time.Second, testLogger())

	require.NoError(t, m.Establish(context.Background(), profile(1)))
	assert.Equal(t, []uint64{0}, w.waitedFor)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecLauncher_PassesCredential(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "seen.txt")

	l := NewExecLauncher("sh", []string{"-c",
		`cat "$STUDIO_AUTH_FILE" > "$OUT.tmp"; echo >> "$OUT.tmp"; echo "$STUDIO_AUTH_INDEX" >> "$OUT.tmp"; mv "$OUT.tmp" "$OUT"; exec sleep 30`,
	}, []string{"OUT=" + out}, testLogger())

	require.NoError(t, l.Launch(context.Background(), profile(7)))
	defer l.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, err := os.Stat(out)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"email":"user@example.com","cookies":[]}`, lines[0])
	assert.Equal(t, "7", lines[1])
	assert.True(t, l.Running())
}

func TestExecLauncher_StopRemovesAuthFile(t *testing.T) {
	requireShell(t)
	l := NewExecLauncher("sh", []string{"-c", "exec sleep 30"}, nil, testLogger())

	require.NoError(t, l.Launch(context.Background(), profile(1)))
	l.mu.Lock()
	authFile := l.authFile
	l.mu.Unlock()

	info, err := os.Stat(authFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.Running())
	_, err = os.Stat(authFile)
	assert.True(t, os.IsNotExist(err))

	// Stopping twice is harmless.
	require.NoError(t, l.Stop(context.Background()))
}

func TestExecLauncher_RelaunchReplacesProcess(t *testing.T) {
	requireShell(t)
	l := NewExecLauncher("sh", []string{"-c", "exec sleep 30"}, nil, testLogger())
	defer l.Stop(context.Background())

	require.NoError(t, l.Launch(context.Background(), profile(1)))
	l.mu.Lock()
	first := l.cmd.Process.Pid
	firstExited := l.exited
	l.mu.Unlock()

	require.NoError(t, l.Launch(context.Background(), profile(2)))
	select {
	case <-firstExited:
	default:
		t.Fatal("previous process still running after relaunch")
	}

	l.mu.Lock()
	assert.NotEqual(t, first, l.cmd.Process.Pid)
	l.mu.Unlock()
}

func TestExecLauncher_NoCommand(t *testing.T) {
	l := NewExecLauncher("", nil, nil, testLogger())
	assert.ErrorIs(t, l.Launch(context.Background(), profile(1)), ErrNoCommand)
}
