// ABOUTME: Launcher that runs the execution agent as a child process.
// ABOUTME: The credential payload is handed over in a private temp file.

package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/2389/studio-gateway/internal/credential"
)

// Environment variables passed to the agent process.
const (
	EnvAuthFile  = "STUDIO_AUTH_FILE"
	EnvAuthIndex = "STUDIO_AUTH_INDEX"
)

const stopGrace = 5 * time.Second

// ErrNoCommand indicates ExecLauncher has nothing to run.
var ErrNoCommand = errors.New("session command not configured")

// ExecLauncher runs one agent process at a time. Launching stops the
// previous process first.
type ExecLauncher struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	authFile string
}

// NewExecLauncher creates a launcher for command with args. Extra env entries
// are appended to the gateway's environment.
func NewExecLauncher(command string, args []string, env []string, logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
	}
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, profile credential.Profile) error {
	if l.command == "" {
		return ErrNoCommand
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.stopLocked(ctx); err != nil {
		l.logger.Warn("stopping previous agent", "error", err)
	}

	authFile, err := writeAuthFile(profile)
	if err != nil {
		return err
	}

	cmd := exec.Command(l.command, l.args...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Env = append(cmd.Env,
		EnvAuthFile+"="+authFile,
		EnvAuthIndex+"="+strconv.Itoa(profile.Index),
	)
	procLogger := l.logger.With("index", profile.Index)
	stdout := newLineLogger(procLogger, "stdout")
	stderr := newLineLogger(procLogger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the output pipes must not block Wait.
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		_ = os.Remove(authFile)
		return fmt.Errorf("starting %s: %w", l.command, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		procLogger.Info("agent process exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}()

	l.cmd = cmd
	l.exited = exited
	l.authFile = authFile
	l.logger.Info("agent process started", "pid", cmd.Process.Pid, "index", profile.Index, "command", l.command)
	return nil
}

// Stop implements Launcher.
func (l *ExecLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

// stopLocked interrupts the process, then kills it if it outlives the grace.
func (l *ExecLauncher) stopLocked(ctx context.Context) error {
	if l.cmd == nil {
		return nil
	}
	cmd, exited, authFile := l.cmd, l.exited, l.authFile
	l.cmd, l.exited, l.authFile = nil, nil, ""
	defer os.Remove(authFile)

	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing agent process: %w", err)
	}
	<-exited
	return nil
}

// Running reports whether an agent process is alive.
func (l *ExecLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited == nil {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// writeAuthFile stores the payload in a 0600 temp file.
func writeAuthFile(profile credential.Profile) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("studio-auth-%d-*.json", profile.Index))
	if err != nil {
		return "", fmt.Errorf("creating auth file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("securing auth file: %w", err)
	}
	if _, err := f.Write(profile.Payload); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("writing auth file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("closing auth file: %w", err)
	}
	return name, nil
}

// newLineLogger returns a writer that logs each line it receives until closed.
func newLineLogger(logger *slog.Logger, stream string) *io.PipeWriter {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			logger.Debug("agent output", "stream", stream, "line", scanner.Text())
		}
		_ = pr.CloseWithError(scanner.Err())
	}()
	return pw
}
