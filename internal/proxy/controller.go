// ABOUTME: GatewayController: request admission, usage and failure accounting, and recovery.
// ABOUTME: Owns the rotation state shared by every in-flight request.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/config"
	"github.com/2389/studio-gateway/internal/credential"
	"github.com/2389/studio-gateway/internal/translate"
)

// Backchannel is the registry surface the controller needs.
type Backchannel interface {
	HasActiveConnection() bool
	InGrace() bool
	CreateQueue(requestID string) (*backchannel.Queue, error)
	RemoveQueue(requestID string)
	Send(ctx context.Context, frame any) error
	WaitForConnection(ctx context.Context) error
}

// SessionEstablisher brings up the execution agent on a credential and
// returns once it is connected.
type SessionEstablisher interface {
	Establish(ctx context.Context, profile credential.Profile) error
}

// Options tunes admission, delivery, and rotation.
type Options struct {
	StreamingMode     string
	HeaderTimeout     time.Duration
	BodyTimeout       time.Duration
	KeepAliveInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration

	SwitchOnUses         int
	FailureThreshold     int
	ImmediateSwitchCodes []int

	ResumeOnProhibit bool
	ResumeLimit      int

	// RecoveryTimeout bounds a one-shot recovery, including the launch.
	RecoveryTimeout time.Duration
	// GracePeriod is how long recovery waits for a dropped agent to come back
	// before relaunching it.
	GracePeriod  time.Duration
	InitialIndex int
}

// OptionsFromConfig builds Options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StreamingMode:        cfg.Proxy.StreamingMode,
		HeaderTimeout:        cfg.Proxy.HeaderTimeout,
		BodyTimeout:          cfg.Proxy.BodyTimeout,
		KeepAliveInterval:    cfg.Proxy.KeepAliveInterval,
		MaxRetries:           cfg.Proxy.MaxRetries,
		RetryDelay:           cfg.Proxy.RetryDelay,
		SwitchOnUses:         cfg.Rotation.SwitchOnUses,
		FailureThreshold:     cfg.Rotation.FailureThreshold,
		ImmediateSwitchCodes: cfg.Rotation.ImmediateSwitchCodes,
		ResumeOnProhibit:     cfg.Proxy.ResumeOnProhibit,
		ResumeLimit:          cfg.Proxy.ResumeLimit,
		RecoveryTimeout:      cfg.Session.ConnectTimeout + cfg.Backchannel.GracePeriod,
		GracePeriod:          cfg.Backchannel.GracePeriod,
		InitialIndex:         cfg.Credentials.InitialIndex,
	}
}

func (o *Options) applyDefaults() {
	if o.StreamingMode == "" {
		o.StreamingMode = config.StreamingModeReal
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = 60 * time.Second
	}
	if o.BodyTimeout <= 0 {
		o.BodyTimeout = backchannel.DefaultDequeueTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 3 * time.Second
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 65 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = backchannel.DefaultGracePeriod
	}
}

// flight is a single-flight recovery attempt shared by concurrent requests.
type flight struct {
	done chan struct{}
	err  error
}

// Controller admits client requests, relays them over the backchannel, and
// rotates credentials.
type Controller struct {
	pool       *credential.Pool
	bc         Backchannel
	sessions   SessionEstablisher
	translator *translate.Translator
	opts       Options
	logger     *slog.Logger

	// switching is the rotation guard. Whoever wins the CompareAndSwap runs
	// the rotation and releases it.
	switching atomic.Bool

	// launchMu serializes session launches. Transitions hold it until the new
	// current index is recorded, so a launch always targets c.current.
	launchMu sync.Mutex

	mu           sync.Mutex
	current      int
	usage        int
	failures     int
	pending      bool
	active       int
	recovery     *flight
	lastOutcome  RotationOutcome
	lastRotation time.Time
	lastError    string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Controller. The starting credential is opts.InitialIndex when
// the pool holds it, otherwise the lowest valid index.
func New(pool *credential.Pool, bc Backchannel, sessions SessionEstablisher, translator *translate.Translator, opts Options, logger *slog.Logger) *Controller {
	opts.applyDefaults()

	current := pool.First()
	if pool.Contains(opts.InitialIndex) {
		current = opts.InitialIndex
	} else if opts.InitialIndex != 0 {
		logger.Warn("initial credential index not in pool, using first valid",
			"requested", opts.InitialIndex,
			"using", current,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		pool:       pool,
		bc:         bc,
		sessions:   sessions,
		translator: translator,
		opts:       opts,
		logger:     logger,
		current:    current,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Start establishes the session on the starting credential. Failure is logged
// and left to request-driven recovery.
func (c *Controller) Start(ctx context.Context) {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	index := c.CurrentIndex()
	if err := c.establish(ctx, index); err != nil {
		c.logger.Error("initial session not established, will recover on demand",
			"index", index,
			"error", err,
		)
	}
}

// Close cancels background rotation and recovery and waits for them.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// CurrentIndex returns the credential in use.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) isImmediate(status int) bool {
	for _, code := range c.opts.ImmediateSwitchCodes {
		if code == status {
			return true
		}
	}
	return false
}

// rotatingLocked reports whether admission must be refused. c.mu must be held.
func (c *Controller) rotatingLocked() bool {
	return c.pending || c.switching.Load()
}

// admit applies the admission rules and, on success, counts the request.
// Every admitted request must be paired with complete.
func (c *Controller) admit(ctx context.Context, generative bool) error {
	c.mu.Lock()
	rotating := c.rotatingLocked()
	c.mu.Unlock()
	if rotating {
		return ErrAdmissionRejected
	}

	if !c.bc.HasActiveConnection() {
		if err := c.recover(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rotatingLocked() {
		return ErrAdmissionRejected
	}
	c.active++
	if generative {
		c.usage++
		if c.opts.SwitchOnUses > 0 && c.usage >= c.opts.SwitchOnUses && !c.pending {
			c.pending = true
			c.logger.Info("usage threshold reached, switch pending",
				"index", c.current,
				"usage", c.usage,
				"switch_on_uses", c.opts.SwitchOnUses,
			)
		}
	}
	return nil
}

// complete releases an admitted request and applies failure accounting.
func (c *Controller) complete(generative bool, err error) {
	var ue *UpstreamError
	immediate := false

	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	switch {
	case errors.As(err, &ue) && c.isImmediate(ue.Status):
		immediate = true
	case errors.As(err, &ue):
		c.failures++
		if c.opts.FailureThreshold > 0 && c.failures >= c.opts.FailureThreshold && !c.pending {
			c.pending = true
			c.logger.Warn("failure threshold reached, switch pending",
				"index", c.current,
				"failures", c.failures,
				"status", ue.Status,
			)
		}
	case err == nil && generative:
		c.failures = 0
	}
	c.mu.Unlock()

	if immediate {
		c.logger.Warn("upstream status requires immediate credential switch",
			"status", ue.Status,
			"message", ue.Message,
		)
		c.goRotate("immediate")
	}
	c.maybeRotate()
}

// maybeRotate starts the deferred rotation once the last request drains.
// Claiming the guard under mu makes the rotation start exactly once.
func (c *Controller) maybeRotate() {
	c.mu.Lock()
	if !c.pending || c.active > 0 || !c.switching.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.rotateClaimed(c.baseCtx, "deferred")
	}()
}

// goRotate runs Rotate in the background.
func (c *Controller) goRotate(reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.switching.CompareAndSwap(false, true) {
			c.logger.Debug("rotation already running, skipping", "reason", reason)
			return
		}
		_, _ = c.rotateClaimed(c.baseCtx, reason)
	}()
}

// recover re-establishes the session on the current credential. Concurrent
// callers share one attempt.
func (c *Controller) recover(ctx context.Context) error {
	c.mu.Lock()
	f := c.recovery
	if f == nil {
		f = &flight{done: make(chan struct{})}
		c.recovery = f
		c.wg.Add(1)
		go c.runRecovery(f)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRecovery is detached from any client so a departing request does not
// abort a launch other requests are waiting on.
func (c *Controller) runRecovery(f *flight) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.baseCtx, c.opts.RecoveryTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if c.bc.InGrace() {
		c.logger.Info("backchannel in grace window, waiting for agent to reconnect", "index", c.CurrentIndex())
		graceCtx, graceCancel := context.WithTimeout(ctx, c.opts.GracePeriod)
		err = c.bc.WaitForConnection(graceCtx)
		graceCancel()
	}

	// A rotation that ran meanwhile may already have brought an agent up.
	c.launchMu.Lock()
	index := c.CurrentIndex()
	if c.bc.HasActiveConnection() {
		err = nil
	} else {
		c.logger.Warn("no backchannel connection, recovering session", "index", index)
		err = c.establish(ctx, index)
	}
	c.launchMu.Unlock()

	if err != nil {
		c.logger.Error("session recovery failed", "index", index, "error", err)
	} else {
		c.logger.Info("session recovered", "index", index, "elapsed", time.Since(start).Round(time.Millisecond))
	}

	c.mu.Lock()
	c.recovery = nil
	c.mu.Unlock()

	f.err = err
	close(f.done)
}

// ConnectionLost starts recovery in the background once the agent's grace
// window has expired, so the relaunch does not wait for the next client.
func (c *Controller) ConnectionLost() {
	if c.baseCtx.Err() != nil {
		return
	}
	c.logger.Warn("agent backchannel lost, relaunching session", "index", c.CurrentIndex())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.recover(c.baseCtx)
	}()
}

// establish brings the agent up on index. Callers hold launchMu.
func (c *Controller) establish(ctx context.Context, index int) error {
	profile, ok := c.pool.Get(index)
	if !ok || !profile.Valid {
		return fmt.Errorf("auth-%d: %w", index, ErrUnknownCredential)
	}
	return c.sessions.Establish(ctx, profile)
}

// Status is a point-in-time view of the controller.
type Status struct {
	CurrentIndex         int             `json:"current_index"`
	CurrentName          string          `json:"current_name"`
	UsageCount           int             `json:"usage_count"`
	SwitchOnUses         int             `json:"switch_on_uses"`
	FailureCount         int             `json:"failure_count"`
	FailureThreshold     int             `json:"failure_threshold"`
	ImmediateSwitchCodes []int           `json:"immediate_switch_codes"`
	PendingSwitch        bool            `json:"pending_switch"`
	Switching            bool            `json:"switching"`
	Recovering           bool            `json:"recovering"`
	ActiveRequests       int             `json:"active_requests"`
	ValidIndices         []int           `json:"valid_indices"`
	InvalidIndices       []int           `json:"invalid_indices"`
	CredentialSource     string          `json:"credential_source"`
	Connected            bool            `json:"connected"`
	InGrace              bool            `json:"in_grace"`
	StreamingMode        string          `json:"streaming_mode"`
	LastOutcome          RotationOutcome `json:"last_rotation_outcome,omitempty"`
	LastRotation         *time.Time      `json:"last_rotation_at,omitempty"`
	LastError            string          `json:"last_rotation_error,omitempty"`
}

// Status returns a snapshot of the rotation state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		CurrentIndex:         c.current,
		UsageCount:           c.usage,
		SwitchOnUses:         c.opts.SwitchOnUses,
		FailureCount:         c.failures,
		FailureThreshold:     c.opts.FailureThreshold,
		ImmediateSwitchCodes: append([]int(nil), c.opts.ImmediateSwitchCodes...),
		PendingSwitch:        c.pending,
		Recovering:           c.recovery != nil,
		ActiveRequests:       c.active,
		StreamingMode:        c.opts.StreamingMode,
		LastOutcome:          c.lastOutcome,
		LastError:            c.lastError,
	}
	if !c.lastRotation.IsZero() {
		at := c.lastRotation
		st.LastRotation = &at
	}
	c.mu.Unlock()

	st.Switching = c.switching.Load()
	if profile, ok := c.pool.Get(st.CurrentIndex); ok {
		st.CurrentName = profile.DisplayName
	}
	st.ValidIndices = c.pool.Valid()
	st.InvalidIndices = c.pool.Invalid()
	st.CredentialSource = c.pool.SourceName()
	st.Connected = c.bc.HasActiveConnection()
	st.InGrace = c.bc.InGrace()
	return st
}
