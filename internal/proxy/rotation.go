// ABOUTME: Credential rotation state machine: threshold-driven, immediate, and manual switches.
// ABOUTME: A failed switch falls back to the previous credential before giving up.

package proxy

import (
	"context"
	"fmt"
	"time"
)

// RotationOutcome is the result of a rotation attempt.
type RotationOutcome string

const (
	OutcomeSwitched   RotationOutcome = "switched"
	OutcomeRolledBack RotationOutcome = "rolled_back"
	OutcomeFailed     RotationOutcome = "failed"
)

// Rotate switches to the credential after the current one. Only one rotation
// runs at a time; concurrent callers get ErrAlreadySwitching.
func (c *Controller) Rotate(ctx context.Context) (RotationOutcome, error) {
	if !c.switching.CompareAndSwap(false, true) {
		return "", ErrAlreadySwitching
	}
	return c.rotateClaimed(ctx, "requested")
}

// SwitchTo switches to a specific credential, bypassing thresholds. A negative
// index means the next credential in rotation order. Active requests keep
// running on the old session until it goes away.
func (c *Controller) SwitchTo(ctx context.Context, index int) (RotationOutcome, error) {
	if index >= 0 && !c.pool.Contains(index) {
		return "", fmt.Errorf("auth-%d: %w", index, ErrUnknownCredential)
	}
	if !c.switching.CompareAndSwap(false, true) {
		return "", ErrAlreadySwitching
	}
	defer c.release()

	c.mu.Lock()
	c.pending = false
	previous := c.current
	c.mu.Unlock()

	if index < 0 {
		index = c.pool.Next(previous)
	}
	return c.transition(ctx, previous, index, "manual")
}

// rotateClaimed runs a rotation to the next credential. The caller must hold
// the switching guard; it is released on return.
func (c *Controller) rotateClaimed(ctx context.Context, reason string) (RotationOutcome, error) {
	defer c.release()

	c.mu.Lock()
	c.pending = false
	previous := c.current
	c.mu.Unlock()

	return c.transition(ctx, previous, c.pool.Next(previous), reason)
}

// release drops the switching guard and re-checks for a rotation requested
// while this one ran.
func (c *Controller) release() {
	c.switching.Store(false)
	c.maybeRotate()
}

// transition establishes next, falling back to previous on failure.
// A recovery launch in progress finishes first.
func (c *Controller) transition(ctx context.Context, previous, next int, reason string) (RotationOutcome, error) {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	start := time.Now()
	c.logger.Info("=== SWITCHING CREDENTIAL ===",
		"from", previous,
		"to", next,
		"reason", reason,
	)

	err := c.establish(ctx, next)
	if err == nil {
		c.finishRotation(next, OutcomeSwitched, nil)
		c.logger.Info("credential switched",
			"index", next,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return OutcomeSwitched, nil
	}

	c.logger.Warn("switch failed, falling back to previous credential",
		"from", previous,
		"to", next,
		"error", err,
	)

	if next != previous {
		rbErr := c.establish(ctx, previous)
		if rbErr == nil {
			c.finishRotation(previous, OutcomeRolledBack, err)
			c.logger.Warn("rolled back to previous credential", "index", previous)
			return OutcomeRolledBack, nil
		}
		err = fmt.Errorf("%w (fallback auth-%d: %v)", err, previous, rbErr)
	}

	c.finishRotation(previous, OutcomeFailed, err)
	c.logger.Error("credential rotation failed, no session available",
		"severity", "critical",
		"from", previous,
		"to", next,
		"error", err,
	)
	return OutcomeFailed, fmt.Errorf("%w: %v", ErrRotationFailed, err)
}

// finishRotation records the outcome and resets the counters.
func (c *Controller) finishRotation(index int, outcome RotationOutcome, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = index
	c.usage = 0
	c.failures = 0
	c.pending = false
	c.lastOutcome = outcome
	c.lastRotation = time.Now()
	c.lastError = ""
	if cause != nil {
		c.lastError = cause.Error()
	}
}
