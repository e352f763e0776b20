// Package flowctl implements the FlowController component (spec §4.3): a
// sliding send window with RTT-based congestion response, gating how much
// unacknowledged data may be in flight at once.
package flowctl

import (
	"context"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// Config holds the tunables spec §6 lists under the "flow" configuration
// group.
type Config struct {
	InitialWindowSize  int
	MinWindowSize      int
	MaxWindowSize      int
	RTTSmoothingFactor float64 // EMA smoothing factor, default 1/8.
	CongestionThreshold float64 // fraction, e.g. 0.25 for 25%.
	BackoffMultiplier  float64
	RecoveryMultiplier float64
	MinRTTSamples      int
	MaxFragmentSize    int
}

// DefaultConfig mirrors the spec's stated defaults (§4.3, §6).
func DefaultConfig() Config {
	return Config{
		InitialWindowSize:   64 * 1024,
		MinWindowSize:       4 * 1024,
		MaxWindowSize:       1024 * 1024,
		RTTSmoothingFactor:  0.125,
		CongestionThreshold: 0.25,
		BackoffMultiplier:   2.0,
		RecoveryMultiplier:  1.5,
		MinRTTSamples:       4,
		MaxFragmentSize:     1400,
	}
}

// Controller is the per-channel window singleton (spec §4.3). Zero value is
// not usable; build with New.
type Controller struct {
	cfg Config

	mu                    sync.Mutex
	currentSize           int
	availableCredits      int
	inCongestionAvoidance bool
	lastAdjustment        time.Time
	notify                chan struct{}

	rtt *rttTracker
}

// New builds a Controller with the window starting at cfg.InitialWindowSize
// and fully credited.
func New(cfg Config) (*Controller, error) {
	if cfg.MinWindowSize <= 0 || cfg.MaxWindowSize < cfg.MinWindowSize {
		return nil, xerr.New(xerr.Validation, "flowctl.New")
	}
	initial := cfg.InitialWindowSize
	if initial < cfg.MinWindowSize {
		initial = cfg.MinWindowSize
	}
	if initial > cfg.MaxWindowSize {
		initial = cfg.MaxWindowSize
	}
	return &Controller{
		cfg:              cfg,
		currentSize:      initial,
		availableCredits: initial,
		notify:           make(chan struct{}),
		rtt:              newRTTTracker(cfg.RTTSmoothingFactor, cfg.MinRTTSamples+1),
	}, nil
}

// CurrentSize returns the current window size in bytes.
func (c *Controller) CurrentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// AvailableCredits returns the currently admissible byte budget.
func (c *Controller) AvailableCredits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableCredits
}

// InCongestionAvoidance reports whether the window is currently backing off.
func (c *Controller) InCongestionAvoidance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCongestionAvoidance
}

// Acquire blocks until n bytes of window space are available (decrementing
// available_credits on success) or ctx is done, whichever comes first.
func (c *Controller) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	for {
		c.mu.Lock()
		if n > c.currentSize {
			c.mu.Unlock()
			return xerr.New(xerr.Validation, "flowctl.Acquire")
		}
		if c.availableCredits >= n {
			c.availableCredits -= n
			c.mu.Unlock()
			return nil
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return xerr.Wrap(xerr.Resource, "flowctl.Acquire", ctx.Err())
		}
	}
}

// Release restores n bytes of credit, clamped so credits never exceed the
// current window size (spec §3 invariant).
func (c *Controller) Release(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.availableCredits += n
	if c.availableCredits > c.currentSize {
		c.availableCredits = c.currentSize
	}
	c.wake()
	c.mu.Unlock()
}

// wake must be called with mu held; it unblocks every current Acquire
// waiter by closing and replacing the notify channel.
func (c *Controller) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}
