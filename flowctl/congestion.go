package flowctl

import "time"

// OnAck folds one RTT sample (measured from an ACK's send-timestamp) into
// the controller, then runs the congestion check and window-adjust steps
// spec §4.3 describes as a single update.
func (c *Controller) OnAck(rtt time.Duration, lossDetected bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rtt.update(rtt)
	congested := c.detectCongestion()
	c.adjust(lossDetected || congested, now)
}

// detectCongestion implements spec §4.3's signal: the RTT deque must be
// full (≥ min_rtt_samples) and the newest sample must exceed the deque's
// minimum by more than congestion_threshold percent.
func (c *Controller) detectCongestion() bool {
	if len(c.rtt.samples) < c.cfg.MinRTTSamples {
		return false
	}
	min := c.rtt.deqMin()
	if min <= 0 {
		return false
	}
	newest := c.rtt.newest()
	threshold := time.Duration(float64(min) * (1 + c.cfg.CongestionThreshold))
	return newest > threshold
}

// adjust applies the AIMD step described in spec §4.3. Callers must hold
// mu. It is a no-op if less than one average-RTT interval has elapsed
// since the last adjustment.
func (c *Controller) adjust(backoff bool, now time.Time) {
	interval := c.rtt.avg
	if interval <= 0 {
		interval = time.Millisecond
	}
	if !c.lastAdjustment.IsZero() && now.Sub(c.lastAdjustment) < interval {
		return
	}

	switch {
	case backoff:
		newSize := int(float64(c.currentSize) / c.cfg.BackoffMultiplier)
		c.currentSize = newSize
		c.inCongestionAvoidance = true
	case c.inCongestionAvoidance:
		c.currentSize += c.cfg.MaxFragmentSize
	default:
		c.currentSize = int(float64(c.currentSize) * c.cfg.RecoveryMultiplier)
	}

	if c.currentSize < c.cfg.MinWindowSize {
		c.currentSize = c.cfg.MinWindowSize
	}
	if c.currentSize > c.cfg.MaxWindowSize {
		c.currentSize = c.cfg.MaxWindowSize
	}
	if c.availableCredits > c.currentSize {
		c.availableCredits = c.currentSize
	}

	c.lastAdjustment = now
	c.wake()
}
