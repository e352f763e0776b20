package secure

import (
	"sync"
	"time"
)

// AdaptiveConfig is the adaptive-record-sizing configuration spec §6 lists.
type AdaptiveConfig struct {
	Enabled      bool
	MinSize      int
	MaxSize      int
	InitialSize  int
	RTTWindow    time.Duration
	GrowthFactor float64
	ShrinkFactor float64
}

type rttSample struct {
	rtt time.Duration
	at  time.Time
}

// AdaptiveSizer grows or shrinks the target record size based on how far
// the window's average RTT has drifted above its baseline, the same
// windowed-sampling idiom kcp-go/autotune.go uses to retune its own send
// parameters over a rolling interval.
type AdaptiveSizer struct {
	cfg AdaptiveConfig

	mu             sync.Mutex
	size           int
	samples        []rttSample
	lastAdjustment time.Time
}

// NewAdaptiveSizer builds a sizer starting at cfg.InitialSize.
func NewAdaptiveSizer(cfg AdaptiveConfig) *AdaptiveSizer {
	size := cfg.InitialSize
	if size < cfg.MinSize {
		size = cfg.MinSize
	}
	if size > cfg.MaxSize {
		size = cfg.MaxSize
	}
	return &AdaptiveSizer{cfg: cfg, size: size}
}

// Size returns the current target record size.
func (a *AdaptiveSizer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Observe folds one RTT sample in, pruning samples outside cfg.RTTWindow.
// At most once per RTTWindow it computes the window's average RTT and its
// baseline (the window's minimum RTT), then grows the record size when
// avg/baseline is below 1.1 or shrinks it when the ratio exceeds 1.5,
// leaving the size unchanged in between, mirroring the gating
// flowctl.Controller.adjust uses to limit itself to one AIMD step per
// RTT interval.
func (a *AdaptiveSizer) Observe(rtt time.Duration, now time.Time) {
	if !a.cfg.Enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, rttSample{rtt: rtt, at: now})
	cutoff := now.Add(-a.cfg.RTTWindow)
	i := 0
	for i < len(a.samples) && a.samples[i].at.Before(cutoff) {
		i++
	}
	a.samples = a.samples[i:]
	if len(a.samples) == 0 {
		return
	}

	if !a.lastAdjustment.IsZero() && now.Sub(a.lastAdjustment) < a.cfg.RTTWindow {
		return
	}

	var sum, baseline time.Duration
	for i, s := range a.samples {
		sum += s.rtt
		if i == 0 || s.rtt < baseline {
			baseline = s.rtt
		}
	}
	if baseline <= 0 {
		return
	}
	avg := sum / time.Duration(len(a.samples))
	ratio := float64(avg) / float64(baseline)

	switch {
	case ratio < 1.1:
		a.size = int(float64(a.size) * a.cfg.GrowthFactor)
	case ratio > 1.5:
		a.size = int(float64(a.size) * a.cfg.ShrinkFactor)
	}
	if a.size < a.cfg.MinSize {
		a.size = a.cfg.MinSize
	}
	if a.size > a.cfg.MaxSize {
		a.size = a.cfg.MaxSize
	}
	a.lastAdjustment = now
}
