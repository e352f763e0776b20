// Package strategy implements the StrategyAdapter component (spec §4.9):
// it reads detailed metrics from a feedback.Store on a tick, derives a
// candidate TransmissionConfig, and publishes it when it differs from the
// current one.
package strategy

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/errcorr"
	"github.com/xenocomm/xenocomm/feedback"
	"github.com/xenocomm/xenocomm/negotiation"
	"github.com/xenocomm/xenocomm/xconfig"
)

// Thresholds gates when the adapter proposes a change
// (original_source/strategy_adapter.h's AdaptationThresholds).
type Thresholds struct {
	ErrorThreshold       float64
	LatencyThresholdMS   float64
	ThroughputThresholdBps float64
	LatencySensitivity   float64 // 0..1, scales the fragment-size shrink
	MinSamplesRequired   int
	EvaluationWindow     time.Duration
}

// DefaultThresholds mirrors strategy_adapter.h's AdaptationThresholds
// defaults, translated to this module's units.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorThreshold:         0.05,
		LatencyThresholdMS:     200,
		ThroughputThresholdBps: 1024,
		LatencySensitivity:     0.5,
		MinSamplesRequired:     100,
		EvaluationWindow:       5 * time.Minute,
	}
}

// Listener is notified whenever the adapter publishes a new config.
type Listener func(cfg xconfig.Config, explanation string)

// Publisher receives the adapter's candidate config (TransmissionManager's
// SetConfig in production, a test double in tests).
type Publisher interface {
	SetConfig(cfg xconfig.Config)
}

// Adapter is the tick-driven config optimizer (spec §4.9).
type Adapter struct {
	mu         sync.Mutex
	store      *feedback.Store
	publisher  Publisher
	thresholds Thresholds
	current    xconfig.Config
	listener   Listener

	abTest *abTest
}

// New builds an Adapter starting from initial as the current config.
func New(store *feedback.Store, publisher Publisher, initial xconfig.Config) *Adapter {
	return &Adapter{
		store:      store,
		publisher:  publisher,
		thresholds: DefaultThresholds(),
		current:    initial,
	}
}

// SetThresholds replaces the adaptation thresholds.
func (a *Adapter) SetThresholds(t Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = t
}

// SetListener registers a callback invoked whenever a new config publishes.
func (a *Adapter) SetListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
}

// Tick evaluates the store's current detailed metrics and, if warranted,
// derives and publishes a new config. It returns the explanation string
// when a change was published, or "" if nothing changed.
func (a *Adapter) Tick() string {
	metrics, ok := a.store.DetailedMetrics()
	if !ok {
		return ""
	}

	a.mu.Lock()
	thresholds := a.thresholds
	current := a.current
	a.mu.Unlock()

	if metrics.Basic.TotalTransactions < uint32(thresholds.MinSamplesRequired) {
		return ""
	}

	candidate, reasons := recommend(current, metrics, thresholds)
	if len(reasons) == 0 || reflect.DeepEqual(candidate, current) {
		return ""
	}

	explanation := explain(reasons)
	a.mu.Lock()
	a.current = candidate
	listener := a.listener
	a.mu.Unlock()

	a.publisher.SetConfig(candidate)
	if listener != nil {
		listener(candidate, explanation)
	}
	return explanation
}

func explain(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// recommend computes the candidate config and the list of reasons any
// field changed, applying spec §4.9's three independent rules.
func recommend(current xconfig.Config, m feedback.DetailedMetrics, t Thresholds) (xconfig.Config, []string) {
	candidate := current
	var reasons []string

	if m.Basic.ErrorRate > t.ErrorThreshold {
		reasons = append(reasons, fmt.Sprintf("escalating error correction: error rate %.3f exceeds threshold %.3f (apply via EscalateErrorCorrection)", m.Basic.ErrorRate, t.ErrorThreshold))
	}

	if m.LatencyTrend.TrendSlope > 0 && m.Basic.AverageLatency.Seconds()*1000 > t.LatencyThresholdMS {
		shrink := 0.20 * clamp01(t.LatencySensitivity)
		newSize := int(float64(candidate.Fragment.MaxFragmentSize) * (1 - shrink))
		newSize = clampInt(newSize, 512, 16384)
		if newSize != candidate.Fragment.MaxFragmentSize {
			candidate.Fragment.MaxFragmentSize = newSize
			reasons = append(reasons, fmt.Sprintf("shrank max_fragment_size to %d: rising latency trend above %.0fms", newSize, t.LatencyThresholdMS))
		}

		newTimeout := int(float64(candidate.Retransmission.RetryTimeoutMS) * 1.10)
		if newTimeout != candidate.Retransmission.RetryTimeoutMS {
			candidate.Retransmission.RetryTimeoutMS = newTimeout
			reasons = append(reasons, fmt.Sprintf("raised retry_timeout_ms to %d: rising latency trend", newTimeout))
		}
	}

	if m.ThroughputTrend.TrendSlope < 0 && m.Basic.ThroughputBytesPerSec < t.ThroughputThresholdBps {
		newWindow := int(float64(candidate.Flow.InitialWindowSize) * 0.85)
		newWindow = clampInt(newWindow, candidate.Flow.MinWindowSize, candidate.Flow.MaxWindowSize)
		if newWindow != candidate.Flow.InitialWindowSize {
			candidate.Flow.InitialWindowSize = newWindow
			reasons = append(reasons, fmt.Sprintf("shrank initial_window_size to %d: degrading throughput trend", newWindow))
		}

		newCongestion := candidate.Flow.CongestionThreshold * 1.10
		if newCongestion != candidate.Flow.CongestionThreshold {
			candidate.Flow.CongestionThreshold = newCongestion
			reasons = append(reasons, fmt.Sprintf("raised congestion_threshold to %.3f: degrading throughput trend", newCongestion))
		}
	}

	return candidate, reasons
}

// EscalateErrorCorrection implements spec §4.9's escalation path over a
// negotiation.ErrorCorrection value: NONE -> CHECKSUM -> REED_SOLOMON,
// then (once already at REED_SOLOMON) enabling interleaving on the coder.
func EscalateErrorCorrection(ec negotiation.ErrorCorrection, coder *errcorr.ReedSolomon) negotiation.ErrorCorrection {
	switch ec {
	case negotiation.ErrorCorrectionNone:
		return negotiation.ErrorCorrectionChecksum
	case negotiation.ErrorCorrectionChecksum:
		return negotiation.ErrorCorrectionReedSolomon
	case negotiation.ErrorCorrectionReedSolomon:
		if coder != nil {
			coder.SetInterleaved(true)
		}
		return negotiation.ErrorCorrectionReedSolomon
	default:
		return ec
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
