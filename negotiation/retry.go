package negotiation

import (
	"math/rand"
	"time"
)

// RetryPolicy is the shared backoff policy spec §4.7 describes: delay grows
// exponentially from BaseDelay, capped at 10x BaseDelay, with +/-25% jitter.
// Fragment retransmission and transmission-level retry (C6) use the same
// type, grounded on kcp-go's own exponential RTO backoff in kcp.go.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultRetryPolicy returns the spec's suggested defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxRetries: 5}
}

// Delay returns the backoff delay for the given zero-based attempt number,
// with jitter applied via the package-level rand source.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

// delay takes an injectable jitter source so tests can pin the jitter.
func (p RetryPolicy) delay(attempt int, jitter func() float64) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := 1 << uint(attempt)
	d := p.BaseDelay * time.Duration(mult)
	cap := p.BaseDelay * 10
	if d > cap {
		d = cap
	}
	// jitter() in [0,1) maps to [-25%, +25%).
	factor := 1 + (jitter()*0.5 - 0.25)
	return time.Duration(float64(d) * factor)
}

// Exhausted reports whether attempt (zero-based count of retries already
// made) has reached MaxRetries.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}

// RetryEvent is the kind of notification a retry observer receives (spec
// §4.7's RetryAttempt/RetrySuccess/RetryFailure/MaxRetriesReached events).
type RetryEvent int

const (
	RetryAttempt RetryEvent = iota
	RetrySuccess
	RetryFailure
	MaxRetriesReached
)

// RetryObserver is notified of retry lifecycle events for one logical
// operation (a fragment retransmission or a transmission-level send retry).
type RetryObserver func(event RetryEvent, attempt int, err error)
