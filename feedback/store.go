// Package feedback implements the FeedbackStore component (spec §4.8): an
// append-only, bounded record of CommunicationOutcomes and named metric
// time-series, plus the statistical and persistence machinery built on top
// of it.
package feedback

import (
	"sort"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// Outcome is one reported CommunicationOutcome (spec §4.8,
// original_source/feedback_loop.h's CommunicationOutcome).
type Outcome struct {
	Success          bool
	Latency          time.Duration
	BytesTransferred uint32
	RetryCount       uint32
	ErrorCount       uint32
	ErrorType        string
	Timestamp        time.Time
}

// MetricSample is one (timestamp, value) point in a named metric series.
type MetricSample struct {
	Value     float64
	Timestamp time.Time
}

// Config configures a Store (spec §4.8/§6).
type Config struct {
	MetricsWindowSize      time.Duration
	MaxStoredOutcomes      int
	EnableDetailedAnalysis bool
	ForecastHorizon        int
	OutlierThreshold       float64
}

// DefaultConfig mirrors feedback_loop.h's FeedbackLoopConfig defaults.
func DefaultConfig() Config {
	return Config{
		MetricsWindowSize:      5 * time.Minute,
		MaxStoredOutcomes:      10000,
		EnableDetailedAnalysis: true,
		ForecastHorizon:        12,
		OutlierThreshold:       3.0,
	}
}

// Store is the bounded, thread-safe outcome/metric ring spec §4.8
// describes. Both outcomes and metric series share the same dual pruning
// rule: drop anything older than MetricsWindowSize, then trim from the
// front until at most MaxStoredOutcomes remain.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	outcomes []Outcome
	metrics  map[string][]MetricSample
}

// New builds a Store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg, metrics: make(map[string][]MetricSample)}
}

// SetConfig swaps the active configuration and immediately re-applies
// pruning under the new bounds.
func (s *Store) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.pruneLocked(time.Now())
}

// Config returns the active configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ReportOutcome appends one outcome, pruning expired/excess entries.
func (s *Store) ReportOutcome(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	s.pruneLocked(time.Now())
}

// RecordMetric appends one sample to a named series, under the same
// pruning rule as outcomes.
func (s *Store) RecordMetric(name string, value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = append(s.metrics[name], MetricSample{Value: value, Timestamp: at})
	s.pruneLocked(time.Now())
}

// pruneLocked must be called with mu held.
func (s *Store) pruneLocked(now time.Time) {
	if s.cfg.MetricsWindowSize > 0 {
		cutoff := now.Add(-s.cfg.MetricsWindowSize)
		s.outcomes = dropBefore(s.outcomes, cutoff)
		for name, samples := range s.metrics {
			s.metrics[name] = dropMetricsBefore(samples, cutoff)
			if len(s.metrics[name]) == 0 {
				delete(s.metrics, name)
			}
		}
	}
	if s.cfg.MaxStoredOutcomes > 0 && len(s.outcomes) > s.cfg.MaxStoredOutcomes {
		excess := len(s.outcomes) - s.cfg.MaxStoredOutcomes
		s.outcomes = s.outcomes[excess:]
	}
	if s.cfg.MaxStoredOutcomes > 0 {
		for name, samples := range s.metrics {
			if len(samples) > s.cfg.MaxStoredOutcomes {
				s.metrics[name] = samples[len(samples)-s.cfg.MaxStoredOutcomes:]
			}
		}
	}
}

func dropBefore(outcomes []Outcome, cutoff time.Time) []Outcome {
	idx := 0
	for idx < len(outcomes) && outcomes[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return outcomes[idx:]
}

func dropMetricsBefore(samples []MetricSample, cutoff time.Time) []MetricSample {
	idx := 0
	for idx < len(samples) && samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}

// RecentOutcomes returns up to limit of the most recently reported
// outcomes, oldest first. limit <= 0 means no limit.
func (s *Store) RecentOutcomes(limit int) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.outcomes) {
		out := make([]Outcome, len(s.outcomes))
		copy(out, s.outcomes)
		return out
	}
	start := len(s.outcomes) - limit
	out := make([]Outcome, limit)
	copy(out, s.outcomes[start:])
	return out
}

// MetricValue returns the most recent sample recorded for name.
func (s *Store) MetricValue(name string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.metrics[name]
	if len(samples) == 0 {
		return 0, xerr.New(xerr.Validation, "feedback.MetricValue")
	}
	return samples[len(samples)-1].Value, nil
}

// MetricHistory returns the samples of name within [start, end].
func (s *Store) MetricHistory(name string, start, end time.Time) []MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MetricSample
	for _, sample := range s.metrics[name] {
		if sample.Timestamp.Before(start) || sample.Timestamp.After(end) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

// OutcomesByTimeRange returns outcomes whose timestamp falls in [start,end].
func (s *Store) OutcomesByTimeRange(start, end time.Time) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Outcome
	for _, o := range s.outcomes {
		if o.Timestamp.Before(start) || o.Timestamp.After(end) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// MetricsSummary is spec §4.8's aggregated-metrics-for-a-window result.
type MetricsSummary struct {
	SuccessRate             float64
	AverageLatency          time.Duration
	ThroughputBytesPerSec   float64
	ErrorRate               float64
	TotalTransactions       uint32
	WindowStart, WindowEnd  time.Time
}

// CurrentMetrics computes MetricsSummary over the currently retained
// outcomes (spec §4.8).
func (s *Store) CurrentMetrics() MetricsSummary {
	s.mu.Lock()
	outcomes := make([]Outcome, len(s.outcomes))
	copy(outcomes, s.outcomes)
	s.mu.Unlock()
	return summarize(outcomes)
}

func summarize(outcomes []Outcome) MetricsSummary {
	if len(outcomes) == 0 {
		return MetricsSummary{}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Timestamp.Before(outcomes[j].Timestamp) })

	var successes, errors int
	var totalLatency time.Duration
	var totalBytes uint64
	for _, o := range outcomes {
		if o.Success {
			successes++
		}
		if o.ErrorCount > 0 {
			errors++
		}
		totalLatency += o.Latency
		totalBytes += uint64(o.BytesTransferred)
	}

	start := outcomes[0].Timestamp
	end := outcomes[len(outcomes)-1].Timestamp
	span := end.Sub(start).Seconds()
	throughput := 0.0
	if span > 0 {
		throughput = float64(totalBytes) / span
	}

	n := len(outcomes)
	return MetricsSummary{
		SuccessRate:           float64(successes) / float64(n),
		AverageLatency:        totalLatency / time.Duration(n),
		ThroughputBytesPerSec: throughput,
		ErrorRate:             float64(errors) / float64(n),
		TotalTransactions:     uint32(n),
		WindowStart:           start,
		WindowEnd:             end,
	}
}

// Outliers returns outcomes whose latency's z-score exceeds the
// configured OutlierThreshold (spec §4.8).
func (s *Store) Outliers() []Outcome {
	s.mu.Lock()
	outcomes := make([]Outcome, len(s.outcomes))
	copy(outcomes, s.outcomes)
	threshold := s.cfg.OutlierThreshold
	s.mu.Unlock()
	if threshold <= 0 || len(outcomes) == 0 {
		return nil
	}

	latencies := make([]float64, len(outcomes))
	for i, o := range outcomes {
		latencies[i] = float64(o.Latency)
	}
	mean, stddev := meanStddev(latencies)
	if stddev == 0 {
		return nil
	}

	var out []Outcome
	for i, o := range outcomes {
		z := (latencies[i] - mean) / stddev
		if z < 0 {
			z = -z
		}
		if z > threshold {
			out = append(out, o)
		}
	}
	return out
}
