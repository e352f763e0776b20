package feedback

import (
	"math"
	"sort"
)

// DistributionStats is spec §4.8's statistical summary of a numeric
// sample set (original_source/feedback_loop.h's DistributionStats).
type DistributionStats struct {
	Min, Max           float64
	Mean               float64
	Median             float64
	StandardDeviation  float64
	P90, P95, P99      float64
}

func distribution(values []float64) DistributionStats {
	if len(values) == 0 {
		return DistributionStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean, stddev := meanStddev(sorted)
	return DistributionStats{
		Min:               sorted[0],
		Max:               sorted[len(sorted)-1],
		Mean:              mean,
		Median:            percentile(sorted, 0.5),
		StandardDeviation: stddev,
		P90:               percentile(sorted, 0.90),
		P95:               percentile(sorted, 0.95),
		P99:               percentile(sorted, 0.99),
	}
}

// percentile indexes a sorted slice at floor(n*q), matching spec §4.8's
// percentile definition exactly (no interpolation between ranks).
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / float64(len(values)))
	return mean, stddev
}

// LatencyDistribution reports DistributionStats over currently retained
// outcomes' latencies, in microseconds.
func (s *Store) LatencyDistribution() DistributionStats {
	outcomes := s.RecentOutcomes(0)
	values := make([]float64, len(outcomes))
	for i, o := range outcomes {
		values[i] = float64(o.Latency.Microseconds())
	}
	return distribution(values)
}

// ThroughputDistribution reports DistributionStats over per-outcome
// instantaneous throughput (bytesTransferred / latency), in bytes/sec.
func (s *Store) ThroughputDistribution() DistributionStats {
	outcomes := s.RecentOutcomes(0)
	var values []float64
	for _, o := range outcomes {
		if o.Latency <= 0 {
			continue
		}
		values = append(values, float64(o.BytesTransferred)/o.Latency.Seconds())
	}
	return distribution(values)
}

// RetryDistribution reports DistributionStats over retry counts.
func (s *Store) RetryDistribution() DistributionStats {
	outcomes := s.RecentOutcomes(0)
	values := make([]float64, len(outcomes))
	for i, o := range outcomes {
		values[i] = float64(o.RetryCount)
	}
	return distribution(values)
}

// ErrorTypeFrequency tallies occurrences of each non-empty ErrorType
// across currently retained outcomes.
func (s *Store) ErrorTypeFrequency() map[string]uint32 {
	outcomes := s.RecentOutcomes(0)
	freq := make(map[string]uint32)
	for _, o := range outcomes {
		if o.ErrorType == "" {
			continue
		}
		freq[o.ErrorType]++
	}
	return freq
}

// DetailedMetrics bundles every aggregate view in one call, matching
// feedback_loop.h's getDetailedMetrics() (spec.md's distillation only
// exposed the individual pieces; kept here since it's a convenient single
// call the original offers).
type DetailedMetrics struct {
	Basic            MetricsSummary
	LatencyStats     DistributionStats
	ThroughputStats  DistributionStats
	RetryStats       DistributionStats
	ErrorTypeFreq    map[string]uint32
	LatencyTrend     TimeSeriesAnalysis
	ThroughputTrend  TimeSeriesAnalysis
	ErrorRateTrend   TimeSeriesAnalysis
}

// DetailedMetrics computes every statistical view at once, only when
// EnableDetailedAnalysis is set (spec §4.8/§6).
func (s *Store) DetailedMetrics() (DetailedMetrics, bool) {
	if !s.Config().EnableDetailedAnalysis {
		return DetailedMetrics{}, false
	}
	return DetailedMetrics{
		Basic:           s.CurrentMetrics(),
		LatencyStats:    s.LatencyDistribution(),
		ThroughputStats: s.ThroughputDistribution(),
		RetryStats:      s.RetryDistribution(),
		ErrorTypeFreq:   s.ErrorTypeFrequency(),
		LatencyTrend:    s.LatencyTrend(),
		ThroughputTrend: s.ThroughputTrend(),
		ErrorRateTrend:  s.ErrorRateTrend(),
	}, true
}
