package feedback

import "math"

// TimeSeriesAnalysis is spec §4.8's trend-analysis result
// (original_source/feedback_loop.h's TimeSeriesAnalysis; seasonality is
// dropped here per spec.md's Non-goals, which never asks for it).
type TimeSeriesAnalysis struct {
	TrendSlope      float64
	Autocorrelation float64
	IsStationary    bool
	Forecast        []float64
}

// analyzeSeries fits a simple linear trend (least squares against index),
// computes the lag-1 autocorrelation, and extrapolates horizon future
// points from the fitted line, matching spec §4.8's trend-analysis
// contract. A series is declared stationary when the fitted slope's
// magnitude is below 0.1 (spec §4.8).
func analyzeSeries(values []float64, horizon int) TimeSeriesAnalysis {
	n := len(values)
	if n < 2 {
		return TimeSeriesAnalysis{IsStationary: true}
	}

	slope, intercept := linearFit(values)
	auto := lag1Autocorrelation(values)

	forecast := make([]float64, 0, horizon)
	for i := 1; i <= horizon; i++ {
		x := float64(n-1+i)
		forecast = append(forecast, slope*x+intercept)
	}

	return TimeSeriesAnalysis{
		TrendSlope:      slope,
		Autocorrelation: auto,
		IsStationary:    math.Abs(slope) < 0.1,
		Forecast:        forecast,
	}
}

// linearFit computes the ordinary least squares slope/intercept of values
// against their index 0..n-1.
func linearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func lag1Autocorrelation(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean, _ := meanStddev(values)
	var num, den float64
	for i := 0; i < n-1; i++ {
		num += (values[i] - mean) * (values[i+1] - mean)
	}
	for i := 0; i < n; i++ {
		den += (values[i] - mean) * (values[i] - mean)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// LatencyTrend analyzes the retained outcomes' latency series in arrival
// order.
func (s *Store) LatencyTrend() TimeSeriesAnalysis {
	outcomes := s.RecentOutcomes(0)
	values := make([]float64, len(outcomes))
	for i, o := range outcomes {
		values[i] = float64(o.Latency.Microseconds())
	}
	return analyzeSeries(values, s.Config().ForecastHorizon)
}

// ThroughputTrend analyzes the retained outcomes' per-outcome throughput
// series in arrival order.
func (s *Store) ThroughputTrend() TimeSeriesAnalysis {
	outcomes := s.RecentOutcomes(0)
	var values []float64
	for _, o := range outcomes {
		if o.Latency <= 0 {
			continue
		}
		values = append(values, float64(o.BytesTransferred)/o.Latency.Seconds())
	}
	return analyzeSeries(values, s.Config().ForecastHorizon)
}

// ErrorRateTrend analyzes a 0/1 series of whether each outcome reported an
// error, in arrival order.
func (s *Store) ErrorRateTrend() TimeSeriesAnalysis {
	outcomes := s.RecentOutcomes(0)
	values := make([]float64, len(outcomes))
	for i, o := range outcomes {
		if o.ErrorCount > 0 {
			values[i] = 1
		}
	}
	return analyzeSeries(values, s.Config().ForecastHorizon)
}
