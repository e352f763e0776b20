package strategy

import (
	"math"
	"time"

	"github.com/xenocomm/xenocomm/feedback"
	"github.com/xenocomm/xenocomm/xerr"
)

// Result is spec §4.9's A/B comparison outcome
// (original_source/strategy_adapter.h's ABTestResult).
type Result struct {
	StrategyA, StrategyB       string
	SuccessRateDiff            float64
	LatencyDiff                time.Duration
	IsSignificant              bool
	RecommendedStrategy        string
	Explanation                string
}

// abTest tracks two named strategies' outcomes for one comparison window.
// All access goes through the owning Adapter's mutex.
type abTest struct {
	a, b     string
	deadline time.Time
	outcomes map[string][]feedback.Outcome
}

// StartABTest begins routing record_outcome calls for the named strategies
// (spec §4.9) and records now+duration as the test's deadline. Neither
// RecordABTestOutcome nor ABTestResults consults that deadline: outcomes
// are accepted and results computed at any time until the next
// StartABTest replaces the test.
func (a *Adapter) StartABTest(strategyA, strategyB string, duration time.Duration, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abTest = &abTest{
		a: strategyA, b: strategyB,
		deadline: now.Add(duration),
		outcomes: map[string][]feedback.Outcome{strategyA: nil, strategyB: nil},
	}
}

// RecordABTestOutcome routes one outcome to the named strategy's sample
// set. It is an error to record against a strategy name the active test
// did not start with.
func (a *Adapter) RecordABTestOutcome(strategy string, outcome feedback.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abTest == nil {
		return xerr.New(xerr.Validation, "strategy.RecordABTestOutcome")
	}
	if _, ok := a.abTest.outcomes[strategy]; !ok {
		return xerr.New(xerr.Validation, "strategy.RecordABTestOutcome")
	}
	a.abTest.outcomes[strategy] = append(a.abTest.outcomes[strategy], outcome)
	return nil
}

// ABTestResults compares the two strategies' accumulated outcomes (spec
// §4.9). A difference is significant when
// |successRateA - successRateB| > 2*sqrt(1/nA + 1/nB); the better strategy
// (by success rate, ties broken by lower mean latency) is recommended when
// significant, otherwise strategy A is recommended by default.
func (a *Adapter) ABTestResults() (Result, error) {
	a.mu.Lock()
	test := a.abTest
	var aOutcomes, bOutcomes []feedback.Outcome
	if test != nil {
		aOutcomes = append([]feedback.Outcome(nil), test.outcomes[test.a]...)
		bOutcomes = append([]feedback.Outcome(nil), test.outcomes[test.b]...)
	}
	a.mu.Unlock()
	if test == nil {
		return Result{}, xerr.New(xerr.Validation, "strategy.ABTestResults")
	}

	aSuccess, aLatency := successRateAndMeanLatency(aOutcomes)
	bSuccess, bLatency := successRateAndMeanLatency(bOutcomes)

	nA, nB := float64(len(aOutcomes)), float64(len(bOutcomes))
	significant := false
	if nA > 0 && nB > 0 {
		threshold := 2 * math.Sqrt(1/nA+1/nB)
		significant = math.Abs(aSuccess-bSuccess) > threshold
	}

	recommended := test.a
	if significant {
		switch {
		case bSuccess > aSuccess:
			recommended = test.b
		case bSuccess == aSuccess && bLatency < aLatency:
			recommended = test.b
		}
	}

	explanation := "no significant difference; defaulting to " + test.a
	if significant {
		explanation = recommended + " significantly outperforms the other strategy"
	}

	return Result{
		StrategyA:            test.a,
		StrategyB:            test.b,
		SuccessRateDiff:       aSuccess - bSuccess,
		LatencyDiff:           aLatency - bLatency,
		IsSignificant:         significant,
		RecommendedStrategy:   recommended,
		Explanation:           explanation,
	}, nil
}

func successRateAndMeanLatency(outcomes []feedback.Outcome) (successRate float64, meanLatency time.Duration) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	var successes int
	var total time.Duration
	for _, o := range outcomes {
		if o.Success {
			successes++
		}
		total += o.Latency
	}
	return float64(successes) / float64(len(outcomes)), total / time.Duration(len(outcomes))
}
