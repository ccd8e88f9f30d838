package convergence

import v1 "github.com/agentgate/agentgate/pkg/api/v1"

// Trend classifies progress movement between two measurements.
type Trend string

const (
	TrendImproving  Trend = "improving"
	TrendRegressing Trend = "regressing"
	TrendStagnant   Trend = "stagnant"
)

// trendBand is the dead zone around the previous value inside which movement
// counts as stagnant.
const trendBand = 0.05

// reportProgress measures how close a verification report is to passing:
// 1 when it passed outright, otherwise the fraction of levels that passed.
func reportProgress(r *v1.VerificationReport) float64 {
	if r == nil {
		return 0
	}
	if r.Passed {
		return 1
	}
	if len(r.Levels) == 0 {
		return 0
	}
	passed := 0
	for _, level := range r.Levels {
		if level.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(r.Levels))
}

// progressTrend compares the current progress against the previous value.
func progressTrend(prev, cur float64) Trend {
	switch {
	case cur > prev+trendBand:
		return TrendImproving
	case cur < prev-trendBand:
		return TrendRegressing
	default:
		return TrendStagnant
	}
}
