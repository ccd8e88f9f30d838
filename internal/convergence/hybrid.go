package convergence

import "fmt"

// hybridStrategy runs a base number of iterations unconditionally, then
// grants bonus iterations only while progress stays at or above a threshold.
// Identical snapshot fingerprints across the last three iterations stop it
// early.
type hybridStrategy struct {
	base      int
	bonus     int
	threshold float64

	fingerprints []string
	progress     float64
	lastProgress float64
	trend        Trend
}

func newHybrid(p Params) Strategy {
	base := p.HybridBase
	if base <= 0 {
		base = 3
	}
	bonus := p.HybridBonus
	if bonus <= 0 {
		bonus = 2
	}
	threshold := p.HybridThreshold
	if threshold <= 0 {
		threshold = 0.1
	}
	return &hybridStrategy{base: base, bonus: bonus, threshold: threshold, trend: TrendStagnant}
}

func (h *hybridStrategy) Name() string { return "hybrid" }

func (h *hybridStrategy) ShouldContinue(s State) Decision {
	h.lastProgress = h.progress
	h.progress = reportProgress(s.Report)
	h.trend = progressTrend(h.lastProgress, h.progress)
	if s.SnapshotFingerprint != "" {
		h.fingerprints = append(h.fingerprints, s.SnapshotFingerprint)
	}

	if s.GatesPassed {
		return stop("all gates passed", 1)
	}
	if h.loopDetected() {
		return stop("loop detected: identical snapshots in last 3 iterations", 0.9)
	}
	if s.Iteration < h.base {
		return cont(fmt.Sprintf("base iteration %d of %d", s.Iteration, h.base), 0.6)
	}
	if s.Iteration >= h.base+h.bonus {
		return stop(fmt.Sprintf("bonus budget of %d exhausted", h.bonus), 1)
	}
	if h.progress >= h.threshold {
		return cont(fmt.Sprintf("progress %.2f above threshold %.2f (%s)", h.progress, h.threshold, h.trend), 0.7)
	}
	return stop(fmt.Sprintf("progress %.2f below threshold %.2f (%s)", h.progress, h.threshold, h.trend), 0.8)
}

// loopDetected is true iff the last three fingerprints are pairwise equal.
func (h *hybridStrategy) loopDetected() bool {
	n := len(h.fingerprints)
	if n < 3 {
		return false
	}
	last := h.fingerprints[n-3:]
	return last[0] == last[1] && last[1] == last[2]
}

func (h *hybridStrategy) Progress() float64 { return h.progress }

func (h *hybridStrategy) Reset() {
	h.fingerprints = nil
	h.progress = 0
	h.lastProgress = 0
	h.trend = TrendStagnant
}
