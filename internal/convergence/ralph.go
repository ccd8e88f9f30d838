package convergence

import (
	"fmt"
	"strings"
)

// defaultCompletionSignals are the phrases whose presence in agent output
// marks the task as declared done.
var defaultCompletionSignals = []string{"TASK_COMPLETE", "DONE", "ALL TESTS PASS"}

// ralphStrategy loops until the agent declares completion, its outputs
// converge (pairwise similarity within a sliding window), or the gates pass.
// A minimum iteration count is enforced before either self-stop applies.
type ralphStrategy struct {
	min        int
	threshold  float64
	windowSize int
	signals    []string

	window   []string
	progress float64
}

func newRalph(p Params) Strategy {
	min := p.RalphMinIterations
	if min <= 0 {
		min = 1
	}
	threshold := p.RalphConvergenceThreshold
	if threshold <= 0 {
		threshold = 0.05
	}
	window := p.RalphWindowSize
	if window <= 0 {
		window = 3
	}
	signals := p.CompletionSignals
	if len(signals) == 0 {
		signals = defaultCompletionSignals
	}
	return &ralphStrategy{min: min, threshold: threshold, windowSize: window, signals: signals}
}

func (r *ralphStrategy) Name() string { return "ralph" }

func (r *ralphStrategy) ShouldContinue(s State) Decision {
	r.progress = reportProgress(s.Report)
	r.window = append(r.window, s.AgentOutput)
	if len(r.window) > r.windowSize {
		r.window = r.window[len(r.window)-r.windowSize:]
	}

	if s.GatesPassed {
		return stop("all gates passed", 1)
	}
	if s.Iteration < r.min {
		return cont(fmt.Sprintf("minimum of %d iterations not reached", r.min), 0.6)
	}
	if signal := r.matchSignal(s.AgentOutput); signal != "" {
		return stop(fmt.Sprintf("completion signal %q in agent output", signal), 0.9)
	}
	if r.converged() {
		return stop(fmt.Sprintf("outputs converged: pairwise similarity >= %.2f over last %d iterations",
			1-r.threshold, r.windowSize), 0.8)
	}
	return cont("no completion signal and outputs still changing", 0.5)
}

// matchSignal returns the first configured signal found in the output,
// case-insensitively.
func (r *ralphStrategy) matchSignal(output string) string {
	lower := strings.ToLower(output)
	for _, signal := range r.signals {
		if strings.Contains(lower, strings.ToLower(signal)) {
			return signal
		}
	}
	return ""
}

// converged is true when the window is full and every output pair is at
// least 1-threshold similar.
func (r *ralphStrategy) converged() bool {
	if len(r.window) < r.windowSize {
		return false
	}
	need := 1 - r.threshold
	for i := 0; i < len(r.window); i++ {
		for j := i + 1; j < len(r.window); j++ {
			if textSimilarity(r.window[i], r.window[j]) < need {
				return false
			}
		}
	}
	return true
}

func (r *ralphStrategy) Progress() float64 { return r.progress }

func (r *ralphStrategy) Reset() {
	r.window = nil
	r.progress = 0
}
