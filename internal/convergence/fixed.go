package convergence

import "fmt"

// fixedStrategy runs up to N iterations, stopping early only when the gates
// pass.
type fixedStrategy struct {
	max      int
	progress float64
}

func newFixed(p Params) Strategy {
	max := p.MaxIterations
	if max <= 0 {
		max = 3
	}
	return &fixedStrategy{max: max}
}

func (f *fixedStrategy) Name() string { return "fixed" }

func (f *fixedStrategy) ShouldContinue(s State) Decision {
	f.progress = reportProgress(s.Report)
	if s.GatesPassed {
		return stop("all gates passed", 1)
	}
	if s.Iteration >= f.max {
		return stop(fmt.Sprintf("iteration budget of %d exhausted", f.max), 1)
	}
	return cont(fmt.Sprintf("iteration %d of %d", s.Iteration, f.max), 0.5)
}

func (f *fixedStrategy) Progress() float64 { return f.progress }

func (f *fixedStrategy) Reset() { f.progress = 0 }
