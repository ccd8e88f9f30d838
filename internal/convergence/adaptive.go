package convergence

// adaptiveStrategy is a reserved hook. Until a dedicated policy lands it
// behaves like hybrid with defaults.
type adaptiveStrategy struct {
	Strategy
}

func newAdaptive(p Params) Strategy {
	return &adaptiveStrategy{Strategy: newHybrid(p)}
}

func (a *adaptiveStrategy) Name() string { return "adaptive" }
