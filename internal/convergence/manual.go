package convergence

// manualStrategy never stops on its own; only gates passing or an external
// cancel terminate the run.
type manualStrategy struct {
	progress float64
}

func newManual(Params) Strategy { return &manualStrategy{} }

func (m *manualStrategy) Name() string { return "manual" }

func (m *manualStrategy) ShouldContinue(s State) Decision {
	m.progress = reportProgress(s.Report)
	if s.GatesPassed {
		return stop("all gates passed", 1)
	}
	return cont("manual strategy never self-stops", 1)
}

func (m *manualStrategy) Progress() float64 { return m.progress }

func (m *manualStrategy) Reset() { m.progress = 0 }
