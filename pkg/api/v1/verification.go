package v1

import "time"

// Verification levels, in gate order.
const (
	LevelL0 = "L0"
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// Levels returns the verification levels in ascending order.
func Levels() []string {
	return []string{LevelL0, LevelL1, LevelL2, LevelL3}
}

// CheckResult is one named check within a verification level.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// LevelResult aggregates the checks of one verification level.
type LevelResult struct {
	Level  string        `json:"level"`
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// VerificationReport is the verifier's verdict for one snapshot.
type VerificationReport struct {
	ID          string        `json:"id"`
	Passed      bool          `json:"passed"`
	Levels      []LevelResult `json:"levels"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Level returns the result for a named level, or nil if absent.
func (r *VerificationReport) Level(name string) *LevelResult {
	for i := range r.Levels {
		if r.Levels[i].Level == name {
			return &r.Levels[i]
		}
	}
	return nil
}

// GateCheck is one check in a gate plan.
type GateCheck struct {
	Name    string `json:"name" yaml:"name"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Level   string `json:"level" yaml:"level"`
}

// GatePlan is the resolved set of checks that define "done" for a work order.
type GatePlan struct {
	Name       string         `json:"name" yaml:"name"`
	Source     GatePlanSource `json:"source" yaml:"-"`
	Checks     []GateCheck    `json:"checks" yaml:"checks"`
	SkipLevels []string       `json:"skip_levels,omitempty" yaml:"skip_levels,omitempty"`
}
