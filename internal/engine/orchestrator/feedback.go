package orchestrator

import (
	"fmt"
	"strings"

	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

const (
	// maxExcerptLen caps each failed check's detail excerpt.
	maxExcerptLen = 500
	// maxFeedbackLen caps the whole synthetic feedback string.
	maxFeedbackLen = 10000
)

// fallbackFeedback builds deterministic feedback from a failed verification
// report: failed checks in L0 to L3 order, bulleted, with truncated details.
func fallbackFeedback(report *v1.VerificationReport) string {
	var b strings.Builder
	b.WriteString("Verification failed. Address the following:\n")

	for _, levelName := range v1.Levels() {
		level := report.Level(levelName)
		if level == nil || level.Passed {
			continue
		}
		for _, check := range level.Checks {
			if check.Passed {
				continue
			}
			line := fmt.Sprintf("- [%s] %s", levelName, check.Name)
			if details := truncate(check.Details, maxExcerptLen); details != "" {
				line += ": " + details
			}
			line += "\n"
			if b.Len()+len(line) > maxFeedbackLen {
				return b.String()
			}
			b.WriteString(line)
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
