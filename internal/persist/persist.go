// Package persist writes run artifacts to the filesystem as JSON, one
// directory per run with one subdirectory per iteration:
//
//	<root>/runs/<runId>/iterations/<n>/agent-result.json
//	<root>/runs/<runId>/iterations/<n>/verification.json
//	<root>/runs/<runId>/run.json
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

const dirPerm = 0o755

// FSPersister stores artifacts under a root directory. Writes are
// last-wins; a re-run iteration overwrites its previous artifacts.
type FSPersister struct {
	root   string
	logger *logger.Logger
}

// NewFSPersister creates a persister rooted at the given directory. A
// leading ~ is expanded against the current user's home.
func NewFSPersister(root string, log *logger.Logger) (*FSPersister, error) {
	expanded, err := expandHome(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, dirPerm); err != nil {
		return nil, fmt.Errorf("creating results root %s: %w", expanded, err)
	}
	return &FSPersister{
		root:   expanded,
		logger: log.WithFields(zap.String("component", "persist")),
	}, nil
}

// Root returns the expanded results root.
func (p *FSPersister) Root() string {
	return p.root
}

// SaveAgentResult writes one iteration's agent result.
func (p *FSPersister) SaveAgentResult(runID string, iteration int, result *v1.AgentResult) error {
	return p.writeJSON(p.iterationDir(runID, iteration), "agent-result.json", result)
}

// SaveVerification writes one iteration's verification report.
func (p *FSPersister) SaveVerification(runID string, iteration int, report *v1.VerificationReport) error {
	return p.writeJSON(p.iterationDir(runID, iteration), "verification.json", report)
}

// SaveRun writes the run summary next to its iterations.
func (p *FSPersister) SaveRun(runID string, run interface{}) error {
	return p.writeJSON(p.runDir(runID), "run.json", run)
}

// LoadVerification reads a previously written verification report.
func (p *FSPersister) LoadVerification(runID string, iteration int) (*v1.VerificationReport, error) {
	path := filepath.Join(p.iterationDir(runID, iteration), "verification.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var report v1.VerificationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &report, nil
}

// Iterations lists the iteration numbers persisted for a run, ascending.
func (p *FSPersister) Iterations(runID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(p.runDir(runID), "iterations"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var numbers []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	// ReadDir sorts lexically; resort numerically.
	for i := 1; i < len(numbers); i++ {
		for j := i; j > 0 && numbers[j] < numbers[j-1]; j-- {
			numbers[j], numbers[j-1] = numbers[j-1], numbers[j]
		}
	}
	return numbers, nil
}

func (p *FSPersister) runDir(runID string) string {
	return filepath.Join(p.root, "runs", runID)
}

func (p *FSPersister) iterationDir(runID string, iteration int) string {
	return filepath.Join(p.runDir(runID), "iterations", strconv.Itoa(iteration))
}

func (p *FSPersister) writeJSON(dir, name string, value interface{}) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	p.logger.Debug("artifact written", zap.String("path", path))
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
