// Package gateplan resolves the set of verification checks for a work order
// before execution starts.
package gateplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

// Resolver turns a work order's gate-plan source into a concrete plan.
type Resolver struct {
	profileDir string
	logger     *logger.Logger
}

// NewResolver creates a resolver reading named profiles from the configured
// profile directory.
func NewResolver(cfg config.GatePlanConfig, log *logger.Logger) *Resolver {
	return &Resolver{
		profileDir: cfg.ProfileDir,
		logger:     log.WithFields(zap.String("component", "gateplan")),
	}
}

// Resolve produces the gate plan for a work order. workspacePath is consulted
// for CI inference; it may be empty for sources that do not need it.
func (r *Resolver) Resolve(wo *v1.WorkOrder, workspacePath string) (*v1.GatePlan, error) {
	switch wo.GatePlanSource {
	case v1.GatePlanSourceProfile:
		return r.fromProfile(wo.GateProfile)
	case v1.GatePlanSourceCIInferred:
		return r.fromCI(workspacePath)
	case v1.GatePlanSourceDefault, "":
		return DefaultPlan(), nil
	case v1.GatePlanSourceAuto:
		return r.auto(wo, workspacePath)
	default:
		return nil, fmt.Errorf("unknown gate plan source %q", wo.GatePlanSource)
	}
}

// auto tries profile, then CI inference, then the default plan.
func (r *Resolver) auto(wo *v1.WorkOrder, workspacePath string) (*v1.GatePlan, error) {
	if wo.GateProfile != "" {
		if plan, err := r.fromProfile(wo.GateProfile); err == nil {
			return plan, nil
		} else {
			r.logger.Debug("profile resolution failed, falling through",
				zap.String("profile", wo.GateProfile), zap.Error(err))
		}
	}
	if plan, err := r.fromCI(workspacePath); err == nil {
		return plan, nil
	} else {
		r.logger.Debug("ci inference failed, falling through", zap.Error(err))
	}
	plan := DefaultPlan()
	plan.Source = v1.GatePlanSourceAuto
	return plan, nil
}

// fromProfile loads <profileDir>/<name>.yaml.
func (r *Resolver) fromProfile(name string) (*v1.GatePlan, error) {
	if name == "" {
		return nil, fmt.Errorf("gate profile name is empty")
	}
	path := filepath.Join(r.profileDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gate profile %s: %w", path, err)
	}
	var plan v1.GatePlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing gate profile %s: %w", path, err)
	}
	if plan.Name == "" {
		plan.Name = name
	}
	plan.Source = v1.GatePlanSourceProfile
	if err := validate(&plan); err != nil {
		return nil, fmt.Errorf("gate profile %s: %w", path, err)
	}
	return &plan, nil
}

// fromCI infers a plan from the workspace's GitHub workflow files by
// collecting run commands and classifying them into levels.
func (r *Resolver) fromCI(workspacePath string) (*v1.GatePlan, error) {
	if workspacePath == "" {
		return nil, fmt.Errorf("no workspace path for ci inference")
	}
	dir := filepath.Join(workspacePath, ".github", "workflows")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("no ci config found: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yml" || ext == ".yaml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var checks []v1.GateCheck
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		checks = append(checks, extractChecks(data)...)
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("no runnable steps in ci config under %s", dir)
	}

	plan := &v1.GatePlan{
		Name:   "ci-inferred",
		Source: v1.GatePlanSourceCIInferred,
		Checks: checks,
	}
	if err := validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// workflow mirrors the subset of the GitHub workflow schema we read.
type workflow struct {
	Jobs map[string]struct {
		Steps []struct {
			Name string `yaml:"name"`
			Run  string `yaml:"run"`
		} `yaml:"steps"`
	} `yaml:"jobs"`
}

func extractChecks(data []byte) []v1.GateCheck {
	var wf workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil
	}

	jobNames := make([]string, 0, len(wf.Jobs))
	for job := range wf.Jobs {
		jobNames = append(jobNames, job)
	}
	sort.Strings(jobNames)

	var checks []v1.GateCheck
	for _, job := range jobNames {
		for i, step := range wf.Jobs[job].Steps {
			if step.Run == "" {
				continue
			}
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("%s-step-%d", job, i+1)
			}
			checks = append(checks, v1.GateCheck{
				Name:    name,
				Command: step.Run,
				Level:   classify(name, step.Run),
			})
		}
	}
	return checks
}

// classify maps a CI step to a verification level by its name and command.
func classify(name, command string) string {
	text := strings.ToLower(name + " " + command)
	switch {
	case containsAny(text, "lint", "vet", "fmt", "format", "typecheck", "staticcheck"):
		return v1.LevelL0
	case containsAny(text, "integration", "e2e", "end-to-end", "blackbox", "acceptance"):
		return v1.LevelL2
	case containsAny(text, "test"):
		return v1.LevelL1
	default:
		return v1.LevelL3
	}
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// DefaultPlan returns the built-in plan applied when no profile or CI config
// is available: compile and vet at L0, the unit suite at L1.
func DefaultPlan() *v1.GatePlan {
	return &v1.GatePlan{
		Name:   "default",
		Source: v1.GatePlanSourceDefault,
		Checks: []v1.GateCheck{
			{Name: "build", Command: "go build ./...", Level: v1.LevelL0},
			{Name: "vet", Command: "go vet ./...", Level: v1.LevelL0},
			{Name: "unit", Command: "go test ./...", Level: v1.LevelL1},
		},
	}
}

func validate(plan *v1.GatePlan) error {
	if len(plan.Checks) == 0 {
		return fmt.Errorf("gate plan has no checks")
	}
	valid := map[string]bool{}
	for _, level := range v1.Levels() {
		valid[level] = true
	}
	for _, check := range plan.Checks {
		if check.Name == "" {
			return fmt.Errorf("gate check without a name")
		}
		if !valid[check.Level] {
			return fmt.Errorf("gate check %s has invalid level %q", check.Name, check.Level)
		}
	}
	for _, skip := range plan.SkipLevels {
		if !valid[skip] {
			return fmt.Errorf("invalid skip level %q", skip)
		}
	}
	return nil
}
