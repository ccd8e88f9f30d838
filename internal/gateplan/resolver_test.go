package gateplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

func testResolver(t *testing.T, profileDir string) *Resolver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewResolver(config.GatePlanConfig{ProfileDir: profileDir}, log)
}

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
}

const strictProfile = `
name: strict
checks:
  - name: contracts
    command: go vet ./...
    level: L0
  - name: unit
    command: go test ./...
    level: L1
  - name: blackbox
    command: go test -tags integration ./...
    level: L2
skip_levels:
  - L3
`

func TestResolveProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", strictProfile)
	r := testResolver(t, dir)

	plan, err := r.Resolve(&v1.WorkOrder{
		GatePlanSource: v1.GatePlanSourceProfile,
		GateProfile:    "strict",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "strict", plan.Name)
	assert.Equal(t, v1.GatePlanSourceProfile, plan.Source)
	require.Len(t, plan.Checks, 3)
	assert.Equal(t, v1.LevelL2, plan.Checks[2].Level)
	assert.Equal(t, []string{"L3"}, plan.SkipLevels)
}

func TestResolveProfileMissing(t *testing.T) {
	r := testResolver(t, t.TempDir())

	_, err := r.Resolve(&v1.WorkOrder{
		GatePlanSource: v1.GatePlanSourceProfile,
		GateProfile:    "nope",
	}, "")
	assert.Error(t, err)
}

func TestResolveProfileInvalidLevel(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", `
name: bad
checks:
  - name: something
    level: L9
`)
	r := testResolver(t, dir)

	_, err := r.Resolve(&v1.WorkOrder{
		GatePlanSource: v1.GatePlanSourceProfile,
		GateProfile:    "bad",
	}, "")
	assert.Error(t, err)
}

const workflowYAML = `
name: ci
jobs:
  checks:
    steps:
      - name: lint
        run: golangci-lint run
      - name: unit tests
        run: go test ./...
      - uses: actions/checkout@v4
      - name: integration
        run: go test -tags integration ./...
      - name: release
        run: goreleaser build
`

func TestResolveCIInferred(t *testing.T) {
	ws := t.TempDir()
	wfDir := filepath.Join(ws, ".github", "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "ci.yml"), []byte(workflowYAML), 0o644))

	r := testResolver(t, t.TempDir())
	plan, err := r.Resolve(&v1.WorkOrder{GatePlanSource: v1.GatePlanSourceCIInferred}, ws)
	require.NoError(t, err)

	assert.Equal(t, v1.GatePlanSourceCIInferred, plan.Source)
	require.Len(t, plan.Checks, 4) // uses-only step skipped

	byName := map[string]string{}
	for _, check := range plan.Checks {
		byName[check.Name] = check.Level
	}
	assert.Equal(t, v1.LevelL0, byName["lint"])
	assert.Equal(t, v1.LevelL1, byName["unit tests"])
	assert.Equal(t, v1.LevelL2, byName["integration"])
	assert.Equal(t, v1.LevelL3, byName["release"])
}

func TestResolveCIInferredNoWorkflows(t *testing.T) {
	r := testResolver(t, t.TempDir())

	_, err := r.Resolve(&v1.WorkOrder{GatePlanSource: v1.GatePlanSourceCIInferred}, t.TempDir())
	assert.Error(t, err)
}

func TestResolveDefault(t *testing.T) {
	r := testResolver(t, t.TempDir())

	plan, err := r.Resolve(&v1.WorkOrder{GatePlanSource: v1.GatePlanSourceDefault}, "")
	require.NoError(t, err)
	assert.Equal(t, "default", plan.Name)
	assert.Equal(t, v1.GatePlanSourceDefault, plan.Source)
	assert.NotEmpty(t, plan.Checks)
}

func TestResolveAutoPrefersProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", strictProfile)
	r := testResolver(t, dir)

	plan, err := r.Resolve(&v1.WorkOrder{
		GatePlanSource: v1.GatePlanSourceAuto,
		GateProfile:    "strict",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, v1.GatePlanSourceProfile, plan.Source)
}

func TestResolveAutoFallsBackToCI(t *testing.T) {
	ws := t.TempDir()
	wfDir := filepath.Join(ws, ".github", "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "ci.yml"), []byte(workflowYAML), 0o644))

	r := testResolver(t, t.TempDir())
	plan, err := r.Resolve(&v1.WorkOrder{GatePlanSource: v1.GatePlanSourceAuto}, ws)
	require.NoError(t, err)
	assert.Equal(t, v1.GatePlanSourceCIInferred, plan.Source)
}

func TestResolveAutoFallsBackToDefault(t *testing.T) {
	r := testResolver(t, t.TempDir())

	plan, err := r.Resolve(&v1.WorkOrder{GatePlanSource: v1.GatePlanSourceAuto}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "default", plan.Name)
	assert.Equal(t, v1.GatePlanSourceAuto, plan.Source)
}
