package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/resource"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		QueueDepthWarning:      50,
		QueueDepthCritical:     100,
		MemoryWarningFraction:  0.8,
		MemoryCriticalFraction: 0.9,
		PendingRetriesWarning:  10,
		StuckPreparingSec:      300,
	}
}

func quietSources() Sources {
	return Sources{
		QueueDepth: func() int { return 0 },
		Resource: func() resource.HealthSnapshot {
			return resource.HealthSnapshot{MemoryUsed: 100, MemoryBudget: 1000}
		},
		PendingRetries: func() int { return 0 },
		Preparing:      func() []PreparingOrder { return nil },
	}
}

func component(t *testing.T, report *Report, name string) ComponentReport {
	t.Helper()
	for _, c := range report.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s not in report", name)
	return ComponentReport{}
}

func TestAllHealthy(t *testing.T) {
	checker := NewChecker(testConfig(), quietSources(), testLogger(t))

	report := checker.Check()

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Components, 4)
	assert.Empty(t, report.Recommendations)
	for _, c := range report.Components {
		assert.Equal(t, StatusHealthy, c.Status, c.Name)
	}
}

func TestQueueDepthThresholds(t *testing.T) {
	cases := []struct {
		depth int
		want  Status
	}{
		{depth: 49, want: StatusHealthy},
		{depth: 50, want: StatusDegraded},
		{depth: 99, want: StatusDegraded},
		{depth: 100, want: StatusUnhealthy},
	}
	for _, tc := range cases {
		sources := quietSources()
		sources.QueueDepth = func() int { return tc.depth }
		checker := NewChecker(testConfig(), sources, testLogger(t))

		report := checker.Check()
		assert.Equal(t, tc.want, component(t, report, "queue").Status, "depth %d", tc.depth)
		assert.Equal(t, tc.want, report.Status, "depth %d", tc.depth)
	}
}

func TestMemoryThresholds(t *testing.T) {
	cases := []struct {
		used int64
		want Status
	}{
		{used: 799, want: StatusHealthy},
		{used: 800, want: StatusDegraded},
		{used: 900, want: StatusUnhealthy},
	}
	for _, tc := range cases {
		sources := quietSources()
		sources.Resource = func() resource.HealthSnapshot {
			return resource.HealthSnapshot{MemoryUsed: tc.used, MemoryBudget: 1000}
		}
		checker := NewChecker(testConfig(), sources, testLogger(t))

		report := checker.Check()
		assert.Equal(t, tc.want, component(t, report, "memory").Status, "used %d", tc.used)
	}
}

func TestZeroMemoryBudgetIsHealthy(t *testing.T) {
	sources := quietSources()
	sources.Resource = func() resource.HealthSnapshot {
		return resource.HealthSnapshot{MemoryUsed: 1 << 40, MemoryBudget: 0}
	}
	checker := NewChecker(testConfig(), sources, testLogger(t))

	report := checker.Check()
	assert.Equal(t, StatusHealthy, component(t, report, "memory").Status)
}

func TestPendingRetriesWarning(t *testing.T) {
	sources := quietSources()
	sources.PendingRetries = func() int { return 10 }
	checker := NewChecker(testConfig(), sources, testLogger(t))

	report := checker.Check()

	assert.Equal(t, StatusDegraded, component(t, report, "retries").Status)
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "10 retries pending")
}

func TestStuckPreparingDetection(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	sources := quietSources()
	sources.Preparing = func() []PreparingOrder {
		return []PreparingOrder{
			{WorkOrderID: "wo-fresh", Since: base.Add(-time.Minute)},
			{WorkOrderID: "wo-stuck", Since: base.Add(-10 * time.Minute)},
		}
	}
	checker := NewChecker(testConfig(), sources, testLogger(t))
	checker.now = func() time.Time { return base }

	report := checker.Check()

	assert.Equal(t, StatusDegraded, component(t, report, "preparing").Status)
	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "wo-stuck")
	assert.NotContains(t, report.Recommendations[0], "wo-fresh")
}

func TestWorstStatusWins(t *testing.T) {
	sources := quietSources()
	sources.QueueDepth = func() int { return 60 } // degraded
	sources.Resource = func() resource.HealthSnapshot {
		return resource.HealthSnapshot{MemoryUsed: 950, MemoryBudget: 1000} // unhealthy
	}
	checker := NewChecker(testConfig(), sources, testLogger(t))

	report := checker.Check()

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Len(t, report.Recommendations, 2)
}

func TestNilProbesAreSkipped(t *testing.T) {
	checker := NewChecker(testConfig(), Sources{}, testLogger(t))

	report := checker.Check()

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Components)
}
