// Package health aggregates component signals into a coarse readiness
// verdict. The checker only observes; it never influences scheduling or
// execution.
package health

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/resource"
)

// Status is the coarse verdict for a component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse orders statuses for aggregation.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ComponentReport is one component's contribution to the overall report.
type ComponentReport struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the structured health report.
type Report struct {
	Status          Status            `json:"status"`
	Components      []ComponentReport `json:"components"`
	Recommendations []string          `json:"recommendations,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// PreparingOrder identifies a work order currently in PREPARING and when it
// entered that state.
type PreparingOrder struct {
	WorkOrderID string
	Since       time.Time
}

// Sources are the read-only probes the checker samples. Nil probes are
// skipped, so partial wiring is fine in tests and during startup.
type Sources struct {
	QueueDepth     func() int
	Resource       func() resource.HealthSnapshot
	PendingRetries func() int
	Preparing      func() []PreparingOrder
}

// Checker samples the sources against configured thresholds.
type Checker struct {
	cfg     config.HealthConfig
	sources Sources
	logger  *logger.Logger

	now func() time.Time
}

// NewChecker creates a checker over the given probes.
func NewChecker(cfg config.HealthConfig, sources Sources, log *logger.Logger) *Checker {
	return &Checker{
		cfg:     cfg,
		sources: sources,
		logger:  log.WithFields(zap.String("component", "health")),
		now:     time.Now,
	}
}

// Check samples every probe and aggregates the worst status.
func (c *Checker) Check() *Report {
	report := &Report{
		Status:    StatusHealthy,
		CheckedAt: c.now().UTC(),
	}

	c.checkQueue(report)
	c.checkMemory(report)
	c.checkRetries(report)
	c.checkPreparing(report)

	if report.Status != StatusHealthy {
		c.logger.Warn("health check not healthy",
			zap.String("status", string(report.Status)),
			zap.Strings("recommendations", report.Recommendations))
	}
	return report
}

func (c *Checker) add(report *Report, component ComponentReport, recommendation string) {
	report.Components = append(report.Components, component)
	report.Status = worse(report.Status, component.Status)
	if recommendation != "" {
		report.Recommendations = append(report.Recommendations, recommendation)
	}
}

func (c *Checker) checkQueue(report *Report) {
	if c.sources.QueueDepth == nil {
		return
	}
	depth := c.sources.QueueDepth()
	component := ComponentReport{
		Name:   "queue",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("depth %d", depth),
	}
	recommendation := ""
	switch {
	case c.cfg.QueueDepthCritical > 0 && depth >= c.cfg.QueueDepthCritical:
		component.Status = StatusUnhealthy
		recommendation = fmt.Sprintf("queue depth %d at or above critical threshold %d; stop submitting and add capacity", depth, c.cfg.QueueDepthCritical)
	case c.cfg.QueueDepthWarning > 0 && depth >= c.cfg.QueueDepthWarning:
		component.Status = StatusDegraded
		recommendation = fmt.Sprintf("queue depth %d at or above warning threshold %d; consider raising maxSlots", depth, c.cfg.QueueDepthWarning)
	}
	c.add(report, component, recommendation)
}

func (c *Checker) checkMemory(report *Report) {
	if c.sources.Resource == nil {
		return
	}
	snapshot := c.sources.Resource()
	component := ComponentReport{
		Name:   "memory",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("used %d of %d bytes", snapshot.MemoryUsed, snapshot.MemoryBudget),
	}
	recommendation := ""
	if snapshot.MemoryBudget > 0 {
		frac := float64(snapshot.MemoryUsed) / float64(snapshot.MemoryBudget)
		switch {
		case frac >= c.cfg.MemoryCriticalFraction:
			component.Status = StatusUnhealthy
			recommendation = fmt.Sprintf("memory at %.0f%% of budget; claims are held until pressure clears", frac*100)
		case frac >= c.cfg.MemoryWarningFraction:
			component.Status = StatusDegraded
			recommendation = fmt.Sprintf("memory at %.0f%% of budget; reduce concurrent runs or raise the budget", frac*100)
		}
	}
	c.add(report, component, recommendation)
}

func (c *Checker) checkRetries(report *Report) {
	if c.sources.PendingRetries == nil {
		return
	}
	pending := c.sources.PendingRetries()
	component := ComponentReport{
		Name:   "retries",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("%d pending", pending),
	}
	recommendation := ""
	if c.cfg.PendingRetriesWarning > 0 && pending >= c.cfg.PendingRetriesWarning {
		component.Status = StatusDegraded
		recommendation = fmt.Sprintf("%d retries pending (warning threshold %d); check for a systemic failure cause", pending, c.cfg.PendingRetriesWarning)
	}
	c.add(report, component, recommendation)
}

func (c *Checker) checkPreparing(report *Report) {
	if c.sources.Preparing == nil {
		return
	}
	threshold := c.cfg.StuckPreparing()
	now := c.now()

	var stuck []string
	for _, order := range c.sources.Preparing() {
		if threshold > 0 && now.Sub(order.Since) >= threshold {
			stuck = append(stuck, order.WorkOrderID)
		}
	}
	sort.Strings(stuck)

	component := ComponentReport{
		Name:   "preparing",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("%d stuck", len(stuck)),
	}
	recommendation := ""
	if len(stuck) > 0 {
		component.Status = StatusDegraded
		recommendation = fmt.Sprintf("work orders stuck in PREPARING beyond %s: %v; cancel or investigate workspace acquisition", threshold, stuck)
	}
	c.add(report, component, recommendation)
}
