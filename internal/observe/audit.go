package observe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// auditCapacity bounds the in-memory trail; older entries are dropped.
const auditCapacity = 1000

// AuditEntry is one observed lifecycle event.
type AuditEntry struct {
	Subject     string                 `json:"subject"`
	WorkOrderID string                 `json:"work_order_id,omitempty"`
	RunID       string                 `json:"run_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Auditor logs lifecycle events and keeps a bounded in-memory trail. The
// durable audit lives in the store; this is the operator's recent-events
// view.
type Auditor struct {
	mu      sync.Mutex
	entries []AuditEntry

	bus    bus.EventBus
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewAuditor creates an unstarted auditor.
func NewAuditor(eventBus bus.EventBus, log *logger.Logger) *Auditor {
	return &Auditor{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "audit")),
	}
}

// Start subscribes to the lifecycle subjects.
func (a *Auditor) Start() error {
	subjects := []string{
		events.StateChanged,
		events.TerminalReached,
		events.RunStarted,
		events.RunCompleted,
		events.RunFailed,
		events.RunCancelled,
	}
	for _, subject := range subjects {
		sub, err := a.bus.Subscribe(subject, a.record)
		if err != nil {
			return err
		}
		a.subs = append(a.subs, sub)
	}
	return nil
}

// Stop unsubscribes the auditor.
func (a *Auditor) Stop() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	a.subs = nil
}

func (a *Auditor) record(ctx context.Context, e *bus.Event) error {
	workOrderID, _ := e.Data["work_order_id"].(string)
	runID, _ := e.Data["run_id"].(string)

	entry := AuditEntry{
		Subject:     e.Type,
		WorkOrderID: workOrderID,
		RunID:       runID,
		Timestamp:   e.Timestamp,
		Data:        e.Data,
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > auditCapacity {
		a.entries = a.entries[len(a.entries)-auditCapacity:]
	}
	a.mu.Unlock()

	a.logger.Info("audit",
		zap.String("subject", e.Type),
		zap.String("work_order_id", workOrderID),
		zap.String("run_id", runID))
	return nil
}

// Recent returns up to n most recent entries, newest last.
func (a *Auditor) Recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}
