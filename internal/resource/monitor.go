// Package resource manages the concurrency-slot pool and the memory-pressure
// gauge that gate work-order claims.
package resource

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// PressureLevel classifies current memory usage.
type PressureLevel string

const (
	PressureOK       PressureLevel = "ok"
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

// Slot is an exclusive concurrency handle. It is minted by AcquireSlot and
// must be returned through ReleaseSlot; release is idempotent.
type Slot struct {
	ID         string
	OwnerID    string
	AcquiredAt time.Time

	released bool // guarded by the monitor's mutex
}

// HealthSnapshot is the monitor's contribution to the health report.
type HealthSnapshot struct {
	SlotsTotal   int
	SlotsInUse   int
	SlotsFree    int
	MemoryUsed   int64
	MemoryBudget int64
	Pressure     PressureLevel
}

// Monitor owns the slot pool and the pressure gauge. A single mutex protects
// both; readers snapshot under the same lock.
type Monitor struct {
	mu       sync.Mutex
	maxSlots int
	inUse    map[string]*Slot // slot id -> slot
	pressure PressureLevel
	memUsed  int64

	cfg    config.ResourceConfig
	bus    bus.EventBus
	logger *logger.Logger

	readMem func() int64 // test seam; defaults to heap-in-use

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. A zero MaxSlots means one slot per logical
// core.
func NewMonitor(cfg config.ResourceConfig, eventBus bus.EventBus, log *logger.Logger) *Monitor {
	maxSlots := cfg.MaxSlots
	if maxSlots <= 0 {
		maxSlots = runtime.NumCPU()
	}
	return &Monitor{
		maxSlots: maxSlots,
		inUse:    make(map[string]*Slot),
		pressure: PressureOK,
		cfg:      cfg,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "resource-monitor")),
		readMem:  readHeapInUse,
	}
}

func readHeapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapInuse)
}

// Start begins periodic memory sampling. Safe to skip in tests; Sample can be
// driven directly.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SampleInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// AcquireSlot returns a slot iff a slot is free and pressure is not critical.
func (m *Monitor) AcquireSlot(ownerID string) (*Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pressure == PressureCritical {
		return nil, false
	}
	if len(m.inUse) >= m.maxSlots {
		return nil, false
	}

	slot := &Slot{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		AcquiredAt: time.Now().UTC(),
	}
	m.inUse[slot.ID] = slot

	m.logger.Debug("slot acquired",
		zap.String("slot_id", slot.ID),
		zap.String("owner_id", ownerID),
		zap.Int("in_use", len(m.inUse)),
		zap.Int("total", m.maxSlots))
	return slot, true
}

// ReleaseSlot returns a slot to the pool. The first release emits
// slot-available; further releases of the same slot are no-ops.
func (m *Monitor) ReleaseSlot(ctx context.Context, slot *Slot) {
	if slot == nil {
		return
	}

	m.mu.Lock()
	if slot.released {
		m.mu.Unlock()
		return
	}
	slot.released = true
	delete(m.inUse, slot.ID)
	free := m.maxSlots - len(m.inUse)
	m.mu.Unlock()

	m.logger.Debug("slot released",
		zap.String("slot_id", slot.ID),
		zap.String("owner_id", slot.OwnerID),
		zap.Int("free", free))

	m.publish(ctx, events.SlotAvailable, map[string]interface{}{
		"slot_id":  slot.ID,
		"owner_id": slot.OwnerID,
		"free":     free,
	})
}

// Pressure returns the current pressure level.
func (m *Monitor) Pressure() PressureLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressure
}

// Sample reads memory usage and updates the pressure level, emitting a
// memory-pressure event only when the level changes.
func (m *Monitor) Sample(ctx context.Context) {
	used := m.readMem()

	m.mu.Lock()
	m.memUsed = used
	level := m.classify(used)
	changed := level != m.pressure
	m.pressure = level
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("memory pressure changed",
		zap.String("level", string(level)),
		zap.Int64("used_bytes", used),
		zap.Int64("budget_bytes", m.cfg.MemoryBudgetBytes))

	m.publish(ctx, events.MemoryPressure, map[string]interface{}{
		"level":        string(level),
		"used_bytes":   used,
		"budget_bytes": m.cfg.MemoryBudgetBytes,
	})
}

// classify maps used bytes to a level. Caller holds the lock (reads config
// only). A zero budget disables pressure reporting.
func (m *Monitor) classify(used int64) PressureLevel {
	budget := m.cfg.MemoryBudgetBytes
	if budget <= 0 {
		return PressureOK
	}
	frac := float64(used) / float64(budget)
	switch {
	case frac >= m.cfg.CriticalFraction:
		return PressureCritical
	case frac >= m.cfg.WarningFraction:
		return PressureWarning
	default:
		return PressureOK
	}
}

// Health returns a consistent snapshot of slots and memory.
func (m *Monitor) Health() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthSnapshot{
		SlotsTotal:   m.maxSlots,
		SlotsInUse:   len(m.inUse),
		SlotsFree:    m.maxSlots - len(m.inUse),
		MemoryUsed:   m.memUsed,
		MemoryBudget: m.cfg.MemoryBudgetBytes,
		Pressure:     m.pressure,
	}
}

func (m *Monitor) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "resource-monitor", data)); err != nil {
		m.logger.Warn("failed to publish resource event", zap.String("subject", subject), zap.Error(err))
	}
}
