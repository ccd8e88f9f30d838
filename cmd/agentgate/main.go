// Package main is the entry point for the AgentGate daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/control"
	"github.com/agentgate/agentgate/internal/engine"
	"github.com/agentgate/agentgate/internal/engine/stub"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/gateplan"
	"github.com/agentgate/agentgate/internal/health"
	"github.com/agentgate/agentgate/internal/observe"
	"github.com/agentgate/agentgate/internal/persist"
	"github.com/agentgate/agentgate/internal/resource"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/store"
)

const healthInterval = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AgentGate...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := observe.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, err := events.NewBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Durable store
	st, err := store.Open(expandHome(cfg.Store.Path))
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 6. Resource monitor
	monitor := resource.NewMonitor(cfg.Resources, eventBus, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 7. Run artifact persister and capabilities. The stub capability set
	// stands in until a real agent driver host is plugged in.
	persister, err := persist.NewFSPersister(cfg.Engine.ResultsDir, log)
	if err != nil {
		log.Fatal("Failed to prepare results directory", zap.Error(err))
	}
	caps := stub.Capabilities(persister)

	// 8. Retry manager; fired retries route through the control service.
	var svc *control.Service
	retries := retry.NewManager(cfg.Retry, eventBus, log, func(ctx context.Context, workOrderID string, attempt int) {
		svc.OnRetryFired(ctx, workOrderID, attempt)
	})
	defer retries.Stop()

	// 9. Engine, queue, scheduler, gate plan resolver
	eng := engine.New(cfg.Engine, caps, monitor, retries, eventBus, log)
	defer eng.Stop()

	queue := scheduler.NewQueue(cfg.Scheduler.MaxQueueDepth, cfg.Scheduler.PriorityEnabled)
	sched := scheduler.NewScheduler(cfg.Scheduler, queue, monitor, eventBus, log)
	defer sched.Stop()

	resolver := gateplan.NewResolver(cfg.GatePlans, log)

	// 10. Control service
	svc = control.NewService(cfg.Retry, control.Deps{
		Store:     st,
		Scheduler: sched,
		Engine:    eng,
		Retries:   retries,
		Monitor:   monitor,
		Resolver:  resolver,
		Bus:       eventBus,
	}, log)

	// 11. Observability taps
	collector := observe.NewCollector(eventBus, log)
	if err := collector.Start(); err != nil {
		log.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	defer collector.Stop()

	auditor := observe.NewAuditor(eventBus, log)
	if err := auditor.Start(); err != nil {
		log.Fatal("Failed to start auditor", zap.Error(err))
	}
	defer auditor.Stop()

	// 12. Health checker
	checker := health.NewChecker(cfg.Health, health.Sources{
		QueueDepth:     svc.QueueDepth,
		Resource:       monitor.Health,
		PendingRetries: func() int { return retries.Stats().Pending },
		Preparing:      svc.Preparing,
	}, log)

	// 13. Start the claim loop
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start control service", zap.Error(err))
	}
	log.Info("AgentGate started",
		zap.Int("max_concurrent_runs", cfg.Engine.MaxConcurrentRuns),
		zap.Int("max_slots", monitor.Health().SlotsTotal))

	// 14. Background loops
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				report := checker.Check()
				log.Info("health",
					zap.String("status", string(report.Status)),
					zap.Int("queue_depth", svc.QueueDepth()),
					zap.Int("active_runs", eng.ActiveCount()))
			}
		}
	})

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AgentGate...")
	cancel()
	if err := group.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("AgentGate stopped")
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
