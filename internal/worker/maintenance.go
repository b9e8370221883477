package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/duel-arena/internal/config"
)

// Maintainer is the part of the duel service the worker drives
type Maintainer interface {
	SweepExpired(ctx context.Context) (int, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// MaintenanceWorker periodically expires stale challenges and cleans up
// abandoned sessions
type MaintenanceWorker struct {
	duels     Maintainer
	config    *config.MaintenanceConfig
	logger    *slog.Logger
	scheduler gocron.Scheduler
	mu        sync.Mutex
	running   bool
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(duels Maintainer, cfg *config.MaintenanceConfig, logger *slog.Logger) *MaintenanceWorker {
	return &MaintenanceWorker{
		duels:  duels,
		config: cfg,
		logger: logger,
	}
}

// Start schedules both sweeps. Each job runs one at a time; a slow run
// pushes the next one back instead of overlapping it.
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"challenge-sweep", w.config.ChallengeSweepInterval, w.sweepChallenges},
		{"session-cleanup", w.config.SessionSweepInterval, w.cleanupSessions},
	}
	for _, job := range jobs {
		_, err := scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.run, ctx),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return fmt.Errorf("scheduling %s: %w", job.name, err)
		}
	}

	scheduler.Start()
	w.scheduler = scheduler
	w.running = true

	w.logger.Info("maintenance worker started",
		"challenge_sweep_interval", w.config.ChallengeSweepInterval,
		"session_sweep_interval", w.config.SessionSweepInterval,
	)
	return nil
}

// Stop waits for running jobs and stops the scheduler
func (w *MaintenanceWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}

	err := w.scheduler.Shutdown()
	w.running = false
	w.logger.Info("maintenance worker stopped")
	if err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	return nil
}

func (w *MaintenanceWorker) sweepChallenges(ctx context.Context) {
	start := time.Now()
	expired, err := w.duels.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("challenge sweep failed", "error", err)
		return
	}
	w.logger.Debug("challenge sweep completed", "expired", expired, "duration", time.Since(start))
}

func (w *MaintenanceWorker) cleanupSessions(ctx context.Context) {
	start := time.Now()
	cleaned, err := w.duels.CleanupExpiredSessions(ctx)
	if err != nil {
		w.logger.Error("session cleanup failed", "error", err)
		return
	}
	w.logger.Debug("session cleanup completed", "cleaned", cleaned, "duration", time.Since(start))
}
