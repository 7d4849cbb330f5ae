package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/metrics"
	"github.com/timmy/sourcescan/internal/queue"
	"github.com/timmy/sourcescan/internal/repository"
)

// maintenanceBatch bounds how many overdue chunks one reaper run re-enqueues.
const maintenanceBatch = 500

// MaintenanceConfig holds the schedules and thresholds for background upkeep.
type MaintenanceConfig struct {
	VisibilityTimeout time.Duration
	ReaperSchedule    string
	SweepSchedule     string
}

// Maintenance runs the stale chunk reaper and the cache sweep on a cron schedule.
type Maintenance struct {
	jobs    *repository.JobRepository
	chunks  *repository.ChunkRepository
	queue   queue.Queue
	sweeper cache.Sweeper
	clock   clock.Clock
	logger  *logger.Logger
	cfg     MaintenanceConfig
	cron    *cron.Cron
}

// NewMaintenance creates the background upkeep runner. sweeper may be nil
// for cache backends that expire entries on their own.
func NewMaintenance(
	jobs *repository.JobRepository,
	chunks *repository.ChunkRepository,
	q queue.Queue,
	sweeper cache.Sweeper,
	clk clock.Clock,
	log *logger.Logger,
	cfg *MaintenanceConfig,
) *Maintenance {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Maintenance{
		jobs:    jobs,
		chunks:  chunks,
		queue:   q,
		sweeper: sweeper,
		clock:   clk,
		logger:  log,
		cfg:     *cfg,
	}
}

// Start registers the scheduled tasks and starts the scheduler.
func (m *Maintenance) Start(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "maintenance")
	cronLog := cron.PrintfLogger(m.logger)
	m.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if m.cfg.ReaperSchedule != "" {
		if _, err := m.cron.AddFunc(m.cfg.ReaperSchedule, func() {
			if _, err := m.ReapStale(ctx); err != nil {
				m.logger.WithError(err).Error("Stale chunk reaper failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid reaper schedule %q: %w", m.cfg.ReaperSchedule, err)
		}
	}
	if m.sweeper != nil && m.cfg.SweepSchedule != "" {
		if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, func() {
			if _, err := m.SweepCache(ctx); err != nil {
				m.logger.WithError(err).Error("Cache sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
		}
	}

	m.cron.Start()
	m.logger.WithFields(logger.Fields{
		"reaper_schedule": m.cfg.ReaperSchedule,
		"sweep_schedule":  m.cfg.SweepSchedule,
	}).Info("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running tasks.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// ReapStale recovers work lost to crashed workers or dropped queue messages.
// Chunks held longer than the visibility timeout go back to pending, pending
// chunks that are long overdue are enqueued again and processing jobs whose
// chunks are all terminal are finalized.
// Returns the number of chunks reset.
func (m *Maintenance) ReapStale(ctx context.Context) (int, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.VisibilityTimeout)

	reset, err := m.chunks.ResetStale(ctx, cutoff, now)
	if err != nil {
		return len(reset), fmt.Errorf("failed to reset stale chunks: %w", err)
	}
	for _, c := range reset {
		metrics.StaleChunksResetTotal.Inc()
		if err := m.queue.Enqueue(ctx, c.ID, 0); err != nil {
			m.logger.WithField(logger.FieldChunkID, c.ID).WithError(err).Warn("Failed to enqueue reset chunk")
		}
	}
	if len(reset) > 0 {
		logger.With(logger.Fields{"visibility_timeout": m.cfg.VisibilityTimeout.String()}).
			WithCount(len(reset)).
			Warn(ctx, "Reset stale chunks")
	}

	overdue, err := m.chunks.ReadyIDs(ctx, cutoff, maintenanceBatch)
	if err != nil {
		return len(reset), fmt.Errorf("failed to list overdue chunks: %w", err)
	}
	for _, id := range overdue {
		if err := m.queue.Enqueue(ctx, id, 0); err != nil {
			m.logger.WithField(logger.FieldChunkID, id).WithError(err).Warn("Failed to enqueue overdue chunk")
		}
	}

	processing, err := m.jobs.ListProcessingIDs(ctx)
	if err != nil {
		return len(reset), fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, id := range processing {
		status, done, err := m.jobs.FinalizeIfDone(ctx, id, now)
		if err != nil {
			m.logger.WithField(logger.FieldJobID, id).WithError(err).Warn("Failed to finalize job")
			continue
		}
		if done {
			metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
			m.logger.WithFields(logger.Fields{
				logger.FieldJobID:  id,
				logger.FieldStatus: status,
			}).Info("Job finalized by reaper")
		}
	}
	return len(reset), nil
}

// SweepCache removes expired cache entries.
func (m *Maintenance) SweepCache(ctx context.Context) (int64, error) {
	if m.sweeper == nil {
		return 0, nil
	}
	removed, err := m.sweeper.Sweep(ctx)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		m.logger.WithField(logger.FieldCount, removed).Info("Swept expired cache entries")
	}
	return removed, nil
}
