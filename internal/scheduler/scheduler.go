package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cortexhub/creation-engine/internal/config"
)

const jobTimeout = time.Minute

// CacheSweeper drops expired cache entries.
type CacheSweeper interface {
	Sweep() int
}

// StaleFailer marks records stuck in processing as failed.
type StaleFailer interface {
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler manages cron jobs for engine maintenance
type Scheduler struct {
	cron   *cron.Cron
	cfg    config.SchedulerConfig
	logger zerolog.Logger
}

// NewScheduler creates a scheduler with no jobs
func NewScheduler(cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		cfg:    cfg,
		logger: logger,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ScheduleCacheSweep runs the cache sweep on the sweep spec.
func (s *Scheduler) ScheduleCacheSweep(c CacheSweeper) error {
	if _, err := s.cron.AddFunc(s.cfg.SweepSpec, func() { s.sweepCache(c) }); err != nil {
		return fmt.Errorf("schedule cache sweep %q: %w", s.cfg.SweepSpec, err)
	}
	return nil
}

// ScheduleStaleCleanup fails records processing for longer than olderThan.
func (s *Scheduler) ScheduleStaleCleanup(st StaleFailer, olderThan time.Duration) error {
	if _, err := s.cron.AddFunc(s.cfg.CleanupSpec, func() { s.cleanupStale(st, olderThan) }); err != nil {
		return fmt.Errorf("schedule stale cleanup %q: %w", s.cfg.CleanupSpec, err)
	}
	return nil
}

func (s *Scheduler) sweepCache(c CacheSweeper) {
	if n := c.Sweep(); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("cache sweep")
	}
}

func (s *Scheduler) cleanupStale(st StaleFailer, olderThan time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := st.FailStale(ctx, olderThan)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale record cleanup failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("failed", n).Msg("marked stale creations failed")
	}
}
