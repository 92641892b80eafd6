package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/config"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep() int {
	c.calls.Add(1)
	return 2
}

type staleFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

func (f staleFunc) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f(ctx, olderThan)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{SweepSpec: "not a spec", CleanupSpec: "@every"}, zerolog.Nop())
	assert.Error(t, s.ScheduleCacheSweep(&countingSweeper{}))
	assert.Error(t, s.ScheduleStaleCleanup(staleFunc(nil), time.Hour))
}

func TestScheduleRegistersJobs(t *testing.T) {
	s := NewScheduler(config.Default().Scheduler, zerolog.Nop())
	require.NoError(t, s.ScheduleCacheSweep(&countingSweeper{}))
	require.NoError(t, s.ScheduleStaleCleanup(staleFunc(func(context.Context, time.Duration) (int64, error) {
		return 0, nil
	}), time.Hour))
	assert.Len(t, s.cron.Entries(), 2)

	s.Start()
	s.Stop()
}

func TestSweepRunsOnSchedule(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{SweepSpec: "@every 1s"}, zerolog.Nop())
	sweeper := &countingSweeper{}
	require.NoError(t, s.ScheduleCacheSweep(sweeper))

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestCleanupStalePassesThreshold(t *testing.T) {
	s := NewScheduler(config.Default().Scheduler, zerolog.Nop())
	var got time.Duration
	s.cleanupStale(staleFunc(func(ctx context.Context, olderThan time.Duration) (int64, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got = olderThan
		return 3, nil
	}), 45*time.Minute)
	assert.Equal(t, 45*time.Minute, got)

	s.cleanupStale(staleFunc(func(context.Context, time.Duration) (int64, error) {
		return 0, errors.New("database is locked")
	}), time.Hour)
}
