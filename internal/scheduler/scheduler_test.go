package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) SweepIdle() int {
	c.calls.Add(1)
	return 2
}

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (c *countingPurger) PurgeExpiredTokens(context.Context) (int64, error) {
	c.calls.Add(1)
	return 3, c.err
}

func TestScheduler_RunNow(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := &countingSweeper{}
	purger := &countingPurger{err: errors.New("db down")}
	s, err := New(Config{
		Sweeper:       sweeper,
		SweepInterval: time.Hour,
		Purger:        purger,
		PurgeInterval: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.RunNow(TaskIdleSweep))
	require.NoError(t, s.RunNow(TaskTokenPurge))

	assert.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return purger.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond,
		"a failing purge is logged, not fatal")

	assert.Error(t, s.RunNow("nope"))
	require.NoError(t, s.Stop())
}

func TestScheduler_DisabledTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := &countingSweeper{}
	s, err := New(Config{Sweeper: sweeper, SweepInterval: 0}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	assert.Error(t, s.RunNow(TaskIdleSweep), "a zero interval schedules nothing")
	assert.Error(t, s.RunNow(TaskTokenPurge), "a nil purger schedules nothing")
	require.NoError(t, s.Stop())
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := &countingSweeper{}
	s, err := New(Config{Sweeper: sweeper, SweepInterval: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}
