// Package scheduler runs the server's periodic maintenance on gocron:
// closing realtime sessions that went idle and purging expired refresh
// tokens. Each task is one gocron job, tagged with its name, running in
// singleton mode so a slow run is never overlapped by the next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Task names, also used as gocron tags.
const (
	TaskIdleSweep   = "idle-sweep"
	TaskTokenPurge  = "refresh-token-purge"
	purgeRunTimeout = 30 * time.Second
)

// IdleSweeper closes idle sessions. *realtime.Hub implements it.
type IdleSweeper interface {
	SweepIdle() int
}

// TokenPurger deletes expired refresh tokens. *auth.AuthService implements it.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Config selects which tasks run and how often. A zero interval or a nil
// target disables the task.
type Config struct {
	Sweeper       IdleSweeper
	SweepInterval time.Duration

	Purger        TokenPurger
	PurgeInterval time.Duration
}

// Scheduler wraps gocron. The zero value is not usable; create instances
// with New.
type Scheduler struct {
	cron   gocron.Scheduler
	cfg    Config
	logger *zap.Logger
}

// New creates a Scheduler. Call Start to register the tasks and begin
// processing.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start schedules the enabled tasks and starts gocron.
func (s *Scheduler) Start() error {
	scheduled := 0

	if s.cfg.Sweeper != nil && s.cfg.SweepInterval > 0 {
		if err := s.addJob(TaskIdleSweep, s.cfg.SweepInterval, s.sweepIdle); err != nil {
			return err
		}
		scheduled++
	}
	if s.cfg.Purger != nil && s.cfg.PurgeInterval > 0 {
		if err := s.addJob(TaskTokenPurge, s.cfg.PurgeInterval, s.purgeTokens); err != nil {
			return err
		}
		scheduled++
	}

	s.logger.Info("scheduler started", zap.Int("tasks_scheduled", scheduled))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down gocron, waiting for running tasks to complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow runs the named task immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	for _, j := range s.cron.Jobs() {
		for _, tag := range j.Tags() {
			if tag == name {
				return j.RunNow()
			}
		}
	}
	return fmt.Errorf("scheduler: no task named %q", name)
}

func (s *Scheduler) addJob(name string, every time.Duration, fn func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for task %s (every %s): %w", name, every, err)
	}
	return nil
}

func (s *Scheduler) sweepIdle() {
	if n := s.cfg.Sweeper.SweepIdle(); n > 0 {
		s.logger.Debug("idle sweep", zap.Int("closed", n))
	}
}

func (s *Scheduler) purgeTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeRunTimeout)
	defer cancel()

	n, err := s.cfg.Purger.PurgeExpiredTokens(ctx)
	if err != nil {
		s.logger.Error("refresh token purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired refresh tokens purged", zap.Int64("count", n))
	}
}
