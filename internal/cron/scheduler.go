// Package cron provides a periodic scheduler driven by a cron expression,
// used to run the execution manager's subscription-cleanup sweep.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is invoked each time the schedule fires.
type Job func(ctx context.Context, now time.Time)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	// CronExpr is a standard 5-field cron expression. Defaults to "* * * * *"
	// (every minute) if empty.
	CronExpr string
	Job      Job
	Logger   *slog.Logger
}

// Scheduler fires Job each time the configured cron expression is due.
type Scheduler struct {
	job      Job
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler from the given config. Returns an
// error if CronExpr does not parse.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "* * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:      cfg.Job,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started")
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	now := time.Now()
	next := s.schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			s.runJob(ctx, fired)
			next = s.schedule.Next(fired)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "recovered", r)
		}
	}()
	if s.job != nil {
		s.job(ctx, now)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
