// Package cron drives the wake engine: one tick on start, then one every
// interval, each under a cross-process file lock.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskpulse/internal/telemetry"
	"github.com/basket/taskpulse/internal/wake"
)

// Ticker is the wake engine as seen by the scheduler.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (wake.Report, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Engine   Ticker
	LockPath string
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// Now defaults to time.Now.
	Now func() time.Time
	// OnReport, when set, receives every completed tick's report.
	OnReport func(wake.Report)
}

// Scheduler runs engine ticks on a fixed period. Overlapping ticks in the
// same process are skipped by the cron chain; ticks in other processes are
// excluded by the file lock.
type Scheduler struct {
	engine   Ticker
	lock     *FileLock
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	onReport func(wake.Report)

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("cron: engine is required")
	}
	if cfg.LockPath == "" {
		return nil, fmt.Errorf("cron: lock path is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		engine:   cfg.Engine,
		lock:     NewFileLock(cfg.LockPath),
		logger:   telemetry.ForComponent(logger, "cron"),
		interval: interval,
		now:      now,
		onReport: cfg.OnReport,
	}, nil
}

// Start fires one tick immediately, then one every interval, until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cronlib.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	s.cron = cronlib.New(cronlib.WithChain(
		cronlib.Recover(cronLogger),
		cronlib.SkipIfStillRunning(cronLogger),
	))
	s.cron.Schedule(cronlib.Every(s.interval), cronlib.FuncJob(func() { s.runLogged(ctx) }))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLogged(ctx)
		s.cron.Start()
	}()
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("tick failed", "error", err)
	}
}

// RunOnce runs one tick under the file lock. ran is false when another
// tick holds the lock. The tick is bounded by the scheduler interval.
func (s *Scheduler) RunOnce(ctx context.Context) (report wake.Report, ran bool, err error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return wake.Report{}, false, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		s.logger.Warn("tick skipped: another process holds the lock", "lock", s.lock.path)
		return wake.Report{}, false, nil
	}
	defer func() {
		if uerr := s.lock.Unlock(); uerr != nil {
			s.logger.Warn("release tick lock", "error", uerr)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	report, err = s.engine.Tick(ctx, s.now())
	if err != nil {
		return report, true, err
	}
	if s.onReport != nil {
		s.onReport(report)
	}
	return report, true, nil
}
