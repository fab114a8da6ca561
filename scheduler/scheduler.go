// Package scheduler triggers incremental syncs of every configured account
// on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/sourcesync/source"
	"github.com/hazyhaar/sourcesync/syncer"
)

// Syncer runs one incremental sync.
type Syncer interface {
	SyncIncremental(ctx context.Context, account source.Account, trigger source.Trigger) (*syncer.Result, error)
}

// AccountLister returns the accounts to sync on each tick.
type AccountLister func(ctx context.Context) ([]source.Account, error)

// Config configures the scheduler.
type Config struct {
	// Spec is a cron expression or descriptor. Default: "@every 15m".
	Spec string
	// Concurrency bounds accounts synced at once. Default: 4.
	Concurrency int
	// RunOnStart fires one tick immediately in Run.
	RunOnStart bool
}

func (c *Config) defaults() {
	if c.Spec == "" {
		c.Spec = "@every 15m"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Report summarises one tick.
type Report struct {
	Accounts    int
	Completed   int
	Interrupted int // rate limited, timed out or cancelled
	Failed      int
	Skipped     int // already running
	Duration    time.Duration
}

// Scheduler owns the cron loop.
type Scheduler struct {
	sync   Syncer
	list   AccountLister
	config Config
	logger *slog.Logger
	cron   *cron.Cron
	ticks  atomic.Int64
}

// New creates a Scheduler. The cron spec is validated here.
func New(s Syncer, list AccountLister, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("scheduler: spec %q: %w", cfg.Spec, err)
	}
	cl := cronLogger{logger}
	sc := &Scheduler{
		sync:   s,
		list:   list,
		config: cfg,
		logger: logger,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	return sc, nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for the running tick to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.config.Spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add: %w", err)
	}
	if s.config.RunOnStart {
		go s.Tick(ctx)
	}
	s.cron.Start()
	s.logger.Info("scheduler: started", "spec", s.config.Spec, "concurrency", s.config.Concurrency)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler: stopped", "ticks", s.ticks.Load())
	return nil
}

// Tick syncs every account once with bounded concurrency.
func (s *Scheduler) Tick(ctx context.Context) Report {
	start := time.Now()
	s.ticks.Add(1)

	accounts, err := s.list(ctx)
	if err != nil {
		s.logger.Error("scheduler: list accounts", "error", err)
		return Report{}
	}

	var completed, interrupted, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			res, err := s.sync.SyncIncremental(gctx, acct, source.TriggerScheduled)
			switch {
			case errors.Is(err, syncer.ErrSyncInProgress):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
				s.logger.Warn("scheduler: sync", "account_id", acct.ID, "error", err)
			case res.Success:
				completed.Add(1)
			case res.Status.Resumable():
				interrupted.Add(1)
			default:
				failed.Add(1)
			}
			// Per-account failures never cancel the other accounts.
			return nil
		})
	}
	g.Wait()

	r := Report{
		Accounts:    len(accounts),
		Completed:   int(completed.Load()),
		Interrupted: int(interrupted.Load()),
		Failed:      int(failed.Load()),
		Skipped:     int(skipped.Load()),
		Duration:    time.Since(start),
	}
	s.logger.Info("scheduler: tick", "accounts", r.Accounts, "completed", r.Completed,
		"interrupted", r.Interrupted, "failed", r.Failed, "skipped", r.Skipped, "duration", r.Duration)
	return r
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
