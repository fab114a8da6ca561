// Package syncd assembles the sync service: one SQLite database, the shared
// content cache and catalogs, the sync coordinator and the scheduler, exposed
// over HTTP, WebSocket progress streams and MCP.
package syncd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sourcesync/contentcache"
	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/destination"
	"github.com/hazyhaar/sourcesync/fetch"
	"github.com/hazyhaar/sourcesync/fingerprint"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/observability"
	"github.com/hazyhaar/sourcesync/parse"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/scheduler"
	"github.com/hazyhaar/sourcesync/source"
	"github.com/hazyhaar/sourcesync/syncer"
)

// Version is reported by /health and the MCP server.
const Version = "0.3.0"

// ErrUnknownAccount is returned for an account id absent from the config.
var ErrUnknownAccount = errors.New("syncd: unknown account")

// Schemas are applied in order when the service opens its database.
var Schemas = []string{
	contentcache.Schema,
	fingerprint.Schema,
	ledger.Schema,
	destination.Schema,
	syncer.StateSchema,
	observability.Schema,
}

// Service owns every component of a running sync daemon.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	db     *sql.DB
	ownsDB bool

	accounts map[string]source.Account
	order    []string

	cache    *contentcache.Cache
	catalog  *fingerprint.Catalog
	attempts *ledger.Store
	ledger   *ledger.Ledger
	items    *destination.Store
	states   *syncer.StateStore
	proc     *pipeline.Processor
	coord    *syncer.Coordinator
	sched    *scheduler.Scheduler
	metrics  *observability.Recorder

	stopWatch context.CancelFunc
	watchDone <-chan struct{}
}

type options struct {
	db      *sql.DB
	fetcher source.Fetcher
	blobs   contentcache.BlobStore
	now     func() time.Time
}

// Option customises New.
type Option func(*options)

// WithDB uses an already-open database. Schemas are still applied; Close
// leaves the database open.
func WithDB(db *sql.DB) Option { return func(o *options) { o.db = db } }

// WithFetcher replaces the HTTP client.
func WithFetcher(f source.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithBlobs replaces the filesystem payload store.
func WithBlobs(b contentcache.BlobStore) Option { return func(o *options) { o.blobs = b } }

// WithClock replaces time.Now in the coordinator, cache, catalog and ledger.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New wires a Service from cfg. cfg must have passed LoadConfig or Validate.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	s := &Service{cfg: cfg, logger: logger, accounts: make(map[string]source.Account)}
	for _, a := range cfg.Accounts {
		s.accounts[a.ID] = a
		s.order = append(s.order, a.ID)
	}

	if o.db != nil {
		for _, schema := range Schemas {
			if _, err := dbopen.Exec(context.Background(), o.db, schema); err != nil {
				return nil, fmt.Errorf("syncd: schema: %w", err)
			}
		}
		s.db = o.db
	} else {
		dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
		for _, schema := range Schemas {
			dbOpts = append(dbOpts, dbopen.WithSchema(schema))
		}
		db, err := dbopen.Open(cfg.DBPath, dbOpts...)
		if err != nil {
			return nil, fmt.Errorf("syncd: %w", err)
		}
		s.db, s.ownsDB = db, true
	}

	if o.blobs == nil {
		o.blobs = contentcache.NewFSBlobs(cfg.BlobDir)
	}
	if o.fetcher == nil {
		fc := fetch.Config{Timeout: cfg.Fetch.Timeout, MaxBytes: cfg.Fetch.MaxBytes, UserAgent: cfg.Fetch.UserAgent}
		if cfg.Fetch.AllowPrivate {
			fc.URLValidator = func(string) error { return nil }
		}
		o.fetcher = fetch.New(fc)
	}

	s.cache = contentcache.New(s.db, o.blobs,
		contentcache.WithClock(o.now), contentcache.WithLogger(logger.With("component", "contentcache")))
	s.catalog = fingerprint.NewCatalog(s.db,
		fingerprint.WithClock(o.now), fingerprint.WithLogger(logger.With("component", "fingerprint")))
	s.attempts = ledger.NewStore(s.db)
	s.ledger = ledger.New(s.attempts, ledger.WithClock(o.now), ledger.WithLogger(logger.With("component", "ledger")))
	s.items = destination.New(s.db)
	s.states = syncer.NewStateStore(s.db)

	s.proc = pipeline.New(pipeline.Deps{
		Cache:   s.cache,
		Fetcher: o.fetcher,
		Parser:  parse.New(cfg.Parse),
		Catalog: s.catalog,
		Ledger:  s.ledger,
		Logger:  logger.With("component", "pipeline"),
	})
	s.coord = syncer.New(syncer.Config{
		IncrementalMaxPages: cfg.Sync.IncrementalMaxPages,
		MaxItems:            cfg.Sync.MaxItems,
		Budget:              cfg.Sync.Budget,
	}, syncer.Deps{
		Processor:   s.proc,
		Destination: s.items,
		States:      s.states,
		Logger:      logger.With("component", "syncer"),
		Now:         o.now,
	})

	s.metrics = observability.NewRecorder(s.db, observability.Config{FlushInterval: cfg.Metrics.FlushInterval},
		logger.With("component", "observability"))
	watchCtx, stopWatch := context.WithCancel(context.Background())
	s.stopWatch = stopWatch
	s.watchDone = s.metrics.WatchRuns(watchCtx, s.coord.Bus())

	if cfg.Schedule.Enabled {
		sched, err := scheduler.New(s.coord, s.listAccounts, scheduler.Config{
			Spec:        cfg.Schedule.Spec,
			Concurrency: cfg.Schedule.Concurrency,
			RunOnStart:  cfg.Schedule.RunOnStart,
		}, logger.With("component", "scheduler"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sched = sched
	}

	logger.Info("syncd: ready", "db", cfg.DBPath, "accounts", len(s.order), "schedule", cfg.Schedule.Enabled)
	return s, nil
}

// Close stops the metrics watcher, flushes pending metrics and releases the
// database when the service opened it.
func (s *Service) Close() error {
	if s.stopWatch != nil {
		s.stopWatch()
		<-s.watchDone
		s.metrics.Close()
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Run blocks until ctx is cancelled, running the scheduler when enabled and
// pruning metrics older than the retention once a day.
func (s *Service) Run(ctx context.Context) error {
	go s.pruneMetrics(ctx)
	if s.sched == nil {
		<-ctx.Done()
		return nil
	}
	return s.sched.Run(ctx)
}

func (s *Service) pruneMetrics(ctx context.Context) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		n, err := s.metrics.Cleanup(ctx, s.cfg.Metrics.Retention)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("syncd: metrics cleanup", "error", err)
		} else if n > 0 {
			s.logger.Info("syncd: metrics pruned", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Metrics queries the run metrics timeseries.
func (s *Service) Metrics(ctx context.Context, f observability.Filter) ([]*observability.Metric, error) {
	return s.metrics.Query(ctx, f)
}

// Bus returns the progress bus.
func (s *Service) Bus() *syncer.Bus { return s.coord.Bus() }

// Accounts returns the configured accounts in config order.
func (s *Service) Accounts() []source.Account {
	out := make([]source.Account, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.accounts[id])
	}
	return out
}

func (s *Service) listAccounts(context.Context) ([]source.Account, error) {
	return s.Accounts(), nil
}

// Account looks up a configured account.
func (s *Service) Account(id string) (source.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return source.Account{}, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return a, nil
}

// Sync runs one sync of accountID in mode and returns when it ends.
func (s *Service) Sync(ctx context.Context, accountID string, mode syncer.Mode, trigger source.Trigger) (*syncer.Result, error) {
	a, err := s.Account(accountID)
	if err != nil {
		return nil, err
	}
	switch mode {
	case syncer.ModeFull:
		return s.coord.SyncFull(ctx, a, trigger)
	case syncer.ModeIncremental, "":
		return s.coord.SyncIncremental(ctx, a, trigger)
	}
	return nil, fmt.Errorf("syncd: unknown mode %q", mode)
}

// Cancel asks the account's running sync to stop. It reports whether a run
// was active.
func (s *Service) Cancel(accountID string) (bool, error) {
	if _, err := s.Account(accountID); err != nil {
		return false, err
	}
	return s.coord.Cancel(accountID), nil
}

// State returns the persisted sync state of accountID.
func (s *Service) State(ctx context.Context, accountID string) (*syncer.SyncState, error) {
	if _, err := s.Account(accountID); err != nil {
		return nil, err
	}
	return s.coord.State(ctx, accountID)
}

// States returns every persisted sync state.
func (s *Service) States(ctx context.Context) ([]*syncer.SyncState, error) {
	return s.states.List(ctx)
}

// Items lists merged items of accountID, newest first.
func (s *Service) Items(ctx context.Context, accountID string, limit int) ([]source.Item, error) {
	if _, err := s.Account(accountID); err != nil {
		return nil, err
	}
	return s.items.List(ctx, accountID, limit)
}

// Attempts queries the attempt ledger.
func (s *Service) Attempts(ctx context.Context, f ledger.Filter) ([]*ledger.Attempt, error) {
	return s.attempts.Query(ctx, f)
}

// CategoryCounts counts failed attempts per category since the given time.
func (s *Service) CategoryCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	counts, err := s.attempts.CategoryCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for c, n := range counts {
		out[string(c)] = n
	}
	return out, nil
}

// Structures returns catalog statistics with the top n structures.
func (s *Service) Structures(ctx context.Context, top int) (*fingerprint.Stats, error) {
	return s.catalog.Stats(ctx, top)
}

// CacheStats returns content cache statistics.
func (s *Service) CacheStats(ctx context.Context) (*contentcache.Stats, error) {
	return s.cache.Stats(ctx)
}

// RecordManual stores operator-supplied content for a page.
func (s *Service) RecordManual(ctx context.Context, m pipeline.ManualPayload) (*pipeline.PageOutcome, error) {
	return s.proc.RecordManual(ctx, m)
}

// ImportBulk stores many operator-supplied payloads.
func (s *Service) ImportBulk(ctx context.Context, items []pipeline.ManualPayload) (*pipeline.BulkResult, error) {
	return s.proc.ImportBulk(ctx, items)
}

// Running reports whether accountID has an active sync.
func (s *Service) Running(accountID string) bool {
	for _, id := range s.coord.Running() {
		if id == accountID {
			return true
		}
	}
	return false
}
