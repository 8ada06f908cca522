// Package scheduler drives the unattended runs: the one-off seed pass, the
// periodic catalog and price passes, and the periodic duplicate cleanup.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/store"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

// ErrBusy means another scheduled or manual pass is still running
var ErrBusy = errors.New("scheduler: a run is already in progress")

// Syncer runs full catalog and price passes
type Syncer interface {
	RunAll(ctx context.Context, kind catsync.RunKind, in catsync.RunInput) (*catsync.SyncResult, error)
}

// Reconciler removes duplicate catalog products
type Reconciler interface {
	Reconcile(ctx context.Context, maxGroups int) (*dedupe.Result, error)
}

// StateStore keeps the seed and last-sync markers
type StateStore interface {
	Get(ctx context.Context, key string) (*models.SyncState, error)
	MarkSeedCompleted(ctx context.Context, key string, at time.Time) error
	MarkSyncCompleted(ctx context.Context, key, runID string, at time.Time) error
}

// RunStore keeps the run history
type RunStore interface {
	Save(ctx context.Context, run *models.SyncRun) error
}

// Broadcaster pushes finished runs to live subscribers
type Broadcaster interface {
	Broadcast(message interface{})
}

// Config tunes the scheduler
type Config struct {
	Enabled         bool
	SeedOnStartup   bool
	StartupDelay    time.Duration
	SyncInterval    time.Duration
	DedupeEnabled   bool
	DedupeInterval  time.Duration
	DedupeMaxGroups int
}

// RunMessage is what the run feed receives for every finished run
type RunMessage struct {
	Type string          `json:"type"`
	Run  *models.SyncRun `json:"run"`
}

// Topic lets feed subscribers filter by run kind
func (m RunMessage) Topic() string {
	if m.Run == nil {
		return ""
	}
	return m.Run.Kind
}

// Scheduler runs syncs on a timer. At most one pass runs at a time.
type Scheduler struct {
	syncer     Syncer
	reconciler Reconciler
	state      StateStore
	runs       RunStore
	hub        Broadcaster
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	busy sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithBroadcaster publishes every recorded run
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.hub = b }
}

// WithLogger sets the scheduler logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. reconciler may be nil when duplicate cleanup is
// not wired.
func New(syncer Syncer, reconciler Reconciler, state StateStore, runs RunStore, cfg Config, opts ...Option) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	if cfg.DedupeInterval <= 0 {
		cfg.DedupeInterval = time.Hour
	}
	s := &Scheduler{
		syncer:     syncer,
		reconciler: reconciler,
		state:      state,
		runs:       runs,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Start launches the background loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("Sync scheduler disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for the current pass to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.log.Info("Sync scheduler started",
		zap.Duration("sync_interval", s.cfg.SyncInterval),
		zap.Bool("dedupe", s.dedupeEnabled()),
		zap.Duration("dedupe_interval", s.cfg.DedupeInterval))

	if s.cfg.StartupDelay > 0 {
		select {
		case <-time.After(s.cfg.StartupDelay):
		case <-ctx.Done():
			return
		}
	}

	if s.cfg.SeedOnStartup {
		if err := s.Seed(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("Initial seed failed", zap.Error(err))
		}
	}

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()

	var dedupeC <-chan time.Time
	if s.dedupeEnabled() {
		dedupeTicker := time.NewTicker(s.cfg.DedupeInterval)
		defer dedupeTicker.Stop()
		dedupeC = dedupeTicker.C
	}

	for {
		select {
		case <-syncTicker.C:
			if err := s.RunPass(ctx, catsync.TriggerSchedule); err != nil {
				s.logPassError("Scheduled sync failed", err)
			}
		case <-dedupeC:
			if _, err := s.RunDedupe(ctx, string(catsync.TriggerSchedule), s.cfg.DedupeMaxGroups); err != nil {
				s.logPassError("Scheduled dedupe failed", err)
			}
		case <-ctx.Done():
			s.log.Info("Sync scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) dedupeEnabled() bool {
	return s.cfg.DedupeEnabled && s.reconciler != nil
}

func (s *Scheduler) logPassError(msg string, err error) {
	if errors.Is(err, ErrBusy) {
		s.log.Debug("Skipping tick, previous run still active")
		return
	}
	s.log.Error(msg, zap.Error(err))
}

// Seed runs the first full catalog and price pass unless it already
// completed once. The marker is set only when both passes finished.
func (s *Scheduler) Seed(ctx context.Context) error {
	if !s.busy.TryLock() {
		return ErrBusy
	}
	defer s.busy.Unlock()

	st, err := s.state.Get(ctx, store.DefaultStateKey)
	if err != nil {
		return err
	}
	if st.SeedCompleted {
		s.log.Debug("Seed already completed", zap.Timep("at", st.SeedCompletedAt))
		return nil
	}

	s.log.Info("Running initial seed")
	if err := s.pass(ctx, catsync.TriggerSeed); err != nil {
		return err
	}
	if err := s.state.MarkSeedCompleted(ctx, store.DefaultStateKey, s.now()); err != nil {
		return err
	}
	s.log.Info("Initial seed completed")
	return nil
}

// RunPass runs a full catalog pass followed by a full price pass
func (s *Scheduler) RunPass(ctx context.Context, trigger catsync.Trigger) error {
	if !s.busy.TryLock() {
		return ErrBusy
	}
	defer s.busy.Unlock()
	return s.pass(ctx, trigger)
}

func (s *Scheduler) pass(ctx context.Context, trigger catsync.Trigger) error {
	var last string
	for _, kind := range []catsync.RunKind{catsync.RunKindProducts, catsync.RunKindPrices} {
		started := s.now()
		res, err := s.syncer.RunAll(ctx, kind, catsync.RunInput{})
		if err != nil {
			s.Record(ctx, models.NewFailedRun(string(kind), string(trigger), started, s.now(), err))
			return err
		}
		run := res.Record(trigger)
		s.Record(ctx, run)
		last = run.RunID
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return s.state.MarkSyncCompleted(ctx, store.DefaultStateKey, last, s.now())
}

// RunDedupe runs the reconciler under the single-flight guard
func (s *Scheduler) RunDedupe(ctx context.Context, trigger string, maxGroups int) (*dedupe.Result, error) {
	if s.reconciler == nil {
		return nil, errors.New("scheduler: no reconciler configured")
	}
	if !s.busy.TryLock() {
		return nil, ErrBusy
	}
	defer s.busy.Unlock()

	started := s.now()
	res, err := s.reconciler.Reconcile(ctx, maxGroups)
	if err != nil {
		s.Record(ctx, models.NewFailedRun(dedupe.RunKind, trigger, started, s.now(), err))
		return nil, err
	}
	s.Record(ctx, res.Record(trigger))
	return res, nil
}

// Record saves run to the history and publishes it on the feed. Storage
// failures are logged; the run result itself is never lost to the caller.
func (s *Scheduler) Record(ctx context.Context, run *models.SyncRun) {
	if s.runs != nil {
		if err := s.runs.Save(context.WithoutCancel(ctx), run); err != nil {
			s.log.Error("Failed to save run history", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	if s.hub != nil {
		s.hub.Broadcast(RunMessage{Type: "run.finished", Run: run})
	}
}
