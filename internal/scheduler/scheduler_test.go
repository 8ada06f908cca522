package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	"github.com/xelth-com/catalogsync/internal/store"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

var runSeq atomic.Int64

func nextRunID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, runSeq.Add(1))
}

type fakeSyncer struct {
	mu      sync.Mutex
	kinds   []catsync.RunKind
	err     error
	release chan struct{}
	entered chan struct{}
}

func (f *fakeSyncer) RunAll(ctx context.Context, kind catsync.RunKind, in catsync.RunInput) (*catsync.SyncResult, error) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &catsync.SyncResult{
		RunID:          nextRunID(string(kind)),
		Kind:           kind,
		StartedAt:      now,
		FinishedAt:     now,
		SyncedProducts: 2,
		Errors:         []catsync.ItemError{},
	}, nil
}

func (f *fakeSyncer) calls() []catsync.RunKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catsync.RunKind(nil), f.kinds...)
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, maxGroups int) (*dedupe.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, maxGroups)
	f.mu.Unlock()
	now := time.Now()
	return &dedupe.Result{
		RunID:        nextRunID("dedupe"),
		Policy:       "keep-newest",
		StartedAt:    now,
		FinishedAt:   now,
		DeletedCount: 1,
		DeletedIDs:   []string{"p1"},
		Errors:       []dedupe.ItemError{},
	}, nil
}

func (f *fakeReconciler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingHub struct {
	mu       sync.Mutex
	messages []RunMessage
}

func (h *recordingHub) Broadcast(message interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := message.(RunMessage); ok {
		h.messages = append(h.messages, m)
	}
}

func setupStores(t *testing.T) (*store.StateStore, *store.RunStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return store.NewStateStore(db), store.NewRunStore(db)
}

func TestSeed_RunsOnce(t *testing.T) {
	ctx := context.Background()
	state, runs := setupStores(t)
	syncer := &fakeSyncer{}
	hub := &recordingHub{}
	s := New(syncer, nil, state, runs, Config{}, WithBroadcaster(hub))

	require.NoError(t, s.Seed(ctx))
	assert.Equal(t, []catsync.RunKind{catsync.RunKindProducts, catsync.RunKindPrices}, syncer.calls())

	st, err := state.Get(ctx, store.DefaultStateKey)
	require.NoError(t, err)
	assert.True(t, st.SeedCompleted)
	assert.NotNil(t, st.LastSyncCompletedAt)

	history, err := runs.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, run := range history {
		assert.Equal(t, string(catsync.TriggerSeed), run.Trigger)
	}
	require.Len(t, hub.messages, 2)
	assert.ElementsMatch(t,
		[]string{string(catsync.RunKindProducts), string(catsync.RunKindPrices)},
		[]string{hub.messages[0].Topic(), hub.messages[1].Topic()})
	assert.Empty(t, RunMessage{Type: "run.finished"}.Topic())

	require.NoError(t, s.Seed(ctx))
	assert.Len(t, syncer.calls(), 2, "a completed seed must not run again")
}

func TestSeed_FailureLeavesMarkerUnset(t *testing.T) {
	ctx := context.Background()
	state, runs := setupStores(t)
	authErr := &odoo.AuthError{Username: "admin", Err: errors.New("access denied")}
	syncer := &fakeSyncer{err: authErr}
	s := New(syncer, nil, state, runs, Config{})

	err := s.Seed(ctx)
	require.Error(t, err)
	assert.True(t, odoo.IsAuthError(err))
	assert.Equal(t, []catsync.RunKind{catsync.RunKindProducts}, syncer.calls(), "prices never run after a fatal catalog pass")

	st, err := state.Get(ctx, store.DefaultStateKey)
	require.NoError(t, err)
	assert.False(t, st.SeedCompleted)

	history, err := runs.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "products", history[0].Kind)
	assert.NotEmpty(t, history[0].Fatal)
}

func TestRunPass_SingleFlight(t *testing.T) {
	ctx := context.Background()
	state, runs := setupStores(t)
	syncer := &fakeSyncer{release: make(chan struct{}), entered: make(chan struct{}, 4)}
	s := New(syncer, &fakeReconciler{}, state, runs, Config{})

	errc := make(chan error, 1)
	go func() { errc <- s.RunPass(ctx, catsync.TriggerManual) }()
	<-syncer.entered

	assert.ErrorIs(t, s.RunPass(ctx, catsync.TriggerSchedule), ErrBusy)
	_, err := s.RunDedupe(ctx, "manual", 0)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.Seed(ctx), ErrBusy)

	close(syncer.release)
	require.NoError(t, <-errc)
	assert.Len(t, syncer.calls(), 2)
}

func TestRunDedupe_RecordsRun(t *testing.T) {
	ctx := context.Background()
	state, runs := setupStores(t)
	rec := &fakeReconciler{}
	s := New(&fakeSyncer{}, rec, state, runs, Config{})

	res, err := s.RunDedupe(ctx, "manual", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Equal(t, []int{5}, rec.calls)

	history, err := runs.List(ctx, dedupe.RunKind, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].DeletedProducts)
}

func TestStartStop_RunsOnTicks(t *testing.T) {
	state, runs := setupStores(t)
	syncer := &fakeSyncer{}
	rec := &fakeReconciler{}
	s := New(syncer, rec, state, runs, Config{
		Enabled:         true,
		SeedOnStartup:   true,
		SyncInterval:    20 * time.Millisecond,
		DedupeEnabled:   true,
		DedupeInterval:  20 * time.Millisecond,
		DedupeMaxGroups: 3,
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(syncer.calls()) >= 4 && rec.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	after := len(syncer.calls())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, len(syncer.calls()), "no runs after Stop")

	st, err := state.Get(context.Background(), store.DefaultStateKey)
	require.NoError(t, err)
	assert.True(t, st.SeedCompleted)
}

func TestStart_Disabled(t *testing.T) {
	state, runs := setupStores(t)
	syncer := &fakeSyncer{}
	s := New(syncer, nil, state, runs, Config{Enabled: false, SyncInterval: time.Millisecond})

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Empty(t, syncer.calls())
}
