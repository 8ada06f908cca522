package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/catalogsync/internal/catalog/catalogtest"
	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	"github.com/xelth-com/catalogsync/internal/services/odoo/odootest"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

type memRuns struct {
	mu   sync.Mutex
	runs []models.SyncRun
}

func (m *memRuns) Record(ctx context.Context, run *models.SyncRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append([]models.SyncRun{*run}, m.runs...)
}

func (m *memRuns) List(ctx context.Context, kind string, limit int) ([]models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SyncRun
	for _, r := range m.runs {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeSeeder struct {
	calls int
	err   error
}

func (f *fakeSeeder) Seed(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeState struct {
	resets []string
	purged []string
}

func (f *fakeState) Get(ctx context.Context, key string) (*models.SyncState, error) {
	return &models.SyncState{Key: key, SeedCompleted: true}, nil
}

func (f *fakeState) Reset(ctx context.Context, key string) error {
	f.resets = append(f.resets, key)
	return nil
}

func (f *fakeState) Purge(ctx context.Context, entityType string) (int64, error) {
	f.purged = append(f.purged, entityType)
	return 3, nil
}

type fixture struct {
	cat    *catalogtest.Catalog
	erp    *odootest.Server
	runs   *memRuns
	seeder *fakeSeeder
	state  *fakeState
	loads  int
	closed int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalogtest.New()
	cat.AddRegion("reg_eu", "eur")
	return &fixture{cat: cat, erp: odootest.New(), runs: &memRuns{}, seeder: &fakeSeeder{}, state: &fakeState{}}
}

func (f *fixture) load(t *testing.T) Loader {
	return func(ctx context.Context, opts *RootOptions) (*Services, error) {
		f.loads++
		engine, err := catsync.NewEngine(f.cat, f.erp, nil, catsync.Config{ProductType: "consu", ReferenceField: "x_catalog_id"})
		require.NoError(t, err)
		return &Services{
			Syncer:     engine,
			Reconciler: dedupe.New(f.cat, nil),
			Policies:   dedupe.NewPolicyRegistry(),
			Seeder:     f.seeder,
			State:      f.state,
			Checksums:  f.state,
			Recorder:   f.runs,
			Runs:       f.runs,
			Fields:     odoo.NewSchema(f.erp, time.Minute),
			Close:      func() { f.closed++ },
		}, nil
	}
}

func (f *fixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(f.load(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	assert.Equal(t, "catalogsync", cmd.Use)

	for _, path := range [][]string{{"sync", "products"}, {"sync", "prices"}, {"dedupe"}, {"seed"}, {"fields"}, {"runs"}, {"reset"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestWindowFlags(t *testing.T) {
	cmd := NewRootCommand(nil)

	products, _, err := cmd.Find([]string{"sync", "products"})
	require.NoError(t, err)
	for _, name := range []string{"ids", "limit", "offset"} {
		assert.NotNil(t, products.Flags().Lookup(name), name)
	}
	assert.Nil(t, products.Flags().Lookup("region"))

	prices, _, err := cmd.Find([]string{"sync", "prices"})
	require.NoError(t, err)
	assert.NotNil(t, prices.Flags().Lookup("region"))
}

func TestSyncProducts(t *testing.T) {
	f := newFixture(t)
	f.cat.Add(catalogtest.Product("p1", "Linen Shirt", "S", "M"), catalogtest.Product("p2", "Straw Hat"))

	out, err := f.execute(t, "sync", "products", "--ids", "p1,p2")
	require.NoError(t, err)

	var res catsync.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.CreatedProducts)
	assert.Len(t, f.erp.Records("product.template"), 2)

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, string(catsync.RunKindProducts), f.runs.runs[0].Kind)
	assert.Equal(t, string(catsync.TriggerManual), f.runs.runs[0].Trigger)
	assert.Equal(t, 1, f.closed)
}

func TestSyncPrices(t *testing.T) {
	f := newFixture(t)
	f.cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	f.cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")

	_, err := f.execute(t, "sync", "products")
	require.NoError(t, err)

	out, err := f.execute(t, "sync", "prices", "--ids", "p1", "--region", "reg_eu")
	require.NoError(t, err)

	var res catsync.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.CreatedPrices)
	assert.Len(t, f.runs.runs, 2)
}

func TestSyncProducts_InvalidWindowIsNotRecorded(t *testing.T) {
	f := newFixture(t)

	_, err := f.execute(t, "sync", "products", "--limit", "100000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, catsync.ErrInvalidInput))
	assert.Empty(t, f.runs.runs)
}

func TestSyncProducts_FatalErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.cat.Add(catalogtest.Product("p1", "Linen Shirt"))
	f.erp.FailOn = func(model, method string, values map[string]interface{}) error {
		return &odoo.AuthError{Username: "admin"}
	}

	_, err := f.execute(t, "sync", "products")
	require.Error(t, err)
	require.Len(t, f.runs.runs, 1)
	assert.NotEmpty(t, f.runs.runs[0].Fatal)
}

func TestDedupe(t *testing.T) {
	f := newFixture(t)
	older := catalogtest.Product("p1", "Shirt")
	older.Handle = "shirt"
	newer := catalogtest.Product("p2", "Shirt")
	newer.Handle = "shirt"
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	f.cat.Add(older, newer)

	_, err := f.execute(t, "dedupe", "--policy", "keep-first-seen")
	assert.True(t, errors.Is(err, dedupe.ErrUnknownPolicy))

	out, err := f.execute(t, "dedupe", "--policy", dedupe.PolicyKeepOldest)
	require.NoError(t, err)

	var res dedupe.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.DeletedCount)
	assert.Equal(t, []string{"p2"}, f.cat.Deleted())
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, dedupe.RunKind, f.runs.runs[0].Kind)
}

func TestDedupe_NegativeMaxGroups(t *testing.T) {
	f := newFixture(t)
	_, err := f.execute(t, "dedupe", "--max-groups", "-1")
	require.Error(t, err)
	assert.Zero(t, f.loads, "flag errors do not load services")
}

func TestSeed(t *testing.T) {
	f := newFixture(t)

	out, err := f.execute(t, "seed")
	require.NoError(t, err)
	assert.Equal(t, 1, f.seeder.calls)
	var st models.SyncState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "catalog", st.Key)
	assert.True(t, st.SeedCompleted)

	f.seeder.err = errors.New("catalog unreachable")
	_, err = f.execute(t, "seed")
	assert.EqualError(t, err, "catalog unreachable")
}

func TestFields(t *testing.T) {
	f := newFixture(t)

	out, err := f.execute(t, "fields", "product.template")
	require.NoError(t, err)

	var body struct {
		Model  string                     `json:"model"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "product.template", body.Model)
	assert.Contains(t, body.Fields, "x_catalog_id")

	_, err = f.execute(t, "fields")
	assert.Error(t, err)
}

func TestRuns(t *testing.T) {
	f := newFixture(t)
	f.cat.Add(catalogtest.Product("p1", "Linen Shirt"))
	_, err := f.execute(t, "sync", "products")
	require.NoError(t, err)

	out, err := f.execute(t, "runs", "--kind", "products")
	require.NoError(t, err)

	var runs []models.SyncRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "products", runs[0].Kind)
}

func TestReset(t *testing.T) {
	f := newFixture(t)

	_, err := f.execute(t, "reset")
	require.Error(t, err)
	assert.Zero(t, f.loads)

	out, err := f.execute(t, "reset", "--seed", "--checksums", "--type", "product")
	require.NoError(t, err)

	var res ResetResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.SeedReset)
	assert.Equal(t, int64(3), res.PurgedChecksums)
	assert.Equal(t, []string{"catalog"}, f.state.resets)
	assert.Equal(t, []string{"product"}, f.state.purged)
}
