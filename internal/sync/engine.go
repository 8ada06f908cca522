// Package sync mirrors catalog products and prices into Odoo. Every run is
// re-runnable: records are resolved before they are created, and per-item
// failures are collected instead of aborting the batch.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/lock"
	"github.com/xelth-com/catalogsync/internal/mapper"
	"github.com/xelth-com/catalogsync/internal/metrics"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/resolver"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
)

var (
	// ErrNotSynced means the product or variant has no ERP counterpart yet
	ErrNotSynced = errors.New("sync: not synced to ERP yet")
	// ErrNoRegion means no pricing region could be chosen
	ErrNoRegion = errors.New("sync: no catalog region available")
	// ErrUnknownCurrency means the ERP has no res.currency for a price's currency
	ErrUnknownCurrency = errors.New("sync: currency not configured in ERP")
)

// Catalog is the source catalog the engine reads from
type Catalog interface {
	ListProducts(ctx context.Context, q catalog.ListQuery) (*catalog.ProductPage, error)
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
	ListRegions(ctx context.Context) ([]catalog.Region, error)
	CalculatedPrices(ctx context.Context, productIDs []string, regionID string) (map[string]catalog.CalculatedPrice, error)
}

// Remote is the Odoo surface the engine writes through
type Remote interface {
	resolver.Remote
	odoo.FieldDescriber
	Create(ctx context.Context, model string, values map[string]interface{}) (int64, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) error
}

// ChecksumStore persists the fingerprint last pushed per catalog entity
type ChecksumStore interface {
	Get(ctx context.Context, entityType, entityID string) (*models.EntityChecksum, bool, error)
	Put(ctx context.Context, entityType, entityID string, remoteID int64, hash string) error
}

// Config tunes the engine
type Config struct {
	ProductType         string
	ReferenceField      string
	AmountsInMinorUnits bool
	BatchSize           int
	MaxBatchSize        int
	DefaultRegionID     string
	Workers             int
	SchemaTTL           time.Duration
}

// Engine runs catalog and price synchronization
type Engine struct {
	catalog   Catalog
	remote    Remote
	schema    *odoo.Schema
	checksums *ChecksumCalculator
	locker    lock.Locker
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLocker replaces the in-process product lock
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLogger sets the engine logger
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSchema shares a schema snapshot with other components
func WithSchema(s *odoo.Schema) Option {
	return func(e *Engine) { e.schema = s }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. The product type must be one Odoo knows;
// whether this particular server accepts it is checked at the start of each run.
func NewEngine(cat Catalog, remote Remote, checksums ChecksumStore, cfg Config, opts ...Option) (*Engine, error) {
	pt, err := odoo.ParseProductType(cfg.ProductType)
	if err != nil {
		return nil, err
	}
	cfg.ProductType = string(pt)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > MaxBatchSize {
		cfg.MaxBatchSize = MaxBatchSize
	}
	if cfg.BatchSize > cfg.MaxBatchSize {
		cfg.BatchSize = cfg.MaxBatchSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = 10 * time.Minute
	}

	e := &Engine{
		catalog:   cat,
		remote:    remote,
		checksums: NewChecksumCalculator(checksums),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	if e.schema == nil {
		e.schema = odoo.NewSchema(remote, cfg.SchemaTTL)
	}
	return e, nil
}

// run holds what one run resolves once and reuses: the schema-dependent
// options and the shared records (attributes, categories, tags, pricelists).
type run struct {
	kind     RunKind
	res      *resolver.Resolver
	mapOpts  mapper.Options
	withTags bool
	regionID string

	mu         sync.Mutex
	attributes map[string]int64
	values     map[string]int64
	categories map[string]int64
	tags       map[string]int64
	pricelists map[string]int64
}

// begin checks the ERP schema and prepares the per-run state. Any error here
// aborts the run before a single write.
func (e *Engine) begin(ctx context.Context, kind RunKind) (*run, error) {
	if kind == RunKindProducts {
		if err := e.schema.ValidateSelection(ctx, resolver.ModelTemplate, "type", e.cfg.ProductType); err != nil {
			return nil, fmt.Errorf("validate product type: %w", err)
		}
	}

	ref := e.cfg.ReferenceField
	if ref != "" {
		ok, err := e.schema.HasField(ctx, resolver.ModelTemplate, ref)
		if err != nil {
			return nil, fmt.Errorf("check reference field: %w", err)
		}
		if !ok {
			e.log.Warn("Reference field missing on product.template, matching by SKU and name only",
				zap.String("field", ref))
			ref = ""
		}
	}

	withTags, err := e.schema.HasField(ctx, resolver.ModelTemplate, "product_tag_ids")
	if err != nil {
		return nil, fmt.Errorf("check tag field: %w", err)
	}

	return &run{
		kind: kind,
		res:  resolver.New(e.remote, ref, e.log),
		mapOpts: mapper.Options{
			ProductType:         e.cfg.ProductType,
			ReferenceField:      ref,
			AmountsInMinorUnits: e.cfg.AmountsInMinorUnits,
		},
		withTags:   withTags,
		attributes: make(map[string]int64),
		values:     make(map[string]int64),
		categories: make(map[string]int64),
		tags:       make(map[string]int64),
		pricelists: make(map[string]int64),
	}, nil
}

// ensure returns the cached id for key, else finds or creates it. Shared
// records go through one mutex so parallel workers never create twins.
func (r *run) ensure(cache map[string]int64, key string, find func() (int64, bool, error), create func() (int64, error)) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := cache[key]; ok {
		return id, nil
	}
	id, found, err := find()
	if err != nil {
		return 0, err
	}
	if !found {
		if id, err = create(); err != nil {
			return 0, err
		}
	}
	cache[key] = id
	return id, nil
}

// resolveRegion picks the pricing region: explicit, configured default, or
// the region with the smallest id
func (e *Engine) resolveRegion(ctx context.Context, regionID string) (string, error) {
	if regionID != "" {
		return regionID, nil
	}
	if e.cfg.DefaultRegionID != "" {
		return e.cfg.DefaultRegionID, nil
	}
	regions, err := e.catalog.ListRegions(ctx)
	if err != nil {
		return "", fmt.Errorf("list regions: %w", err)
	}
	if len(regions) == 0 {
		return "", ErrNoRegion
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].ID < regions[j].ID })
	e.log.Debug("Using fallback pricing region", zap.String("region_id", regions[0].ID))
	return regions[0].ID, nil
}

// classify maps an item failure onto the run error taxonomy
func classify(err error) ErrorKind {
	var writeErr *odoo.RemoteWriteError
	var transientErr *odoo.TransientError
	var statusErr *catalog.StatusError

	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrNotSynced):
		return ErrorKindNotSynced
	case errors.Is(err, ErrUnknownCurrency), errors.Is(err, odoo.ErrUnknownSelection), errors.Is(err, odoo.ErrUnknownField):
		return ErrorKindValidation
	case errors.As(err, &writeErr):
		return ErrorKindRemoteWrite
	case errors.As(err, &transientErr):
		return ErrorKindTransient
	case errors.As(err, &statusErr) && statusErr.Temporary():
		return ErrorKindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	}
	return ErrorKindInternal
}

func productLabel(p catalog.Product) string {
	if p.Title != "" {
		return p.Title
	}
	return p.ID
}

func variantLabel(p catalog.Product, v catalog.Variant) string {
	label := productLabel(p)
	switch {
	case v.SKU != "":
		return label + " [" + v.SKU + "]"
	case v.Title != "":
		return label + " / " + v.Title
	}
	return label + " / " + v.ID
}

func (e *Engine) observeRun(res *SyncResult, failed bool) {
	d := res.FinishedAt.Sub(res.StartedAt)
	metrics.ObserveRun(string(res.Kind), d, failed)
	if failed {
		return
	}
	e.log.Info("Sync run finished",
		zap.String("run_id", res.RunID),
		zap.String("kind", string(res.Kind)),
		zap.Int("synced_products", res.SyncedProducts),
		zap.Int("created", res.CreatedProducts),
		zap.Int("updated", res.UpdatedProducts),
		zap.Int("unchanged", res.UnchangedProducts),
		zap.Int("synced_prices", res.SyncedPrices),
		zap.Int("skipped_prices", res.SkippedPrices),
		zap.Int("errors", res.ErrorCount),
		zap.Duration("duration", d),
	)
}
