// Package app wires the sync services from configuration. The API server
// and the CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/database"
	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/events"
	"github.com/xelth-com/catalogsync/internal/lock"
	"github.com/xelth-com/catalogsync/internal/metrics"
	"github.com/xelth-com/catalogsync/internal/scheduler"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	"github.com/xelth-com/catalogsync/internal/store"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
	"github.com/xelth-com/catalogsync/internal/websocket"
)

// App holds every long-lived service
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *database.DB
	Redis      *redis.Client
	Odoo       *odoo.Client
	Catalog    *catalog.Client
	Schema     *odoo.Schema
	Engine     *catsync.Engine
	Policies   *dedupe.PolicyRegistry
	Reconciler *dedupe.Reconciler
	States     *store.StateStore
	Checksums  *store.ChecksumStore
	Runs       *store.RunStore
	Hub        *websocket.Hub
	Scheduler  *scheduler.Scheduler
	Events     *events.Subscriber
}

// New connects the database and Redis (when configured) and builds the
// services. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	a := &App{Config: cfg, Log: log}

	db, err := database.Connect(cfg.Database, log.Named("db"))
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := db.Migrate(); err != nil {
		a.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.URL != "" {
		client, err := lock.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		locker = lock.NewRedisLocker(client, "", cfg.Sync.LockTTL, log.Named("lock"))
		log.Info("Using Redis product locks")
	}

	a.Odoo = odoo.NewClient(cfg.Odoo.URL, cfg.Odoo.Database, cfg.Odoo.Username, cfg.Odoo.Password,
		odoo.WithTimeout(cfg.Odoo.Timeout),
		odoo.WithMaxRetries(cfg.Odoo.MaxRetries),
		odoo.WithRateLimit(cfg.Odoo.RateLimit),
		odoo.WithObserver(metrics.ObserveRemoteCall),
		odoo.WithLogger(log.Named("odoo")),
	)
	a.Schema = odoo.NewSchema(a.Odoo, cfg.Odoo.SchemaTTL)

	a.Catalog = catalog.NewClient(catalog.Config{
		URL:            cfg.Catalog.URL,
		APIKey:         cfg.Catalog.APIKey,
		PublishableKey: cfg.Catalog.PublishableKey,
		Timeout:        cfg.Catalog.Timeout,
		MaxRetries:     cfg.Catalog.MaxRetries,
	}, log.Named("catalog"))

	a.States = store.NewStateStore(db.DB)
	a.Runs = store.NewRunStore(db.DB)
	a.Checksums = store.NewChecksumStore(db.DB)

	a.Engine, err = catsync.NewEngine(a.Catalog, a.Odoo, a.Checksums, catsync.Config{
		ProductType:         cfg.Odoo.ProductType,
		ReferenceField:      cfg.Odoo.ReferenceField,
		AmountsInMinorUnits: cfg.Catalog.AmountsInMinorUnits,
		BatchSize:           cfg.Sync.BatchSize,
		MaxBatchSize:        cfg.Sync.MaxBatchSize,
		DefaultRegionID:     cfg.Sync.DefaultRegionID,
		Workers:             cfg.Sync.Workers,
		SchemaTTL:           cfg.Odoo.SchemaTTL,
	}, catsync.WithLocker(locker), catsync.WithSchema(a.Schema), catsync.WithLogger(log.Named("sync")))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	a.Policies = dedupe.NewPolicyRegistry()
	policy, err := a.Policies.Get(cfg.Sync.DedupePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reconciler = dedupe.New(a.Catalog, policy, dedupe.WithLogger(log.Named("dedupe")))

	a.Hub = websocket.NewHub(log.Named("ws"))
	a.Scheduler = scheduler.New(a.Engine, a.Reconciler, a.States, a.Runs, scheduler.Config{
		Enabled:         cfg.Sync.Enabled,
		SeedOnStartup:   cfg.Sync.SeedOnStartup,
		StartupDelay:    cfg.Sync.StartupDelay,
		SyncInterval:    cfg.Sync.SyncInterval,
		DedupeEnabled:   cfg.Sync.DedupeEnabled,
		DedupeInterval:  cfg.Sync.DedupeInterval,
		DedupeMaxGroups: cfg.Sync.DedupeMaxGroups,
	}, scheduler.WithBroadcaster(a.Hub), scheduler.WithLogger(log.Named("scheduler")))

	var dedup events.Deduplicator = events.NewMemoryDeduplicator(cfg.Sync.EventDedupe)
	if a.Redis != nil {
		dedup = events.NewRedisDeduplicator(a.Redis, "", cfg.Sync.EventDedupe)
	}
	a.Events = events.NewSubscriber(a.Engine,
		events.WithDeduplicator(dedup),
		events.WithRecorder(a.Scheduler),
		events.WithSecret(cfg.Catalog.WebhookSecret),
		events.WithLogger(log.Named("events")),
	)

	return a, nil
}

// Close releases the Redis client and the database
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("Redis close error", zap.Error(err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("Database close error", zap.Error(err))
		}
	}
}
