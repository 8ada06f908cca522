package database

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/logger"
	"github.com/xelth-com/catalogsync/internal/models"
)

const (
	embeddedDataPath = "./db_data"
	embeddedPort     = 5433
)

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      *zap.Logger
}

// waitUntil polls cond with a short exponential backoff until it holds or
// limit elapses
func waitUntil(limit time.Duration, cond func() bool) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = limit
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errors.New("not yet")
	}, b)
	return err == nil
}

// stalePostmasterPID reads the pid recorded by a previous embedded server
func stalePostmasterPID() (int, bool) {
	data, err := os.ReadFile(filepath.Join(embeddedDataPath, "postmaster.pid"))
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	return pid, err == nil && pid > 0
}

func processAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}

// cleanupStaleEmbeddedPostgres stops a server left behind by a crashed run
// and removes its pid file
func cleanupStaleEmbeddedPostgres(log *zap.Logger) {
	pidFile := filepath.Join(embeddedDataPath, "postmaster.pid")
	pid, ok := stalePostmasterPID()
	if !ok {
		return
	}
	defer os.Remove(pidFile)

	// FindProcess always succeeds on Unix; signal 0 probes liveness
	proc, err := os.FindProcess(pid)
	if err != nil || !processAlive(proc) {
		log.Info("Removing stale postmaster.pid", zap.Int("pid", pid))
		return
	}

	log.Warn("Stopping orphaned embedded PostgreSQL", zap.Int("pid", pid))
	_ = proc.Signal(syscall.SIGTERM)
	if waitUntil(5*time.Second, func() bool { return !processAlive(proc) }) {
		log.Info("Orphaned PostgreSQL stopped", zap.Int("pid", pid))
		return
	}

	log.Warn("Orphaned PostgreSQL ignored SIGTERM, killing", zap.Int("pid", pid))
	_ = proc.Kill()
	waitUntil(time.Second, func() bool { return !processAlive(proc) })
}

func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// embeddedMode reports whether cfg asks for the zero-config embedded server:
// postgres on localhost with no password
func embeddedMode(cfg config.DatabaseConfig) bool {
	return driverName(cfg) == "postgres" && cfg.Host == "localhost" && cfg.Password == ""
}

func driverName(cfg config.DatabaseConfig) string {
	if strings.EqualFold(cfg.Driver, "sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// Connect opens the state database: a sqlite file, an external PostgreSQL
// server, or an embedded PostgreSQL process started on demand
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormCfg := &gorm.Config{
		Logger: logger.NewGormLogger(log, cfg.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	if driverName(cfg) == "sqlite" {
		log.Info("Mode: [SQLite]", zap.String("path", cfg.Path))
		db, err := gorm.Open(sqlite.Open(cfg.Path), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		return &DB{DB: db, log: log}, nil
	}

	var embedded *embeddedpostgres.EmbeddedPostgres
	password := cfg.Password
	if embeddedMode(cfg) {
		log.Info("Mode: [Embedded PostgreSQL] - Initializing internal database")

		cleanupStaleEmbeddedPostgres(log)

		if portInUse(embeddedPort) {
			log.Warn("Embedded port still in use, waiting for release", zap.Int("port", embeddedPort))
			if !waitUntil(3*time.Second, func() bool { return !portInUse(embeddedPort) }) {
				return nil, fmt.Errorf("port %d is still in use by another process", embeddedPort)
			}
		}

		embeddedCfg := embeddedpostgres.DefaultConfig().
			DataPath(embeddedDataPath).
			Port(uint32(embeddedPort)).
			Database(cfg.Database).
			Username(cfg.Username).
			Password("postgres")

		embedded = embeddedpostgres.NewDatabase(embeddedCfg)
		if err := embedded.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded database: %w", err)
		}

		cfg.Port = strconv.Itoa(embeddedPort)
		password = "postgres"
		log.Info("Embedded PostgreSQL process started", zap.Int("port", embeddedPort))
	} else {
		log.Info("Mode: [External PostgreSQL]", zap.String("host", cfg.Host), zap.String("port", cfg.Port))
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		password,
		cfg.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		// Clean up embedded process if GORM connection fails
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("Database connection established")
	return &DB{DB: db, embedded: embedded, log: log}, nil
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		db.log.Info("Stopping Embedded PostgreSQL process")
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

// Migrate creates or updates the sync state tables
func (db *DB) Migrate() error {
	if err := db.DB.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
