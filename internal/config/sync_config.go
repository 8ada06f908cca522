package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ SCHEDULING ============
	Enabled        bool          `mapstructure:"enabled"`
	SeedOnStartup  bool          `mapstructure:"seed_on_startup"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
	DedupeEnabled  bool          `mapstructure:"dedupe_enabled"`
	DedupeInterval time.Duration `mapstructure:"dedupe_interval"`

	// ============ LIMITS ============
	BatchSize       int `mapstructure:"batch_size"`
	MaxBatchSize    int `mapstructure:"max_batch_size"`
	DedupeMaxGroups int `mapstructure:"dedupe_max_groups"` // 0 = all groups

	// ============ BEHAVIOUR ============
	DedupePolicy    string        `mapstructure:"dedupe_policy"` // keep-newest, keep-oldest
	DefaultRegionID string        `mapstructure:"default_region_id"`
	Workers         int           `mapstructure:"workers"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	EventDedupe     time.Duration `mapstructure:"event_dedupe_window"`
}

// LoadSyncConfig loads sync configuration from environment, then overlays
// the file named by SYNC_CONFIG_PATH (yaml, json or toml) when present.
func LoadSyncConfig() (*SyncConfig, error) {
	cfg := getDefaultSyncConfig()

	configPath := os.Getenv("SYNC_CONFIG_PATH")
	if configPath == "" {
		return cfg, nil
	}

	if err := loadSyncConfigFromFile(configPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSyncConfigFromFile overlays keys present in the file onto cfg
func loadSyncConfigFromFile(path string, cfg *SyncConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read sync config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode sync config %s: %w", path, err)
	}
	return nil
}

// getDefaultSyncConfig returns default sync configuration
func getDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Enabled:        getBoolEnv("SYNC_ENABLED", true),
		SeedOnStartup:  getBoolEnv("SYNC_SEED_ON_STARTUP", true),
		StartupDelay:   getDurationEnv("SYNC_STARTUP_DELAY", 5*time.Second),
		SyncInterval:   getDurationEnv("SYNC_INTERVAL", 15*time.Minute),
		DedupeEnabled:  getBoolEnv("DEDUPE_ENABLED", true),
		DedupeInterval: getDurationEnv("DEDUPE_INTERVAL", time.Hour),

		BatchSize:       getIntEnv("SYNC_BATCH_SIZE", 50),
		MaxBatchSize:    getIntEnv("SYNC_MAX_BATCH_SIZE", 500),
		DedupeMaxGroups: getIntEnv("DEDUPE_MAX_GROUPS", 25),

		DedupePolicy:    getEnv("DEDUPE_POLICY", "keep-newest"),
		DefaultRegionID: os.Getenv("SYNC_DEFAULT_REGION_ID"),
		Workers:         getIntEnv("SYNC_WORKERS", 1),
		LockTTL:         getDurationEnv("SYNC_LOCK_TTL", 2*time.Minute),
		EventDedupe:     getDurationEnv("EVENT_DEDUPE_WINDOW", 5*time.Minute),
	}
}
