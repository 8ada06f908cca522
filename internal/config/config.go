package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv  string
	Port     string
	Admin    AdminConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Odoo     OdooConfig
	Catalog  CatalogConfig
	Log      LogConfig
	Sync     *SyncConfig
}

// AdminConfig holds credentials for the admin API
type AdminConfig struct {
	JWTSecret    string
	Username     string
	PasswordHash string // bcrypt hash
	TokenTTL     time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string // postgres (default) or sqlite
	Path     string // sqlite file
	Host     string
	Port     string
	Username string
	Password string
	Database string
	LogLevel string
}

// RedisConfig holds the optional Redis connection used for product locks
type RedisConfig struct {
	URL string
}

// OdooConfig holds Odoo connection settings
type OdooConfig struct {
	URL            string
	Database       string
	Username       string
	Password       string
	Timeout        time.Duration
	MaxRetries     int
	RateLimit      float64 // requests per second, 0 = unlimited
	ReferenceField string  // custom field holding the catalog product id
	ProductType    string
	SchemaTTL      time.Duration
}

// CatalogConfig holds source catalog (commerce backend) settings
type CatalogConfig struct {
	URL                 string
	APIKey              string
	PublishableKey      string
	Timeout             time.Duration
	MaxRetries          int
	AmountsInMinorUnits bool
	WebhookSecret       string // shared secret expected in X-Webhook-Secret
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		NodeEnv: getEnv("NODE_ENV", "development"),
		Port:    getEnv("PORT", "3210"),
		Admin: AdminConfig{
			JWTSecret:    os.Getenv("JWT_SECRET"),
			Username:     getEnv("ADMIN_USERNAME", "admin"),
			PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			TokenTTL:     getDurationEnv("ADMIN_TOKEN_TTL", time.Hour),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Path:     getEnv("SQLITE_PATH", "catalogsync.db"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "catalogsync"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Odoo: OdooConfig{
			URL:            os.Getenv("ODOO_URL"),
			Database:       os.Getenv("ODOO_DB"),
			Username:       os.Getenv("ODOO_USERNAME"),
			Password:       os.Getenv("ODOO_PASSWORD"),
			Timeout:        getDurationEnv("ODOO_TIMEOUT", 30*time.Second),
			MaxRetries:     getIntEnv("ODOO_MAX_RETRIES", 3),
			RateLimit:      getFloatEnv("ODOO_RATE_LIMIT", 10),
			ReferenceField: getEnv("ODOO_REFERENCE_FIELD", "x_catalog_id"),
			ProductType:    getEnv("ODOO_PRODUCT_TYPE", "consu"),
			SchemaTTL:      getDurationEnv("ODOO_SCHEMA_TTL", 30*time.Minute),
		},
		Catalog: CatalogConfig{
			URL:                 os.Getenv("CATALOG_URL"),
			APIKey:              os.Getenv("CATALOG_API_KEY"),
			PublishableKey:      os.Getenv("CATALOG_PUBLISHABLE_KEY"),
			Timeout:             getDurationEnv("CATALOG_TIMEOUT", 30*time.Second),
			MaxRetries:          getIntEnv("CATALOG_MAX_RETRIES", 3),
			AmountsInMinorUnits: getBoolEnv("CATALOG_AMOUNTS_IN_MINOR_UNITS", false),
			WebhookSecret:       os.Getenv("CATALOG_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	syncCfg, err := LoadSyncConfig()
	if err != nil {
		return nil, err
	}
	cfg.Sync = syncCfg

	return cfg, nil
}

// Validate checks the settings required to run the sync engine
func (c *Config) Validate() error {
	if c.Odoo.URL == "" || c.Odoo.Database == "" || c.Odoo.Username == "" {
		return fmt.Errorf("ODOO_URL, ODOO_DB and ODOO_USERNAME are required")
	}
	if c.Catalog.URL == "" {
		return fmt.Errorf("CATALOG_URL is required")
	}
	return nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain seconds ("90")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
