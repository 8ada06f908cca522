package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/models"
)

func TestEmbeddedMode(t *testing.T) {
	assert.True(t, embeddedMode(config.DatabaseConfig{Host: "localhost"}))
	assert.False(t, embeddedMode(config.DatabaseConfig{Host: "localhost", Password: "secret"}))
	assert.False(t, embeddedMode(config.DatabaseConfig{Host: "db.internal"}))
	assert.False(t, embeddedMode(config.DatabaseConfig{Driver: "sqlite", Host: "localhost"}))
}

func TestConnect_SQLite(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "state.db"),
		LogLevel: "silent",
	}

	db, err := Connect(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	require.NoError(t, db.Create(&models.SyncState{Key: "catalog", SeedCompleted: true}).Error)
	var st models.SyncState
	require.NoError(t, db.First(&st, "key = ?", "catalog").Error)
	assert.True(t, st.SeedCompleted)

	require.NoError(t, db.Close())
}

func TestWaitUntil(t *testing.T) {
	calls := 0
	assert.True(t, waitUntil(time.Second, func() bool {
		calls++
		return calls == 3
	}))
	assert.Equal(t, 3, calls)

	assert.False(t, waitUntil(150*time.Millisecond, func() bool { return false }))
}
