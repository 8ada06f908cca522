// Package store persists the sync engine's local state with GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/catalogsync/internal/models"
)

// DefaultStateKey is the state row used by the catalog sync engine
const DefaultStateKey = "catalog"

// StateStore replaces the seed marker file with an explicit table row
type StateStore struct {
	db *gorm.DB
}

// NewStateStore creates a state store
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

// Get returns the state for key. A missing row yields a zero state.
func (s *StateStore) Get(ctx context.Context, key string) (*models.SyncState, error) {
	var state models.SyncState
	err := s.db.WithContext(ctx).Where(&models.SyncState{Key: key}).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SyncState{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state %q: %w", key, err)
	}
	return &state, nil
}

// MarkSeedCompleted records that the initial full load finished
func (s *StateStore) MarkSeedCompleted(ctx context.Context, key string, at time.Time) error {
	at = at.UTC()
	state := models.SyncState{Key: key, SeedCompleted: true, SeedCompletedAt: &at, UpdatedAt: at}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"seed_completed", "seed_completed_at", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to mark seed completed: %w", err)
	}
	return nil
}

// MarkSyncCompleted records the finish time of the last full sync pass
func (s *StateStore) MarkSyncCompleted(ctx context.Context, key, runID string, at time.Time) error {
	at = at.UTC()
	state := models.SyncState{Key: key, LastSyncCompletedAt: &at, LastRunID: runID, UpdatedAt: at}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_completed_at", "last_run_id", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to mark sync completed: %w", err)
	}
	return nil
}

// Reset deletes the state row, so the next start seeds again
func (s *StateStore) Reset(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&models.SyncState{Key: key}).Error
	if err != nil {
		return fmt.Errorf("failed to reset sync state %q: %w", key, err)
	}
	return nil
}
