package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/xelth-com/catalogsync/internal/models"
)

// RunStore keeps the history of finished runs
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a run store
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// Save appends a run
func (s *RunStore) Save(ctx context.Context, run *models.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. An empty kind lists all kinds.
func (s *RunStore) List(ctx context.Context, kind string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var runs []models.SyncRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
