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

// ChecksumStore keeps the fingerprint last pushed per catalog entity
type ChecksumStore struct {
	db *gorm.DB
}

// NewChecksumStore creates a checksum store
func NewChecksumStore(db *gorm.DB) *ChecksumStore {
	return &ChecksumStore{db: db}
}

// Get returns the stored checksum, if any
func (s *ChecksumStore) Get(ctx context.Context, entityType, entityID string) (*models.EntityChecksum, bool, error) {
	var ec models.EntityChecksum
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&ec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load checksum %s/%s: %w", entityType, entityID, err)
	}
	return &ec, true, nil
}

// Put upserts the checksum of an entity
func (s *ChecksumStore) Put(ctx context.Context, entityType, entityID string, remoteID int64, hash string) error {
	now := time.Now().UTC()
	ec := models.EntityChecksum{
		EntityType:  entityType,
		EntityID:    entityID,
		RemoteID:    remoteID,
		ContentHash: hash,
		LastUpdated: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"remote_id", "content_hash", "last_updated", "updated_at"}),
	}).Create(&ec).Error
	if err != nil {
		return fmt.Errorf("failed to save checksum %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Delete removes the checksum of an entity
func (s *ChecksumStore) Delete(ctx context.Context, entityType, entityID string) error {
	return s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&models.EntityChecksum{}).Error
}

// Purge drops every checksum of entityType, or all of them when entityType
// is empty. Purged entities are pushed again on their next sync.
func (s *ChecksumStore) Purge(ctx context.Context, entityType string) (int64, error) {
	q := s.db.WithContext(ctx)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	} else {
		q = q.Where("1 = 1")
	}
	res := q.Delete(&models.EntityChecksum{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge checksums: %w", res.Error)
	}
	return res.RowsAffected, nil
}
