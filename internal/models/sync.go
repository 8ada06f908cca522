package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntityChecksum stores the fingerprint of the last mapped state pushed to
// the ERP for a catalog entity
type EntityChecksum struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EntityType  string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_entity_lookup" json:"entityType"`
	EntityID    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_entity_lookup" json:"entityId"`
	RemoteID    int64     `gorm:"not null;default:0" json:"remoteId"`
	ContentHash string    `gorm:"type:varchar(64);not null" json:"contentHash"`
	LastUpdated time.Time `gorm:"not null;index:idx_updated" json:"lastUpdated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (EntityChecksum) TableName() string {
	return "entity_checksums"
}

// BeforeCreate hook
func (ec *EntityChecksum) BeforeCreate(tx *gorm.DB) error {
	if ec.LastUpdated.IsZero() {
		ec.LastUpdated = time.Now().UTC()
	}
	return nil
}

// SyncState is the persisted progress marker of the sync engine, one row per key
type SyncState struct {
	Key                 string     `gorm:"type:varchar(100);primaryKey" json:"key"`
	SeedCompleted       bool       `gorm:"not null;default:false" json:"seedCompleted"`
	SeedCompletedAt     *time.Time `json:"seedCompletedAt,omitempty"`
	LastSyncCompletedAt *time.Time `json:"lastSyncCompletedAt,omitempty"`
	LastRunID           string     `gorm:"type:varchar(64)" json:"lastRunId,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncState) TableName() string {
	return "sync_states"
}

// SyncRun is one finished run kept for the admin history view
type SyncRun struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	RunID                 string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"runId"`
	Kind                  string         `gorm:"type:varchar(32);not null;index:idx_kind_started" json:"kind"`
	Trigger               string         `gorm:"type:varchar(32)" json:"trigger"`
	StartedAt             time.Time      `gorm:"not null;index:idx_kind_started" json:"startedAt"`
	FinishedAt            time.Time      `json:"finishedAt"`
	SyncedProducts        int            `json:"syncedProducts"`
	CreatedProducts       int            `json:"createdProducts"`
	UpdatedProducts       int            `json:"updatedProducts"`
	UnchangedProducts     int            `json:"unchangedProducts"`
	SkippedProducts       int            `json:"skippedProducts"`
	CreatedAttributeLines int            `json:"createdAttributeLines"`
	SyncedVariants        int            `json:"syncedVariants"`
	SyncedPrices          int            `json:"syncedPrices"`
	CreatedPrices         int            `json:"createdPrices"`
	UpdatedPrices         int            `json:"updatedPrices"`
	SkippedPrices         int            `json:"skippedPrices"`
	DeletedProducts       int            `json:"deletedProducts"`
	RemainingGroups       int            `json:"remainingGroups"`
	ErrorCount            int            `json:"errorCount"`
	Errors                datatypes.JSON `json:"errors"`
	Fatal                 string         `gorm:"type:text" json:"fatal,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// TableName specifies the table name
func (SyncRun) TableName() string {
	return "sync_runs"
}

// AllModels lists the tables the service migrates
func AllModels() []interface{} {
	return []interface{}{&EntityChecksum{}, &SyncState{}, &SyncRun{}}
}

// NewFailedRun builds the history row of a run that aborted before producing
// a result
func NewFailedRun(kind, trigger string, startedAt, finishedAt time.Time, err error) *SyncRun {
	return &SyncRun{
		RunID:      uuid.NewString(),
		Kind:       kind,
		Trigger:    trigger,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		ErrorCount: 1,
		Errors:     datatypes.JSON("[]"),
		Fatal:      err.Error(),
	}
}
