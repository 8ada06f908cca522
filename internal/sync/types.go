package sync

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/xelth-com/catalogsync/internal/models"
)

// RunKind names what a run synchronizes
type RunKind string

const (
	RunKindProducts RunKind = "products"
	RunKindPrices   RunKind = "prices"
)

// Trigger names what started a run
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerEvent    Trigger = "event"
	TriggerSeed     Trigger = "seed"
)

// ErrorKind classifies a per-item failure
type ErrorKind string

const (
	ErrorKindRemoteWrite ErrorKind = "remote_write"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindNotSynced   ErrorKind = "not_synced"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindCanceled    ErrorKind = "canceled"
	ErrorKindInternal    ErrorKind = "internal"
)

// ItemError is one failed item of a run
type ItemError struct {
	ItemLabel string    `json:"itemLabel"`
	ItemID    string    `json:"itemId"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`

	index int
}

// SyncResult is the aggregate outcome of one run. It is created fresh per run.
type SyncResult struct {
	RunID      string    `json:"runId"`
	Kind       RunKind   `json:"kind"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	SyncedProducts        int `json:"syncedProducts"`
	CreatedProducts       int `json:"createdProducts"`
	UpdatedProducts       int `json:"updatedProducts"`
	UnchangedProducts     int `json:"unchangedProducts"`
	SkippedProducts       int `json:"skippedProducts"`
	CreatedAttributeLines int `json:"createdAttributeLines"`

	SyncedVariants int `json:"syncedVariants"`
	SyncedPrices   int `json:"syncedPrices"`
	CreatedPrices  int `json:"createdPrices"`
	UpdatedPrices  int `json:"updatedPrices"`
	SkippedPrices  int `json:"skippedPrices"`

	ErrorCount int         `json:"errorCount"`
	Errors     []ItemError `json:"errors"`
}

func newResult(kind RunKind, now time.Time) *SyncResult {
	return &SyncResult{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: now,
		Errors:    []ItemError{},
	}
}

func (r *SyncResult) addError(e ItemError) {
	r.Errors = append(r.Errors, e)
	r.ErrorCount = len(r.Errors)
}

// merge folds a per-item outcome into the run totals
func (r *SyncResult) merge(o *SyncResult) {
	r.SyncedProducts += o.SyncedProducts
	r.CreatedProducts += o.CreatedProducts
	r.UpdatedProducts += o.UpdatedProducts
	r.UnchangedProducts += o.UnchangedProducts
	r.SkippedProducts += o.SkippedProducts
	r.CreatedAttributeLines += o.CreatedAttributeLines
	r.SyncedVariants += o.SyncedVariants
	r.SyncedPrices += o.SyncedPrices
	r.CreatedPrices += o.CreatedPrices
	r.UpdatedPrices += o.UpdatedPrices
	r.SkippedPrices += o.SkippedPrices
	for _, e := range o.Errors {
		r.addError(e)
	}
}

// finish orders errors by item position and stamps the end time
func (r *SyncResult) finish(now time.Time) {
	sort.SliceStable(r.Errors, func(i, j int) bool { return r.Errors[i].index < r.Errors[j].index })
	r.ErrorCount = len(r.Errors)
	r.FinishedAt = now
}

// Record converts the result into a run history row
func (r *SyncResult) Record(trigger Trigger) *models.SyncRun {
	errs, _ := json.Marshal(r.Errors)
	return &models.SyncRun{
		RunID:                 r.RunID,
		Kind:                  string(r.Kind),
		Trigger:               string(trigger),
		StartedAt:             r.StartedAt,
		FinishedAt:            r.FinishedAt,
		SyncedProducts:        r.SyncedProducts,
		CreatedProducts:       r.CreatedProducts,
		UpdatedProducts:       r.UpdatedProducts,
		UnchangedProducts:     r.UnchangedProducts,
		SkippedProducts:       r.SkippedProducts,
		CreatedAttributeLines: r.CreatedAttributeLines,
		SyncedVariants:        r.SyncedVariants,
		SyncedPrices:          r.SyncedPrices,
		CreatedPrices:         r.CreatedPrices,
		UpdatedPrices:         r.UpdatedPrices,
		SkippedPrices:         r.SkippedPrices,
		ErrorCount:            r.ErrorCount,
		Errors:                datatypes.JSON(errs),
	}
}
