package sync

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Batch window limits
const (
	DefaultBatchSize = 50
	MaxBatchSize     = 500
)

// ErrInvalidInput is returned when a run input fails validation
var ErrInvalidInput = errors.New("sync: invalid run input")

var validate = validator.New()

// RunInput selects the products of one run. Zero values mean defaults.
type RunInput struct {
	ProductIDs []string `json:"productIds,omitempty" validate:"omitempty,max=500,dive,required"`
	Limit      int      `json:"limit,omitempty" validate:"gte=0,lte=500"`
	Offset     int      `json:"offset,omitempty" validate:"gte=0"`
	RegionID   string   `json:"regionId,omitempty" validate:"omitempty,max=64"`
}

// window validates the input and fills in the batch size. An id filter
// widens the limit so every requested id fits in one window.
func (e *Engine) window(in RunInput) (RunInput, error) {
	if err := validate.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Limit == 0 {
		in.Limit = e.cfg.BatchSize
	}
	if len(in.ProductIDs) > in.Limit {
		in.Limit = len(in.ProductIDs)
	}
	if in.Limit > e.cfg.MaxBatchSize {
		return in, fmt.Errorf("%w: limit %d exceeds maximum %d", ErrInvalidInput, in.Limit, e.cfg.MaxBatchSize)
	}
	return in, nil
}
