package sync

import (
	"context"

	"github.com/xelth-com/catalogsync/internal/mapper"
)

// EntityProduct is the checksum entity type of catalog products
const EntityProduct = "product"

// ChecksumCalculator decides whether mapped fields changed since the last push
type ChecksumCalculator struct {
	store ChecksumStore
}

// NewChecksumCalculator creates a calculator over store. A nil store treats
// every product as changed.
func NewChecksumCalculator(store ChecksumStore) *ChecksumCalculator {
	return &ChecksumCalculator{store: store}
}

// Compute returns the fingerprint of mapped product fields
func (c *ChecksumCalculator) Compute(fields mapper.ProductFields) string {
	return mapper.Fingerprint(fields)
}

// Unchanged reports whether hash was last pushed to the same remote record
func (c *ChecksumCalculator) Unchanged(ctx context.Context, entityType, entityID string, remoteID int64, hash string) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	prev, ok, err := c.store.Get(ctx, entityType, entityID)
	if err != nil || !ok {
		return false, err
	}
	return prev.RemoteID == remoteID && prev.ContentHash == hash, nil
}

// Remember stores hash as the last pushed state
func (c *ChecksumCalculator) Remember(ctx context.Context, entityType, entityID string, remoteID int64, hash string) error {
	if c.store == nil {
		return nil
	}
	return c.store.Put(ctx, entityType, entityID, remoteID, hash)
}
