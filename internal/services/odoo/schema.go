package odoo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProductType is the product.template "type" selection
type ProductType string

const (
	ProductTypeConsumable ProductType = "consu"
	ProductTypeService    ProductType = "service"
	ProductTypeStorable   ProductType = "product"
	ProductTypeCombo      ProductType = "combo"
)

// ParseProductType maps a configured value to a ProductType
func ParseProductType(s string) (ProductType, error) {
	switch ProductType(strings.ToLower(strings.TrimSpace(s))) {
	case ProductTypeConsumable, "":
		return ProductTypeConsumable, nil
	case ProductTypeService:
		return ProductTypeService, nil
	case ProductTypeStorable:
		return ProductTypeStorable, nil
	case ProductTypeCombo:
		return ProductTypeCombo, nil
	}
	return "", fmt.Errorf("%w: product type %q", ErrUnknownSelection, s)
}

// FieldDescriber is the part of Client the schema snapshot needs
type FieldDescriber interface {
	DescribeFields(ctx context.Context, model string) (map[string]FieldInfo, error)
}

type schemaEntry struct {
	fields    map[string]FieldInfo
	fetchedAt time.Time
}

// Schema caches fields_get results per model and refreshes them after ttl
type Schema struct {
	remote FieldDescriber
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]schemaEntry
}

// NewSchema creates a schema snapshot backed by remote
func NewSchema(remote FieldDescriber, ttl time.Duration) *Schema {
	return &Schema{
		remote:  remote,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]schemaEntry),
	}
}

// Fields returns the cached field metadata of model, fetching when stale
func (s *Schema) Fields(ctx context.Context, model string) (map[string]FieldInfo, error) {
	s.mu.Lock()
	entry, ok := s.entries[model]
	s.mu.Unlock()
	if ok && (s.ttl <= 0 || s.now().Sub(entry.fetchedAt) < s.ttl) {
		return entry.fields, nil
	}

	fields, err := s.remote.DescribeFields(ctx, model)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[model] = schemaEntry{fields: fields, fetchedAt: s.now()}
	s.mu.Unlock()
	return fields, nil
}

// HasField reports whether model exposes field
func (s *Schema) HasField(ctx context.Context, model, field string) (bool, error) {
	fields, err := s.Fields(ctx, model)
	if err != nil {
		return false, err
	}
	_, ok := fields[field]
	return ok, nil
}

// ValidateSelection fails with ErrUnknownSelection when value is not one of the
// options of a selection field
func (s *Schema) ValidateSelection(ctx context.Context, model, field, value string) error {
	fields, err := s.Fields(ctx, model)
	if err != nil {
		return err
	}
	info, ok := fields[field]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, model, field)
	}
	if info.Type != "selection" {
		return nil
	}
	for _, v := range info.Selection.Values() {
		if v == value {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s has no option %q (known: %s)",
		ErrUnknownSelection, model, field, value, strings.Join(info.Selection.Values(), ", "))
}

// Invalidate drops the cached entry for model
func (s *Schema) Invalidate(model string) {
	s.mu.Lock()
	delete(s.entries, model)
	s.mu.Unlock()
}
