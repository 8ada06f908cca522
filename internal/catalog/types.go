package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a product no longer exists in the catalog
var ErrNotFound = errors.New("catalog: not found")

// Status is the publication status of a product
type Status string

const (
	StatusDraft     Status = "draft"
	StatusProposed  Status = "proposed"
	StatusPublished Status = "published"
	StatusRejected  Status = "rejected"
)

// Product is a catalog product with the relations the sync engine reads
type Product struct {
	ID          string
	Title       string
	Handle      string
	Status      Status
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Variants    []Variant
	// Categories holds one name path (root first) per assigned category
	Categories [][]string
	Tags       []string
	Images     []string
	Metadata   map[string]interface{}
}

// Variant is a sellable variant of a product
type Variant struct {
	ID              string
	ProductID       string
	Title           string
	SKU             string
	Options         []OptionValue
	CalculatedPrice *CalculatedPrice
}

// OptionValue is one name/value pair of a variant, e.g. Size=M
type OptionValue struct {
	Name  string
	Value string
}

// CalculatedPrice is a price already resolved by the catalog for a region
type CalculatedPrice struct {
	CurrencyCode string
	Amount       decimal.Decimal
}

// Region is a catalog pricing region
type Region struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CurrencyCode string `json:"currency_code"`
}

// ProductSummary carries the fields the duplicate reconciler groups on
type ProductSummary struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// ListQuery selects a window of products, optionally restricted to IDs
type ListQuery struct {
	IDs    []string
	Limit  int
	Offset int
}

// ProductPage is one window of products plus the total matching count
type ProductPage struct {
	Products []Product
	Count    int
	Offset   int
	Limit    int
}

// SummaryPage is one window of product summaries
type SummaryPage struct {
	Products []ProductSummary
	Count    int
}

// StatusError is a non-2xx response from the catalog API
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying later
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
