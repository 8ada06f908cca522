// Package catalogtest provides an in-memory catalog for tests
package catalogtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xelth-com/catalogsync/internal/catalog"
)

// Catalog is an in-memory catalog. Products keep insertion order.
type Catalog struct {
	mu       sync.Mutex
	products []catalog.Product
	regions  []catalog.Region
	// prices by region, then variant id
	prices  map[string]map[string]catalog.CalculatedPrice
	deleted []string

	// FailDelete, when set, can reject a delete by product id
	FailDelete func(id string) error
	// ListErr, when set, fails every list call
	ListErr error
}

// New returns an empty catalog
func New() *Catalog {
	return &Catalog{prices: make(map[string]map[string]catalog.CalculatedPrice)}
}

// Add appends products
func (c *Catalog) Add(products ...catalog.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, products...)
}

// Update changes a stored product in place
func (c *Catalog) Update(id string, fn func(p *catalog.Product)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.products {
		if c.products[i].ID == id {
			fn(&c.products[i])
		}
	}
}

// AddRegion registers a pricing region
func (c *Catalog) AddRegion(id, currency string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = append(c.regions, catalog.Region{ID: id, Name: id, CurrencyCode: currency})
}

// SetPrice sets the calculated price of a variant in a region
func (c *Catalog) SetPrice(regionID, variantID, currency, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices[regionID] == nil {
		c.prices[regionID] = make(map[string]catalog.CalculatedPrice)
	}
	c.prices[regionID][variantID] = catalog.CalculatedPrice{
		CurrencyCode: currency,
		Amount:       decimal.RequireFromString(amount),
	}
}

// Deleted returns the ids deleted so far
func (c *Catalog) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// IDs returns the ids of the stored products in order
func (c *Catalog) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.products))
	for i, p := range c.products {
		ids[i] = p.ID
	}
	return ids
}

// ListProducts implements the catalog client's product listing
func (c *Catalog) ListProducts(ctx context.Context, q catalog.ListQuery) (*catalog.ProductPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}

	want := make(map[string]bool, len(q.IDs))
	for _, id := range q.IDs {
		want[id] = true
	}
	var matched []catalog.Product
	for _, p := range c.products {
		if len(want) > 0 && !want[p.ID] {
			continue
		}
		matched = append(matched, p)
	}

	page := &catalog.ProductPage{Count: len(matched), Offset: q.Offset, Limit: q.Limit}
	if q.Offset < len(matched) {
		end := len(matched)
		if q.Limit > 0 && q.Offset+q.Limit < end {
			end = q.Offset + q.Limit
		}
		page.Products = append(page.Products, matched[q.Offset:end]...)
	}
	return page, nil
}

// GetProduct implements the catalog client's retrieve
func (c *Catalog) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.products {
		if p.ID == id {
			out := p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
}

// ListProductSummaries implements the reconciler's listing, oldest first
func (c *Catalog) ListProductSummaries(ctx context.Context, limit, offset int) (*catalog.SummaryPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}

	all := make([]catalog.ProductSummary, len(c.products))
	for i, p := range c.products {
		all[i] = catalog.ProductSummary{ID: p.ID, Handle: p.Handle, CreatedAt: p.CreatedAt}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	page := &catalog.SummaryPage{Count: len(all)}
	if offset < len(all) {
		end := len(all)
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}
		page.Products = append(page.Products, all[offset:end]...)
	}
	return page, nil
}

// DeleteProduct implements the catalog client's delete
func (c *Catalog) DeleteProduct(ctx context.Context, id string) error {
	if c.FailDelete != nil {
		if err := c.FailDelete(id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.products {
		if p.ID == id {
			c.products = append(c.products[:i], c.products[i+1:]...)
			c.deleted = append(c.deleted, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
}

// ListRegions implements the catalog client's region listing
func (c *Catalog) ListRegions(ctx context.Context) ([]catalog.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalog.Region(nil), c.regions...), nil
}

// CalculatedPrices implements the store price lookup
func (c *Catalog) CalculatedPrices(ctx context.Context, productIDs []string, regionID string) (map[string]catalog.CalculatedPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		want[id] = true
	}
	out := make(map[string]catalog.CalculatedPrice)
	for _, p := range c.products {
		if !want[p.ID] {
			continue
		}
		for _, v := range p.Variants {
			if price, ok := c.prices[regionID][v.ID]; ok {
				out[v.ID] = price
			}
		}
	}
	return out, nil
}

// Product builds a published product with one variant per option value of
// a single "Size" option. Variant ids are <id>_<value>, SKUs <id>-<value>.
func Product(id, title string, sizes ...string) catalog.Product {
	p := catalog.Product{
		ID:        id,
		Title:     title,
		Handle:    id,
		Status:    catalog.StatusPublished,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, size := range sizes {
		p.Variants = append(p.Variants, catalog.Variant{
			ID:        id + "_" + size,
			ProductID: id,
			Title:     size,
			SKU:       id + "-" + size,
			Options:   []catalog.OptionValue{{Name: "Size", Value: size}},
		})
	}
	return p
}
