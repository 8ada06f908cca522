package sync

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/metrics"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
)

// itemFunc syncs one product. A returned error fails the whole item; the
// result may carry finer-grained errors (one per variant) instead.
type itemFunc func(ctx context.Context, p catalog.Product) (*SyncResult, error)

// windowFunc processes one fetched window into res
type windowFunc func(ctx context.Context, r *run, in RunInput, page *catalog.ProductPage, res *SyncResult) error

// SyncBatch creates or updates the products of one window in Odoo
func (e *Engine) SyncBatch(ctx context.Context, in RunInput) (*SyncResult, error) {
	return e.runWindows(ctx, RunKindProducts, in, false)
}

// SyncPrices upserts the variant prices of one window for a single region
func (e *Engine) SyncPrices(ctx context.Context, in RunInput) (*SyncResult, error) {
	return e.runWindows(ctx, RunKindPrices, in, false)
}

// RunAll walks every window of the catalog, starting at in.Offset, and
// aggregates the outcome into one result
func (e *Engine) RunAll(ctx context.Context, kind RunKind, in RunInput) (*SyncResult, error) {
	return e.runWindows(ctx, kind, in, true)
}

// SyncProduct syncs a single product by catalog id
func (e *Engine) SyncProduct(ctx context.Context, id string) (*SyncResult, error) {
	return e.SyncBatch(ctx, RunInput{ProductIDs: []string{id}})
}

func (e *Engine) runWindows(ctx context.Context, kind RunKind, in RunInput, all bool) (*SyncResult, error) {
	in, err := e.window(in)
	if err != nil {
		return nil, err
	}

	res := newResult(kind, e.now())
	fail := func(err error) (*SyncResult, error) {
		res.FinishedAt = e.now()
		e.observeRun(res, true)
		e.log.Error("Sync run aborted", zap.String("run_id", res.RunID), zap.String("kind", string(kind)), zap.Error(err))
		return nil, err
	}

	r, err := e.begin(ctx, kind)
	if err != nil {
		return fail(err)
	}

	var process windowFunc = e.syncProductsWindow
	if kind == RunKindPrices {
		if r.regionID, err = e.resolveRegion(ctx, in.RegionID); err != nil {
			return fail(err)
		}
		process = e.syncPricesWindow
	}

	for {
		page, err := e.catalog.ListProducts(ctx, catalog.ListQuery{IDs: in.ProductIDs, Limit: in.Limit, Offset: in.Offset})
		if err != nil {
			if ctx.Err() != nil {
				res.addError(canceledError(ctx.Err()))
				break
			}
			return fail(fmt.Errorf("list catalog products: %w", err))
		}

		if err := process(ctx, r, in, page, res); err != nil {
			return fail(err)
		}
		if ctx.Err() != nil {
			res.addError(canceledError(ctx.Err()))
			break
		}

		in.Offset += in.Limit
		if !all || len(in.ProductIDs) > 0 || len(page.Products) == 0 || in.Offset >= page.Count {
			break
		}
	}

	res.finish(e.now())
	e.observeRun(res, false)
	return res, nil
}

func (e *Engine) syncProductsWindow(ctx context.Context, r *run, in RunInput, page *catalog.ProductPage, res *SyncResult) error {
	base := in.Offset
	outcomes, err := e.forEach(ctx, r.kind, base, page.Products, func(ctx context.Context, p catalog.Product) (*SyncResult, error) {
		return e.syncProduct(ctx, r, p)
	})
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o != nil {
			res.merge(o)
		}
	}
	reportMissing(res, base+len(page.Products), in.ProductIDs, page.Products)
	return nil
}

func (e *Engine) syncPricesWindow(ctx context.Context, r *run, in RunInput, page *catalog.ProductPage, res *SyncResult) error {
	base := in.Offset
	if len(page.Products) > 0 {
		ids := make([]string, len(page.Products))
		for i, p := range page.Products {
			ids[i] = p.ID
		}
		prices, err := e.catalog.CalculatedPrices(ctx, ids, r.regionID)
		if err != nil {
			return fmt.Errorf("load calculated prices for region %s: %w", r.regionID, err)
		}

		outcomes, err := e.forEach(ctx, r.kind, base, page.Products, func(ctx context.Context, p catalog.Product) (*SyncResult, error) {
			return e.syncProductPrices(ctx, r, p, prices)
		})
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o != nil {
				res.merge(o)
			}
		}
	}
	reportMissing(res, base+len(page.Products), in.ProductIDs, page.Products)
	return nil
}

// reportMissing turns requested ids the catalog did not return into
// not_found item errors
func reportMissing(res *SyncResult, index int, requested []string, got []catalog.Product) {
	if len(requested) == 0 {
		return
	}
	returned := make(map[string]bool, len(got))
	for _, p := range got {
		returned[p.ID] = true
	}
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if returned[id] || seen[id] {
			continue
		}
		seen[id] = true
		res.SkippedProducts++
		res.addError(ItemError{
			ItemLabel: id,
			ItemID:    id,
			Kind:      ErrorKindNotFound,
			Message:   catalog.ErrNotFound.Error(),
			index:     index,
		})
		index++
	}
}

func canceledError(err error) ItemError {
	return ItemError{ItemLabel: "run", Kind: ErrorKindCanceled, Message: err.Error(), index: math.MaxInt}
}

// forEach runs fn over products on the configured number of workers.
// Products are partitioned by catalog id, so one id never runs on two
// workers. Outcomes come back in input order; an AuthError stops every
// worker and is returned. base is the window offset used to order errors.
func (e *Engine) forEach(ctx context.Context, kind RunKind, base int, products []catalog.Product, fn itemFunc) ([]*SyncResult, error) {
	outcomes := make([]*SyncResult, len(products))
	if len(products) == 0 {
		return outcomes, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fatal     error
		fatalOnce sync.Once
		wg        sync.WaitGroup
	)
	for _, part := range partition(products, e.cfg.Workers) {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(part []int) {
			defer wg.Done()
			for _, i := range part {
				if ctx.Err() != nil {
					return
				}
				out, err := e.runItem(ctx, kind, base+i, products[i], fn)
				if err != nil {
					fatalOnce.Do(func() {
						fatal = err
						cancel()
					})
					return
				}
				outcomes[i] = out
			}
		}(part)
	}
	wg.Wait()

	return outcomes, fatal
}

// runItem syncs one product under its lock. Only an AuthError escapes.
func (e *Engine) runItem(ctx context.Context, kind RunKind, index int, p catalog.Product, fn itemFunc) (*SyncResult, error) {
	out := &SyncResult{}
	fail := func(err error) *SyncResult {
		e.log.Warn("Failed to sync product",
			zap.String("catalog_id", p.ID), zap.String("title", p.Title), zap.Error(err))
		out.addError(ItemError{
			ItemLabel: productLabel(p),
			ItemID:    p.ID,
			Kind:      classify(err),
			Message:   err.Error(),
			index:     index,
		})
		return out
	}

	unlock, err := e.locker.Lock(ctx, "product:"+p.ID)
	if err != nil {
		return fail(fmt.Errorf("lock product: %w", err)), nil
	}
	defer unlock()

	res, err := fn(ctx, p)
	if err != nil {
		if odoo.IsAuthError(err) {
			return nil, err
		}
		metrics.ObserveItem(string(kind), "error")
		return fail(err), nil
	}

	for i := range res.Errors {
		res.Errors[i].index = index
	}
	metrics.ObserveItem(string(kind), outcome(res))
	return res, nil
}

func outcome(res *SyncResult) string {
	switch {
	case res.ErrorCount > 0:
		return "partial"
	case res.CreatedProducts > 0:
		return "created"
	case res.UpdatedProducts > 0:
		return "updated"
	case res.UnchangedProducts > 0:
		return "unchanged"
	}
	return "synced"
}

// partition assigns product indexes to n workers by FNV-1a of the catalog id
func partition(products []catalog.Product, n int) [][]int {
	if n < 1 {
		n = 1
	}
	parts := make([][]int, n)
	for i, p := range products {
		h := fnv.New32a()
		h.Write([]byte(p.ID))
		w := int(h.Sum32() % uint32(n))
		parts[w] = append(parts[w], i)
	}
	return parts
}
