package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/mapper"
	"github.com/xelth-com/catalogsync/internal/resolver"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
)

// syncProductPrices upserts the fixed price of every variant of p in every
// currency of its calculated price. Variant failures are recorded on the
// result; only product-level failures are returned. The product counts as
// synced unless every one of its variants failed.
func (e *Engine) syncProductPrices(ctx context.Context, r *run, p catalog.Product, prices map[string]catalog.CalculatedPrice) (*SyncResult, error) {
	out := &SyncResult{Kind: RunKindPrices}

	match, found, err := r.res.FindRemoteProduct(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve product: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("product %s: %w", p.ID, ErrNotSynced)
	}

	settled := 0
	for _, v := range p.Variants {
		v.CalculatedPrice = nil
		if price, ok := prices[v.ID]; ok {
			v.CalculatedPrice = &price
		}

		entries, err := mapper.ToRemotePriceEntries(v, r.mapOpts)
		if errors.Is(err, mapper.ErrPriceUnavailable) {
			out.SkippedPrices++
			settled++
			continue
		}

		variantErr := func(err error) {
			e.log.Warn("Failed to sync variant price",
				zap.String("catalog_id", p.ID), zap.String("variant_id", v.ID), zap.Error(err))
			out.addError(ItemError{
				ItemLabel: variantLabel(p, v),
				ItemID:    v.ID,
				Kind:      classify(err),
				Message:   err.Error(),
			})
		}

		variantID, found, err := r.res.FindRemoteVariant(ctx, match.TemplateID, v)
		if err != nil {
			if odoo.IsAuthError(err) {
				return nil, err
			}
			variantErr(fmt.Errorf("resolve variant: %w", err))
			continue
		}
		if !found {
			variantErr(fmt.Errorf("variant %s: %w", v.ID, ErrNotSynced))
			continue
		}
		out.SyncedVariants++

		failed := false
		for _, m := range entries {
			created, changed, err := e.upsertPrice(ctx, r, variantID, m)
			if err != nil {
				if odoo.IsAuthError(err) {
					return nil, err
				}
				variantErr(fmt.Errorf("price %s: %w", m.CurrencyCode, err))
				failed = true
				continue
			}
			out.SyncedPrices++
			switch {
			case created:
				out.CreatedPrices++
			case changed:
				out.UpdatedPrices++
			}
		}
		if !failed {
			settled++
		}
	}

	if len(p.Variants) == 0 || settled > 0 {
		out.SyncedProducts++
	}
	return out, nil
}

// upsertPrice keeps exactly one fixed pricelist item per variant and
// currency, rewriting it only when the minor amount differs
func (e *Engine) upsertPrice(ctx context.Context, r *run, variantID int64, m mapper.Money) (created, changed bool, err error) {
	pricelistID, err := e.pricelistForCurrency(ctx, r, m.CurrencyCode)
	if err != nil {
		return false, false, err
	}

	entry, found, err := r.res.FindPriceEntry(ctx, pricelistID, variantID)
	if err != nil {
		return false, false, err
	}
	if found {
		if mapper.FromRemoteAmount(entry.FixedPrice, m.CurrencyCode).Minor == m.Minor {
			return false, false, nil
		}
		err := e.remote.Write(ctx, resolver.ModelPricelistItem, []int64{entry.ID}, map[string]interface{}{
			"compute_price": "fixed",
			"fixed_price":   m.Float(),
		})
		if err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	_, err = e.remote.Create(ctx, resolver.ModelPricelistItem, map[string]interface{}{
		"pricelist_id":  pricelistID,
		"applied_on":    "0_product_variant",
		"product_id":    variantID,
		"compute_price": "fixed",
		"fixed_price":   m.Float(),
	})
	if err != nil {
		return false, false, err
	}
	return true, false, nil
}

// pricelistForCurrency resolves the pricelist of a currency, creating it on
// first use. The result is cached for the run.
func (e *Engine) pricelistForCurrency(ctx context.Context, r *run, code string) (int64, error) {
	return r.ensure(r.pricelists, code,
		func() (int64, bool, error) {
			currencyID, ok, err := r.res.FindCurrency(ctx, code)
			if err != nil || !ok {
				if err == nil {
					err = fmt.Errorf("%s: %w", code, ErrUnknownCurrency)
				}
				return 0, false, err
			}
			return r.res.FindPricelist(ctx, currencyID)
		},
		func() (int64, error) {
			currencyID, _, err := r.res.FindCurrency(ctx, code)
			if err != nil {
				return 0, err
			}
			e.log.Info("Creating pricelist for currency", zap.String("currency", code))
			return e.remote.Create(ctx, resolver.ModelPricelist, map[string]interface{}{
				"name":        "Catalog " + code,
				"currency_id": currencyID,
			})
		})
}
