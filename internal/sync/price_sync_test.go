package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/catalog/catalogtest"
	"github.com/xelth-com/catalogsync/internal/resolver"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	"github.com/xelth-com/catalogsync/internal/services/odoo/odootest"
)

func priceItems(erp *odootest.Server) map[int64]float64 {
	out := map[int64]float64{}
	for _, rec := range erp.Records(resolver.ModelPricelistItem) {
		out[rec["product_id"].(int64)] = rec["fixed_price"].(float64)
	}
	return out
}

func syncedEngine(t *testing.T, cat *catalogtest.Catalog, erp *odootest.Server) *Engine {
	t.Helper()
	e := newTestEngine(t, cat, erp, newMemChecksums(), testConfig())
	res, err := e.SyncBatch(context.Background(), RunInput{})
	require.NoError(t, err)
	require.Equal(t, 0, res.ErrorCount)
	return e
}

func TestSyncPrices_UpsertsOneEntryPerVariantAndCurrency(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S", "M"))
	cat.AddRegion("reg_eu", "eur")
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	cat.SetPrice("reg_eu", "p1_M", "eur", "21.50")
	e := syncedEngine(t, cat, erp)

	res, err := e.SyncPrices(ctx, RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, RunKindPrices, res.Kind)
	assert.Equal(t, 2, res.SyncedPrices)
	assert.Equal(t, 2, res.CreatedPrices)
	assert.Equal(t, 0, res.UpdatedPrices)
	assert.Equal(t, 2, res.SyncedVariants)
	assert.Equal(t, 0, res.ErrorCount)

	pricelists := erp.Records(resolver.ModelPricelist)
	require.Len(t, pricelists, 1)

	res, err = e.SyncPrices(ctx, RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SyncedPrices)
	assert.Equal(t, 0, res.CreatedPrices)
	assert.Equal(t, 0, res.UpdatedPrices)

	cat.SetPrice("reg_eu", "p1_S", "eur", "24.00")
	res, err = e.SyncPrices(ctx, RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedPrices)
	assert.Equal(t, 0, res.CreatedPrices)

	items := erp.Records(resolver.ModelPricelistItem)
	require.Len(t, items, 2)
	prices := map[float64]bool{}
	for _, rec := range items {
		assert.Equal(t, "0_product_variant", rec["applied_on"])
		assert.Equal(t, "fixed", rec["compute_price"])
		assert.Equal(t, pricelists[0]["id"], rec["pricelist_id"])
		prices[rec["fixed_price"].(float64)] = true
	}
	assert.Equal(t, map[float64]bool{24.0: true, 21.5: true}, prices)
	assert.Len(t, erp.Records(resolver.ModelPricelist), 1)
}

func TestSyncPrices_MissingPriceIsSkippedNotError(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S", "M"))
	cat.AddRegion("reg_eu", "eur")
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	e := syncedEngine(t, cat, erp)

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedPrices)
	assert.Equal(t, 1, res.SkippedPrices)
	assert.Equal(t, 0, res.ErrorCount)
}

func TestSyncPrices_NotSyncedProductIsError(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	cat.AddRegion("reg_eu", "eur")
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	e := newTestEngine(t, cat, erp, nil, testConfig())

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SyncedPrices)
	require.Equal(t, 1, res.ErrorCount)
	assert.Equal(t, "p1", res.Errors[0].ItemID)
	assert.Equal(t, ErrorKindNotSynced, res.Errors[0].Kind)
	assert.Empty(t, erp.Records(resolver.ModelPricelistItem))
}

func TestSyncPrices_NotSyncedVariantIsError(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	cat.AddRegion("reg_eu", "eur")
	e := syncedEngine(t, cat, erp)

	cat.Update("p1", func(p *catalog.Product) {
		p.Variants = append(p.Variants, catalogtest.Product("p1", "", "XL").Variants...)
	})
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	cat.SetPrice("reg_eu", "p1_XL", "eur", "29.99")

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedPrices)
	assert.Equal(t, 1, res.SyncedProducts)
	require.Equal(t, 1, res.ErrorCount)
	assert.Equal(t, "p1_XL", res.Errors[0].ItemID)
	assert.Equal(t, "Linen Shirt [p1-XL]", res.Errors[0].ItemLabel)
	assert.Equal(t, ErrorKindNotSynced, res.Errors[0].Kind)
}

func TestSyncPrices_ProductWithOnlyFailedVariantsIsNotSynced(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S", "M"), catalogtest.Product("p2", "Straw Hat", "S", "M"))
	cat.AddRegion("reg_eu", "eur")
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	cat.SetPrice("reg_eu", "p1_M", "eur", "21.50")
	cat.SetPrice("reg_eu", "p2_S", "eur", "9.00")
	e := syncedEngine(t, cat, erp)

	rejected := variantIDs(erp, templateByCatalogID(t, erp, "p1")["id"])
	require.Len(t, rejected, 2)
	erp.FailOn = func(model, method string, values map[string]interface{}) error {
		if id, ok := values["product_id"].(int64); ok && model == resolver.ModelPricelistItem && rejected[id] {
			return &odoo.RemoteWriteError{Model: model, Method: method, Message: "rejected"}
		}
		return nil
	}

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_eu"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ErrorCount)
	for _, item := range res.Errors {
		assert.Equal(t, ErrorKindRemoteWrite, item.Kind)
	}
	// p2 counts: one variant priced, the other skipped
	assert.Equal(t, 1, res.SyncedProducts)
	assert.Equal(t, 1, res.SyncedPrices)
	assert.Equal(t, 1, res.SkippedPrices)
}

func TestSyncPrices_ZeroDecimalCurrency(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Tea Cup", "S"))
	cat.AddRegion("reg_jp", "jpy")
	cat.SetPrice("reg_jp", "p1_S", "jpy", "1500")
	e := syncedEngine(t, cat, erp)

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_jp"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedPrices)

	items := erp.Records(resolver.ModelPricelistItem)
	require.Len(t, items, 1)
	assert.Equal(t, 1500.0, items[0]["fixed_price"])
}

func TestSyncPrices_UnknownCurrencyIsValidationError(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	cat.AddRegion("reg_ch", "chf")
	cat.SetPrice("reg_ch", "p1_S", "chf", "19.90")
	e := syncedEngine(t, cat, erp)

	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_ch"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SyncedProducts)
	require.Equal(t, 1, res.ErrorCount)
	assert.Equal(t, ErrorKindValidation, res.Errors[0].Kind)
	assert.Empty(t, erp.Records(resolver.ModelPricelist))
}

func TestSyncPrices_RegionFallback(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	cat.AddRegion("reg_b", "usd")
	cat.AddRegion("reg_a", "eur")
	cat.SetPrice("reg_a", "p1_S", "eur", "10")
	cat.SetPrice("reg_b", "p1_S", "usd", "12")
	e := syncedEngine(t, cat, erp)

	res, err := e.SyncPrices(context.Background(), RunInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedPrices)
	assert.Equal(t, []float64{10}, amounts(priceItems(erp)))

	cfg := testConfig()
	cfg.DefaultRegionID = "reg_b"
	e = newTestEngine(t, cat, erp, nil, cfg)
	res, err = e.SyncPrices(context.Background(), RunInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedPrices)
	assert.Len(t, erp.Records(resolver.ModelPricelist), 2)
}

func TestSyncPrices_NoRegion(t *testing.T) {
	cat := catalogtest.New()
	e := newTestEngine(t, cat, odootest.New(), nil, testConfig())
	res, err := e.SyncPrices(context.Background(), RunInput{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoRegion)
}

func TestSyncPrices_AuthErrorAbortsRun(t *testing.T) {
	erp := odootest.New()
	cat := catalogtest.New()
	cat.Add(catalogtest.Product("p1", "Linen Shirt", "S"))
	cat.AddRegion("reg_eu", "eur")
	cat.SetPrice("reg_eu", "p1_S", "eur", "19.99")
	e := syncedEngine(t, cat, erp)

	erp.FailOn = func(model, method string, values map[string]interface{}) error {
		return &odoo.AuthError{Username: "admin"}
	}
	res, err := e.SyncPrices(context.Background(), RunInput{RegionID: "reg_eu"})
	assert.Nil(t, res)
	assert.True(t, odoo.IsAuthError(err))
}

func variantIDs(erp *odootest.Server, templateID interface{}) map[int64]bool {
	out := map[int64]bool{}
	for _, rec := range erp.Records(resolver.ModelVariant) {
		if rec["product_tmpl_id"] == templateID && rec["active"] == true {
			out[rec["id"].(int64)] = true
		}
	}
	return out
}

func amounts(m map[int64]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
