package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/mapper"
	"github.com/xelth-com/catalogsync/internal/services/odoo/odootest"
)

func shirt() catalog.Product {
	return catalog.Product{
		ID:    "prod_shirt",
		Title: "Linen Shirt",
		Variants: []catalog.Variant{
			{ID: "var_m", SKU: "SHIRT-M", Options: []catalog.OptionValue{{Name: "Size", Value: "M"}}},
			{ID: "var_l", SKU: "SHIRT-L", Options: []catalog.OptionValue{{Name: "Size", Value: "L"}}},
		},
	}
}

func TestFindRemoteProduct_NoMatch(t *testing.T) {
	r := New(odootest.New(), "x_catalog_id", nil)
	_, found, err := r.FindRemoteProduct(context.Background(), shirt())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindRemoteProduct_StageOrder(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()

	byName := erp.Seed(ModelTemplate, odootest.Record{"name": "Linen Shirt"})
	bySKU := erp.Seed(ModelTemplate, odootest.Record{"name": "Other"})
	erp.Seed(ModelVariant, odootest.Record{"product_tmpl_id": bySKU, "default_code": "SHIRT-L"})

	r := New(erp, "x_catalog_id", nil)

	m, found, err := r.FindRemoteProduct(ctx, shirt())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Match{TemplateID: bySKU, By: MatchBySKU}, m)

	byRef := erp.Seed(ModelTemplate, odootest.Record{"name": "Renamed", "x_catalog_id": "prod_shirt"})
	m, found, err = r.FindRemoteProduct(ctx, shirt())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Match{TemplateID: byRef, By: MatchByReference}, m)

	p := shirt()
	p.Metadata = map[string]interface{}{mapper.MetadataRemoteID: float64(byName)}
	m, found, err = r.FindRemoteProduct(ctx, p)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Match{TemplateID: byName, By: MatchByStoredID}, m)
}

func TestFindRemoteProduct_NameFallbackPicksLowestID(t *testing.T) {
	erp := odootest.New()
	first := erp.Seed(ModelTemplate, odootest.Record{"name": "Linen Shirt"})
	erp.Seed(ModelTemplate, odootest.Record{"name": "Linen Shirt"})

	p := shirt()
	p.Variants = nil
	m, found, err := New(erp, "x_catalog_id", nil).FindRemoteProduct(context.Background(), p)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Match{TemplateID: first, By: MatchByName}, m)
}

func TestFindRemoteProduct_IncludesArchived(t *testing.T) {
	erp := odootest.New()
	archived := erp.Seed(ModelTemplate, odootest.Record{"name": "Old", "x_catalog_id": "prod_shirt", "active": false})

	m, found, err := New(erp, "x_catalog_id", nil).FindRemoteProduct(context.Background(), shirt())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, archived, m.TemplateID)
}

func TestFindRemoteProduct_RejectsSKUOwnedByOtherProduct(t *testing.T) {
	erp := odootest.New()
	other := erp.Seed(ModelTemplate, odootest.Record{"name": "Other", "x_catalog_id": "prod_other"})
	erp.Seed(ModelVariant, odootest.Record{"product_tmpl_id": other, "default_code": "SHIRT-M"})

	_, found, err := New(erp, "x_catalog_id", nil).FindRemoteProduct(context.Background(), shirt())
	require.NoError(t, err)
	assert.False(t, found)

	// without a reference field the collision cannot be detected
	m, found, err := New(erp, "", nil).FindRemoteProduct(context.Background(), shirt())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, other, m.TemplateID)
}

func TestFindRemoteProduct_StaleStoredID(t *testing.T) {
	erp := odootest.New()
	p := shirt()
	p.Variants = nil
	p.Metadata = map[string]interface{}{mapper.MetadataRemoteID: "999999"}

	_, found, err := New(erp, "x_catalog_id", nil).FindRemoteProduct(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAttributeLineExists(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()
	tmpl := erp.Seed(ModelTemplate, odootest.Record{"name": "Linen Shirt"})
	size := erp.Seed(ModelAttribute, odootest.Record{"name": "Size"})
	m := erp.Seed(ModelAttributeValue, odootest.Record{"name": "M", "attribute_id": size})

	r := New(erp, "x_catalog_id", nil)
	_, found, err := r.AttributeLineExists(ctx, tmpl, "Size")
	require.NoError(t, err)
	assert.False(t, found)

	lineID := erp.Seed(ModelAttributeLine, odootest.Record{
		"product_tmpl_id": tmpl,
		"attribute_id":    size,
		"value_ids":       []interface{}{[]interface{}{6, 0, []int64{m}}},
	})

	line, found, err := r.AttributeLineExists(ctx, tmpl, "Size")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, lineID, line.ID)
	assert.Equal(t, []int64{m}, line.ValueIDs)

	_, found, err = r.AttributeLineExists(ctx, tmpl, "Color")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindRemoteVariant(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()
	tmpl := erp.Seed(ModelTemplate, odootest.Record{"name": "Linen Shirt"})
	size := erp.Seed(ModelAttribute, odootest.Record{"name": "Size"})
	m := erp.Seed(ModelAttributeValue, odootest.Record{"name": "M", "attribute_id": size})
	l := erp.Seed(ModelAttributeValue, odootest.Record{"name": "L", "attribute_id": size})
	erp.Seed(ModelAttributeLine, odootest.Record{
		"product_tmpl_id": tmpl,
		"attribute_id":    size,
		"value_ids":       []interface{}{[]interface{}{6, 0, []int64{m, l}}},
	})

	r := New(erp, "x_catalog_id", nil)
	variant := shirt().Variants[1]

	byOptions, found, err := r.FindRemoteVariant(ctx, tmpl, variant)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, erp.Write(ctx, ModelVariant, []int64{byOptions}, map[string]interface{}{"default_code": "SHIRT-L"}))
	bySKU, found, err := r.FindRemoteVariant(ctx, tmpl, variant)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, byOptions, bySKU)

	_, found, err = r.FindVariantByOptions(ctx, tmpl, []catalog.OptionValue{{Name: "Size", Value: "XL"}})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindPriceEntry(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()
	pl := erp.Seed(ModelPricelist, odootest.Record{"name": "EUR"})

	r := New(erp, "", nil)
	_, found, err := r.FindPriceEntry(ctx, pl, 5)
	require.NoError(t, err)
	assert.False(t, found)

	id := erp.Seed(ModelPricelistItem, odootest.Record{
		"pricelist_id": pl, "product_id": int64(5), "applied_on": "0_product_variant", "fixed_price": 19.99,
	})
	entry, found, err := r.FindPriceEntry(ctx, pl, 5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PriceEntry{ID: id, FixedPrice: 19.99}, entry)
}

func TestFindCategory_ScopedByParent(t *testing.T) {
	ctx := context.Background()
	erp := odootest.New()
	root := erp.Seed(ModelCategory, odootest.Record{"name": "Apparel", "parent_id": false})
	child := erp.Seed(ModelCategory, odootest.Record{"name": "Shirts", "parent_id": root})

	r := New(erp, "", nil)
	id, found, err := r.FindCategory(ctx, "Apparel", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, root, id)

	id, found, err = r.FindCategory(ctx, "Shirts", root)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, child, id)

	_, found, err = r.FindCategory(ctx, "Shirts", 0)
	require.NoError(t, err)
	assert.False(t, found)
}
