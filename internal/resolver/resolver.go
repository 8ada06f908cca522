// Package resolver decides whether catalog entities already exist in Odoo.
// A miss is never an error; it tells the caller to create.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/mapper"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
)

// Odoo models touched by the resolver and the synchronizers
const (
	ModelTemplate       = "product.template"
	ModelVariant        = "product.product"
	ModelAttribute      = "product.attribute"
	ModelAttributeValue = "product.attribute.value"
	ModelAttributeLine  = "product.template.attribute.line"
	ModelTemplateValue  = "product.template.attribute.value"
	ModelPricelist      = "product.pricelist"
	ModelPricelistItem  = "product.pricelist.item"
	ModelCategory       = "product.category"
	ModelTag            = "product.tag"
	ModelAttachment     = "ir.attachment"
	ModelCurrency       = "res.currency"
)

// Remote is the subset of the Odoo client the resolver reads through
type Remote interface {
	Search(ctx context.Context, model string, domain []interface{}, limit, offset int) ([]int64, error)
	SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit, offset int, result interface{}) error
}

// MatchBy names the stage that found a remote product
type MatchBy string

const (
	MatchByStoredID  MatchBy = "stored_id"
	MatchByReference MatchBy = "reference"
	MatchBySKU       MatchBy = "sku"
	MatchByName      MatchBy = "name"
)

// Match is a resolved remote product template
type Match struct {
	TemplateID int64
	By         MatchBy
}

// AttributeLine is an existing product.template.attribute.line
type AttributeLine struct {
	ID       int64
	ValueIDs []int64
}

// PriceEntry is an existing product.pricelist.item
type PriceEntry struct {
	ID         int64
	FixedPrice float64
}

// Resolver looks up remote records
type Resolver struct {
	remote         Remote
	referenceField string
	log            *zap.Logger
}

// New creates a resolver. referenceField is empty when the ERP has no field
// for the catalog id.
func New(remote Remote, referenceField string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{remote: remote, referenceField: referenceField, log: log}
}

// ReferenceField returns the template field holding the catalog id, if any
func (r *Resolver) ReferenceField() string {
	return r.referenceField
}

// withArchived extends a domain so archived records match too
func withArchived(domain ...interface{}) []interface{} {
	return append(domain, []interface{}{"active", "in", []interface{}{true, false}})
}

func cond(field, op string, value interface{}) []interface{} {
	return []interface{}{field, op, value}
}

// FindRemoteProduct resolves a catalog product to a template. Stages run in
// order: stored id or reference field, then variant SKU, then exact name.
// The first stage with a hit wins; inside a stage the lowest id wins.
func (r *Resolver) FindRemoteProduct(ctx context.Context, p catalog.Product) (Match, bool, error) {
	if id, ok := mapper.ExtractRemoteID(p); ok {
		ids, err := r.remote.Search(ctx, ModelTemplate, withArchived(cond("id", "=", id)), 1, 0)
		if err != nil {
			return Match{}, false, err
		}
		if len(ids) > 0 {
			accepted, err := r.acceptCandidates(ctx, p.ID, ids)
			if err != nil {
				return Match{}, false, err
			}
			if len(accepted) > 0 {
				return Match{TemplateID: accepted[0], By: MatchByStoredID}, true, nil
			}
		}
	}

	if r.referenceField != "" {
		ids, err := r.remote.Search(ctx, ModelTemplate, withArchived(cond(r.referenceField, "=", p.ID)), 0, 0)
		if err != nil {
			return Match{}, false, err
		}
		if id, ok := r.lowest(p.ID, MatchByReference, ids); ok {
			return Match{TemplateID: id, By: MatchByReference}, true, nil
		}
	}

	if skus := variantSKUs(p); len(skus) > 0 {
		var variants []struct {
			ProductTmplID odoo.Many2One `json:"product_tmpl_id"`
		}
		err := r.remote.SearchRead(ctx, ModelVariant, withArchived(cond("default_code", "in", skus)),
			[]string{"product_tmpl_id"}, 0, 0, &variants)
		if err != nil {
			return Match{}, false, err
		}
		var candidates []int64
		for _, v := range variants {
			if v.ProductTmplID.Valid() {
				candidates = append(candidates, v.ProductTmplID.ID)
			}
		}
		accepted, err := r.acceptCandidates(ctx, p.ID, candidates)
		if err != nil {
			return Match{}, false, err
		}
		if id, ok := r.lowest(p.ID, MatchBySKU, accepted); ok {
			return Match{TemplateID: id, By: MatchBySKU}, true, nil
		}
	}

	if name := strings.TrimSpace(p.Title); name != "" {
		ids, err := r.remote.Search(ctx, ModelTemplate, withArchived(cond("name", "=", name)), 0, 0)
		if err != nil {
			return Match{}, false, err
		}
		accepted, err := r.acceptCandidates(ctx, p.ID, ids)
		if err != nil {
			return Match{}, false, err
		}
		if id, ok := r.lowest(p.ID, MatchByName, accepted); ok {
			return Match{TemplateID: id, By: MatchByName}, true, nil
		}
	}

	return Match{}, false, nil
}

// acceptCandidates drops templates whose reference field already belongs to a
// different catalog product. Result is sorted ascending and deduplicated.
func (r *Resolver) acceptCandidates(ctx context.Context, catalogID string, ids []int64) ([]int64, error) {
	ids = uniqueSorted(ids)
	if len(ids) == 0 || r.referenceField == "" {
		return ids, nil
	}

	var rows []map[string]interface{}
	err := r.remote.SearchRead(ctx, ModelTemplate, withArchived(cond("id", "in", ids)),
		[]string{"id", r.referenceField}, 0, 0, &rows)
	if err != nil {
		return nil, err
	}

	owners := make(map[int64]string, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(float64)
		ref, _ := row[r.referenceField].(string)
		owners[int64(id)] = ref
	}

	var accepted []int64
	for _, id := range ids {
		owner, ok := owners[id]
		if !ok {
			continue
		}
		if owner != "" && owner != catalogID {
			r.log.Debug("Rejecting candidate owned by another catalog product",
				zap.String("catalog_id", catalogID), zap.Int64("template_id", id), zap.String("owner", owner))
			continue
		}
		accepted = append(accepted, id)
	}
	return accepted, nil
}

func (r *Resolver) lowest(catalogID string, by MatchBy, ids []int64) (int64, bool) {
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return 0, false
	}
	if len(ids) > 1 {
		r.log.Warn("Ambiguous remote product match, using lowest id",
			zap.String("catalog_id", catalogID), zap.String("by", string(by)), zap.Int64s("candidates", ids))
	}
	return ids[0], true
}

// AttributeLineExists looks up the line of a template for an attribute name.
// It runs before every attribute line create.
func (r *Resolver) AttributeLineExists(ctx context.Context, templateID int64, attributeName string) (AttributeLine, bool, error) {
	var rows []struct {
		ID       int64   `json:"id"`
		ValueIDs []int64 `json:"value_ids"`
	}
	domain := []interface{}{
		cond("product_tmpl_id", "=", templateID),
		cond("attribute_id.name", "=", attributeName),
	}
	if err := r.remote.SearchRead(ctx, ModelAttributeLine, domain, []string{"id", "value_ids"}, 0, 0, &rows); err != nil {
		return AttributeLine{}, false, err
	}
	if len(rows) == 0 {
		return AttributeLine{}, false, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if len(rows) > 1 {
		r.log.Warn("Template has more than one line for attribute",
			zap.Int64("template_id", templateID), zap.String("attribute", attributeName), zap.Int("lines", len(rows)))
	}
	return AttributeLine{ID: rows[0].ID, ValueIDs: rows[0].ValueIDs}, true, nil
}

// FindAttribute looks up a product.attribute by name
func (r *Resolver) FindAttribute(ctx context.Context, name string) (int64, bool, error) {
	return r.findOne(ctx, ModelAttribute, []interface{}{cond("name", "=", name)})
}

// FindAttributeValue looks up a value of an attribute by name
func (r *Resolver) FindAttributeValue(ctx context.Context, attributeID int64, name string) (int64, bool, error) {
	return r.findOne(ctx, ModelAttributeValue, []interface{}{
		cond("attribute_id", "=", attributeID),
		cond("name", "=", name),
	})
}

// FindCategory looks up a product.category by name under parentID (0 = root)
func (r *Resolver) FindCategory(ctx context.Context, name string, parentID int64) (int64, bool, error) {
	var parent interface{} = false
	if parentID != 0 {
		parent = parentID
	}
	return r.findOne(ctx, ModelCategory, []interface{}{
		cond("name", "=", name),
		cond("parent_id", "=", parent),
	})
}

// FindTag looks up a product.tag by name
func (r *Resolver) FindTag(ctx context.Context, name string) (int64, bool, error) {
	return r.findOne(ctx, ModelTag, []interface{}{cond("name", "=", name)})
}

// FindAttachment looks up a URL attachment of a template
func (r *Resolver) FindAttachment(ctx context.Context, templateID int64, url string) (int64, bool, error) {
	return r.findOne(ctx, ModelAttachment, []interface{}{
		cond("res_model", "=", ModelTemplate),
		cond("res_id", "=", templateID),
		cond("type", "=", "url"),
		cond("url", "=", url),
	})
}

// FindCurrency looks up an active or inactive res.currency by ISO code
func (r *Resolver) FindCurrency(ctx context.Context, code string) (int64, bool, error) {
	return r.findOne(ctx, ModelCurrency, withArchived(cond("name", "=", strings.ToUpper(code))))
}

// FindPricelist looks up the pricelist of a currency
func (r *Resolver) FindPricelist(ctx context.Context, currencyID int64) (int64, bool, error) {
	return r.findOne(ctx, ModelPricelist, []interface{}{cond("currency_id", "=", currencyID)})
}

// FindRemoteVariant resolves a catalog variant to an active product.product
// of the template: by SKU on default_code first, then by option combination.
func (r *Resolver) FindRemoteVariant(ctx context.Context, templateID int64, v catalog.Variant) (int64, bool, error) {
	if v.SKU != "" {
		id, ok, err := r.findOne(ctx, ModelVariant, []interface{}{
			cond("product_tmpl_id", "=", templateID),
			cond("default_code", "=", v.SKU),
		})
		if err != nil || ok {
			return id, ok, err
		}
	}
	return r.FindVariantByOptions(ctx, templateID, v.Options)
}

// FindVariantByOptions matches the product.product whose attribute values
// are exactly the given option pairs
func (r *Resolver) FindVariantByOptions(ctx context.Context, templateID int64, options []catalog.OptionValue) (int64, bool, error) {
	var values []struct {
		ID          int64         `json:"id"`
		Name        string        `json:"name"`
		AttributeID odoo.Many2One `json:"attribute_id"`
	}
	err := r.remote.SearchRead(ctx, ModelTemplateValue, []interface{}{cond("product_tmpl_id", "=", templateID)},
		[]string{"id", "name", "attribute_id"}, 0, 0, &values)
	if err != nil {
		return 0, false, err
	}
	labels := make(map[int64]string, len(values))
	for _, v := range values {
		labels[v.ID] = optionKey(v.AttributeID.Name, v.Name)
	}

	var variants []struct {
		ID       int64   `json:"id"`
		ValueIDs []int64 `json:"product_template_attribute_value_ids"`
	}
	err = r.remote.SearchRead(ctx, ModelVariant, []interface{}{cond("product_tmpl_id", "=", templateID)},
		[]string{"id", "product_template_attribute_value_ids"}, 0, 0, &variants)
	if err != nil {
		return 0, false, err
	}

	want := make(map[string]bool, len(options))
	for _, o := range options {
		want[optionKey(o.Name, o.Value)] = true
	}

	var matches []int64
	for _, v := range variants {
		if len(v.ValueIDs) != len(want) {
			continue
		}
		ok := true
		for _, id := range v.ValueIDs {
			if !want[labels[id]] {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, v.ID)
		}
	}
	if len(matches) == 0 {
		return 0, false, nil
	}
	matches = uniqueSorted(matches)
	return matches[0], true, nil
}

// FindPriceEntry looks up the fixed variant price of a pricelist
func (r *Resolver) FindPriceEntry(ctx context.Context, pricelistID, variantID int64) (PriceEntry, bool, error) {
	var rows []struct {
		ID         int64   `json:"id"`
		FixedPrice float64 `json:"fixed_price"`
	}
	domain := []interface{}{
		cond("pricelist_id", "=", pricelistID),
		cond("product_id", "=", variantID),
		cond("applied_on", "=", "0_product_variant"),
	}
	if err := r.remote.SearchRead(ctx, ModelPricelistItem, domain, []string{"id", "fixed_price"}, 0, 0, &rows); err != nil {
		return PriceEntry{}, false, err
	}
	if len(rows) == 0 {
		return PriceEntry{}, false, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return PriceEntry{ID: rows[0].ID, FixedPrice: rows[0].FixedPrice}, true, nil
}

func (r *Resolver) findOne(ctx context.Context, model string, domain []interface{}) (int64, bool, error) {
	ids, err := r.remote.Search(ctx, model, domain, 0, 0)
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s: %w", model, err)
	}
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func optionKey(name, value string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "\x00" + strings.ToLower(strings.TrimSpace(value))
}

func variantSKUs(p catalog.Product) []interface{} {
	var skus []interface{}
	seen := make(map[string]bool)
	for _, v := range p.Variants {
		if v.SKU == "" || seen[v.SKU] {
			continue
		}
		seen[v.SKU] = true
		skus = append(skus, v.SKU)
	}
	return skus
}

func uniqueSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
