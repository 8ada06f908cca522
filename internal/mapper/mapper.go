// Package mapper translates catalog records into Odoo field maps. It performs no I/O.
package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xelth-com/catalogsync/internal/catalog"
)

// MetadataRemoteID is the catalog metadata key holding the Odoo template id
const MetadataRemoteID = "odoo_template_id"

// ErrPriceUnavailable means a variant has no calculated price for the requested region
var ErrPriceUnavailable = errors.New("mapper: calculated price unavailable")

// Options controls product mapping
type Options struct {
	ProductType string
	// ReferenceField is the template field that stores the catalog id.
	// Empty when the ERP does not expose such a field.
	ReferenceField string
	// AmountsInMinorUnits is set when the catalog reports prices in minor units
	AmountsInMinorUnits bool
}

// ProductFields is the mapped shape of a catalog product
type ProductFields struct {
	CatalogID      string        `json:"catalog_id"`
	Name           string        `json:"name"`
	Type           string        `json:"type"`
	Active         bool          `json:"active"`
	SaleOK         bool          `json:"sale_ok"`
	Description    string        `json:"description"`
	CategoryPath   []string      `json:"category_path"`
	Tags           []string      `json:"tags"`
	ImageURLs      []string      `json:"image_urls"`
	ReferenceField string        `json:"reference_field"`
	Dimensions     []Dimension   `json:"dimensions"`
	VariantCodes   []VariantCode `json:"variant_codes"`
}

// Dimension is one variant-defining attribute and its values in first-seen order
type Dimension struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// VariantCode ties a variant's option combination to its SKU
type VariantCode struct {
	VariantID string                `json:"variant_id"`
	SKU       string                `json:"sku"`
	Options   []catalog.OptionValue `json:"options"`
}

// Values returns the scalar product.template values. Relations (category,
// tags, attribute lines) are resolved separately.
func (f ProductFields) Values() map[string]interface{} {
	values := map[string]interface{}{
		"name":             f.Name,
		"type":             f.Type,
		"active":           f.Active,
		"sale_ok":          f.SaleOK,
		"description_sale": f.Description,
	}
	if f.ReferenceField != "" {
		values[f.ReferenceField] = f.CatalogID
	}
	return values
}

// ToRemoteProductFields maps a catalog product onto Odoo product.template fields
func ToRemoteProductFields(p catalog.Product, opts Options) ProductFields {
	published := p.Status == catalog.StatusPublished
	fields := ProductFields{
		CatalogID:      p.ID,
		Name:           strings.TrimSpace(p.Title),
		Type:           opts.ProductType,
		Active:         published,
		SaleOK:         published,
		Description:    HTMLToText(p.Description),
		Tags:           uniqueNonEmpty(p.Tags),
		ImageURLs:      uniqueNonEmpty(p.Images),
		ReferenceField: opts.ReferenceField,
		Dimensions:     AttributeDimensions(p),
	}
	if len(p.Categories) > 0 {
		fields.CategoryPath = uniqueNonEmpty(p.Categories[0])
	}
	for _, v := range p.Variants {
		if v.SKU == "" {
			continue
		}
		fields.VariantCodes = append(fields.VariantCodes, VariantCode{VariantID: v.ID, SKU: v.SKU, Options: v.Options})
	}
	return fields
}

// CategoryPathString joins a category path the way Odoo displays complete names
func CategoryPathString(path []string) string {
	return strings.Join(path, " / ")
}

// AttributeDimensions collects option names across variants with their
// distinct values, both in order of first appearance
func AttributeDimensions(p catalog.Product) []Dimension {
	var dims []Dimension
	index := make(map[string]int)
	seen := make(map[string]map[string]bool)

	for _, v := range p.Variants {
		for _, o := range v.Options {
			name := strings.TrimSpace(o.Name)
			value := strings.TrimSpace(o.Value)
			if name == "" || value == "" {
				continue
			}
			i, ok := index[name]
			if !ok {
				i = len(dims)
				index[name] = i
				seen[name] = make(map[string]bool)
				dims = append(dims, Dimension{Name: name})
			}
			if !seen[name][value] {
				seen[name][value] = true
				dims[i].Values = append(dims[i].Values, value)
			}
		}
	}
	return dims
}

// ToRemotePriceEntries returns the variant's calculated prices in minor units.
// Only the region-resolved calculated price is read.
func ToRemotePriceEntries(v catalog.Variant, opts Options) ([]Money, error) {
	if v.CalculatedPrice == nil || v.CalculatedPrice.CurrencyCode == "" {
		return nil, ErrPriceUnavailable
	}
	return []Money{ToMinor(v.CalculatedPrice.Amount, v.CalculatedPrice.CurrencyCode, opts.AmountsInMinorUnits)}, nil
}

// ExtractRemoteID reads a previously stored Odoo template id from product metadata
func ExtractRemoteID(p catalog.Product) (int64, bool) {
	raw, ok := p.Metadata[MetadataRemoteID]
	if !ok || raw == nil {
		return 0, false
	}
	var id int64
	switch v := raw.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		id = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		id = n
	default:
		return 0, false
	}
	return id, id > 0
}

// Fingerprint returns a stable digest of the mapped fields
func Fingerprint(f ProductFields) string {
	data, err := json.Marshal(f)
	if err != nil {
		// ProductFields only holds strings, bools and slices of them
		panic(fmt.Sprintf("mapper: fingerprint marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HTMLToText flattens an HTML description into plain text
func HTMLToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseSpaces(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapseSpaces(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li, div, h1, h2, h3, h4").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})
	return collapseSpaces(doc.Text())
}

func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func uniqueNonEmpty(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
