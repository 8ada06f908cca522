package sync

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/mapper"
	"github.com/xelth-com/catalogsync/internal/resolver"
)

// syncProduct creates or updates one template and its relations
func (e *Engine) syncProduct(ctx context.Context, r *run, p catalog.Product) (*SyncResult, error) {
	out := &SyncResult{Kind: RunKindProducts}

	fields := mapper.ToRemoteProductFields(p, r.mapOpts)
	hash := e.checksums.Compute(fields)

	match, found, err := r.res.FindRemoteProduct(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve product: %w", err)
	}

	var templateID int64
	if found {
		templateID = match.TemplateID
		unchanged, err := e.checksums.Unchanged(ctx, EntityProduct, p.ID, templateID, hash)
		if err != nil {
			return nil, fmt.Errorf("load checksum: %w", err)
		}
		if unchanged {
			out.SyncedProducts++
			out.UnchangedProducts++
			return out, nil
		}

		values, err := e.templateValues(ctx, r, fields)
		if err != nil {
			return nil, err
		}
		if err := e.remote.Write(ctx, resolver.ModelTemplate, []int64{templateID}, values); err != nil {
			return nil, fmt.Errorf("update template %d: %w", templateID, err)
		}
		out.UpdatedProducts++
		e.log.Debug("Updated product template",
			zap.String("catalog_id", p.ID), zap.Int64("template_id", templateID), zap.String("matched_by", string(match.By)))
	} else {
		values, err := e.templateValues(ctx, r, fields)
		if err != nil {
			return nil, err
		}
		if templateID, err = e.remote.Create(ctx, resolver.ModelTemplate, values); err != nil {
			return nil, fmt.Errorf("create template: %w", err)
		}
		out.CreatedProducts++
		e.log.Debug("Created product template", zap.String("catalog_id", p.ID), zap.Int64("template_id", templateID))
	}

	created, err := e.ensureAttributeLines(ctx, r, templateID, fields.Dimensions)
	if err != nil {
		return nil, err
	}
	out.CreatedAttributeLines += created

	if err := e.ensureImages(ctx, r, templateID, fields); err != nil {
		return nil, err
	}

	stamped, err := e.stampVariantCodes(ctx, r, templateID, fields.VariantCodes)
	if err != nil {
		return nil, err
	}
	out.SyncedVariants += stamped

	if err := e.checksums.Remember(ctx, EntityProduct, p.ID, templateID, hash); err != nil {
		return nil, fmt.Errorf("save checksum: %w", err)
	}
	out.SyncedProducts++
	return out, nil
}

// templateValues resolves the category and tags and merges them into the
// scalar template values
func (e *Engine) templateValues(ctx context.Context, r *run, fields mapper.ProductFields) (map[string]interface{}, error) {
	values := fields.Values()

	if len(fields.CategoryPath) > 0 {
		categoryID, err := e.ensureCategoryPath(ctx, r, fields.CategoryPath)
		if err != nil {
			return nil, err
		}
		values["categ_id"] = categoryID
	}

	if r.withTags {
		tagIDs := make([]int64, 0, len(fields.Tags))
		for _, name := range fields.Tags {
			id, err := r.ensure(r.tags, name,
				func() (int64, bool, error) { return r.res.FindTag(ctx, name) },
				func() (int64, error) {
					return e.remote.Create(ctx, resolver.ModelTag, map[string]interface{}{"name": name})
				})
			if err != nil {
				return nil, fmt.Errorf("tag %q: %w", name, err)
			}
			tagIDs = append(tagIDs, id)
		}
		values["product_tag_ids"] = []interface{}{[]interface{}{6, 0, tagIDs}}
	}
	return values, nil
}

// ensureCategoryPath walks the path from the root, creating missing segments,
// and returns the leaf category id
func (e *Engine) ensureCategoryPath(ctx context.Context, r *run, segments []string) (int64, error) {
	var parentID int64
	for _, name := range segments {
		parent := parentID
		key := strconv.FormatInt(parent, 10) + "/" + name
		id, err := r.ensure(r.categories, key,
			func() (int64, bool, error) { return r.res.FindCategory(ctx, name, parent) },
			func() (int64, error) {
				values := map[string]interface{}{"name": name}
				if parent != 0 {
					values["parent_id"] = parent
				}
				return e.remote.Create(ctx, resolver.ModelCategory, values)
			})
		if err != nil {
			return 0, fmt.Errorf("category %q: %w", mapper.CategoryPathString(segments), err)
		}
		parentID = id
	}
	return parentID, nil
}

// ensureAttributeLines creates one line per missing dimension and links
// missing values on lines that already exist. Returns the lines created.
func (e *Engine) ensureAttributeLines(ctx context.Context, r *run, templateID int64, dims []mapper.Dimension) (int, error) {
	created := 0
	for _, dim := range dims {
		name := dim.Name
		attributeID, err := r.ensure(r.attributes, name,
			func() (int64, bool, error) { return r.res.FindAttribute(ctx, name) },
			func() (int64, error) {
				return e.remote.Create(ctx, resolver.ModelAttribute, map[string]interface{}{
					"name":           name,
					"create_variant": "always",
				})
			})
		if err != nil {
			return created, fmt.Errorf("attribute %q: %w", name, err)
		}

		valueIDs := make([]int64, 0, len(dim.Values))
		for _, value := range dim.Values {
			key := strconv.FormatInt(attributeID, 10) + "/" + value
			id, err := r.ensure(r.values, key,
				func() (int64, bool, error) { return r.res.FindAttributeValue(ctx, attributeID, value) },
				func() (int64, error) {
					return e.remote.Create(ctx, resolver.ModelAttributeValue, map[string]interface{}{
						"name":         value,
						"attribute_id": attributeID,
					})
				})
			if err != nil {
				return created, fmt.Errorf("attribute value %s=%s: %w", name, value, err)
			}
			valueIDs = append(valueIDs, id)
		}

		line, exists, err := r.res.AttributeLineExists(ctx, templateID, name)
		if err != nil {
			return created, fmt.Errorf("attribute line %q: %w", name, err)
		}
		if !exists {
			_, err := e.remote.Create(ctx, resolver.ModelAttributeLine, map[string]interface{}{
				"product_tmpl_id": templateID,
				"attribute_id":    attributeID,
				"value_ids":       []interface{}{[]interface{}{6, 0, valueIDs}},
			})
			if err != nil {
				return created, fmt.Errorf("create attribute line %q: %w", name, err)
			}
			created++
			continue
		}

		linked := make(map[int64]bool, len(line.ValueIDs))
		for _, id := range line.ValueIDs {
			linked[id] = true
		}
		var commands []interface{}
		for _, id := range valueIDs {
			if !linked[id] {
				commands = append(commands, []interface{}{4, id})
			}
		}
		if len(commands) == 0 {
			continue
		}
		if err := e.remote.Write(ctx, resolver.ModelAttributeLine, []int64{line.ID}, map[string]interface{}{"value_ids": commands}); err != nil {
			return created, fmt.Errorf("link values on attribute line %q: %w", name, err)
		}
	}
	return created, nil
}

// ensureImages attaches every image URL to the template once
func (e *Engine) ensureImages(ctx context.Context, r *run, templateID int64, fields mapper.ProductFields) error {
	for _, link := range fields.ImageURLs {
		_, found, err := r.res.FindAttachment(ctx, templateID, link)
		if err != nil {
			return fmt.Errorf("image %s: %w", link, err)
		}
		if found {
			continue
		}
		_, err = e.remote.Create(ctx, resolver.ModelAttachment, map[string]interface{}{
			"name":      attachmentName(link, fields.Name),
			"type":      "url",
			"url":       link,
			"res_model": resolver.ModelTemplate,
			"res_id":    templateID,
		})
		if err != nil {
			return fmt.Errorf("attach image %s: %w", link, err)
		}
	}
	return nil
}

func attachmentName(link, fallback string) string {
	u, err := url.Parse(link)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}

// stampVariantCodes writes each catalog SKU onto the remote variant with the
// same option combination. Returns the variants matched.
func (e *Engine) stampVariantCodes(ctx context.Context, r *run, templateID int64, codes []mapper.VariantCode) (int, error) {
	matched := 0
	for _, vc := range codes {
		variantID, found, err := r.res.FindRemoteVariant(ctx, templateID, catalog.Variant{ID: vc.VariantID, SKU: vc.SKU, Options: vc.Options})
		if err != nil {
			return matched, fmt.Errorf("variant %s: %w", vc.SKU, err)
		}
		if !found {
			e.log.Debug("No remote variant for option combination",
				zap.Int64("template_id", templateID), zap.String("sku", vc.SKU))
			continue
		}
		err = e.remote.Write(ctx, resolver.ModelVariant, []int64{variantID}, map[string]interface{}{"default_code": vc.SKU})
		if err != nil {
			return matched, fmt.Errorf("stamp variant %s: %w", vc.SKU, err)
		}
		matched++
	}
	return matched, nil
}
