package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	productFields = "*variants,*variants.options,*variants.options.option,*options," +
		"*categories,*categories.parent_category,*tags,*images,+metadata"
	priceFields   = "id,*variants.calculated_price"
	summaryFields = "id,handle,created_at"
)

// Config holds catalog client settings
type Config struct {
	URL            string
	APIKey         string
	PublishableKey string
	Timeout        time.Duration
	MaxRetries     int
}

// Client talks to the commerce backend's admin and store APIs
type Client struct {
	admin *resty.Client
	store *resty.Client
	log   *zap.Logger
}

// NewClient creates a catalog client. Transient failures (network errors,
// 429 and 5xx) are retried with exponential backoff; other statuses are not.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	newResty := func() *resty.Client {
		return resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			SetHeader("Accept", "application/json").
			AddRetryCondition(retryTransient)
	}

	admin := newResty().SetBasicAuth(cfg.APIKey, "")
	store := newResty()
	if cfg.PublishableKey != "" {
		store.SetHeader("x-publishable-api-key", cfg.PublishableKey)
	}

	return &Client{admin: admin, store: store, log: log}
}

func retryTransient(resp *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// wire shapes of the admin/store API

type apiProduct struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Handle      string                 `json:"handle"`
	Status      string                 `json:"status"`
	Description *string                `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Options     []apiProductOption     `json:"options"`
	Variants    []apiVariant           `json:"variants"`
	Categories  []apiCategory          `json:"categories"`
	Tags        []apiTag               `json:"tags"`
	Images      []apiImage             `json:"images"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type apiProductOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type apiVariant struct {
	ID              string              `json:"id"`
	ProductID       string              `json:"product_id"`
	Title           string              `json:"title"`
	SKU             *string             `json:"sku"`
	Options         []apiOptionValue    `json:"options"`
	CalculatedPrice *apiCalculatedPrice `json:"calculated_price"`
}

type apiOptionValue struct {
	Value    string            `json:"value"`
	OptionID string            `json:"option_id"`
	Option   *apiProductOption `json:"option"`
}

type apiCalculatedPrice struct {
	CalculatedAmount *decimal.Decimal `json:"calculated_amount"`
	CurrencyCode     string           `json:"currency_code"`
}

type apiCategory struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Parent *apiCategory `json:"parent_category"`
}

type apiTag struct {
	Value string `json:"value"`
}

type apiImage struct {
	URL string `json:"url"`
}

type productListResponse struct {
	Products []apiProduct `json:"products"`
	Count    int          `json:"count"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
}

type productResponse struct {
	Product apiProduct `json:"product"`
}

type summaryListResponse struct {
	Products []ProductSummary `json:"products"`
	Count    int              `json:"count"`
}

type regionListResponse struct {
	Regions []Region `json:"regions"`
	Count   int      `json:"count"`
}

// ListProducts returns one window of products with their relations
func (c *Client) ListProducts(ctx context.Context, q ListQuery) (*ProductPage, error) {
	params := url.Values{}
	params.Set("fields", productFields)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("order", "created_at")
	for _, id := range q.IDs {
		params.Add("id[]", id)
	}

	var out productListResponse
	if err := c.get(ctx, c.admin, "/admin/products", params, &out); err != nil {
		return nil, err
	}

	page := &ProductPage{Count: out.Count, Offset: out.Offset, Limit: out.Limit}
	for _, p := range out.Products {
		page.Products = append(page.Products, p.toProduct())
	}
	return page, nil
}

// GetProduct returns a single product or ErrNotFound
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	params := url.Values{}
	params.Set("fields", productFields)

	var out productResponse
	if err := c.get(ctx, c.admin, "/admin/products/"+url.PathEscape(id), params, &out); err != nil {
		return nil, err
	}
	p := out.Product.toProduct()
	return &p, nil
}

// ListProductSummaries returns a window of id/handle/created_at records
func (c *Client) ListProductSummaries(ctx context.Context, limit, offset int) (*SummaryPage, error) {
	params := url.Values{}
	params.Set("fields", summaryFields)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("order", "created_at")

	var out summaryListResponse
	if err := c.get(ctx, c.admin, "/admin/products", params, &out); err != nil {
		return nil, err
	}
	return &SummaryPage{Products: out.Products, Count: out.Count}, nil
}

// DeleteProduct deletes a product by id
func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	path := "/admin/products/" + url.PathEscape(id)
	resp, err := c.admin.R().SetContext(ctx).Delete(path)
	if err != nil {
		return fmt.Errorf("catalog: DELETE %s: %w", path, err)
	}
	// a retry that finds nothing means an earlier attempt deleted it
	if resp.StatusCode() == http.StatusNotFound && resp.Request.Attempt > 1 {
		c.log.Debug("Catalog product deleted by an earlier attempt",
			zap.String("product_id", id), zap.Int("attempts", resp.Request.Attempt))
		return nil
	}
	if err := statusError(resp); err != nil {
		return err
	}
	c.log.Debug("Catalog product deleted", zap.String("product_id", id))
	return nil
}

// ListRegions returns all pricing regions
func (c *Client) ListRegions(ctx context.Context) ([]Region, error) {
	params := url.Values{}
	params.Set("fields", "id,name,currency_code")
	params.Set("limit", "1000")

	var out regionListResponse
	if err := c.get(ctx, c.admin, "/admin/regions", params, &out); err != nil {
		return nil, err
	}
	return out.Regions, nil
}

// CalculatedPrices resolves the calculated price of every variant of the given
// products for a region, keyed by variant id. Variants without a price rule for
// the region are absent from the map.
func (c *Client) CalculatedPrices(ctx context.Context, productIDs []string, regionID string) (map[string]CalculatedPrice, error) {
	prices := make(map[string]CalculatedPrice)
	if len(productIDs) == 0 {
		return prices, nil
	}

	params := url.Values{}
	params.Set("fields", priceFields)
	params.Set("region_id", regionID)
	params.Set("limit", strconv.Itoa(len(productIDs)))
	for _, id := range productIDs {
		params.Add("id[]", id)
	}

	var out productListResponse
	if err := c.get(ctx, c.store, "/store/products", params, &out); err != nil {
		return nil, err
	}

	for _, p := range out.Products {
		for _, v := range p.Variants {
			if price, ok := v.CalculatedPrice.toPrice(); ok {
				prices[v.ID] = price
			}
		}
	}
	return prices, nil
}

func (c *Client) get(ctx context.Context, rc *resty.Client, path string, params url.Values, out interface{}) error {
	resp, err := rc.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("catalog: GET %s: %w", path, err)
	}
	return statusError(resp)
}

func statusError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)
	}
	body := resp.String()
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL,
		Code:   resp.StatusCode(),
		Body:   body,
	}
}

func (p apiProduct) toProduct() Product {
	out := Product{
		ID:        p.ID,
		Title:     p.Title,
		Handle:    p.Handle,
		Status:    Status(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Metadata:  p.Metadata,
	}
	if p.Description != nil {
		out.Description = *p.Description
	}

	// option values follow the product's option order
	rank := make(map[string]int, len(p.Options))
	titles := make(map[string]string, len(p.Options))
	for i, o := range p.Options {
		rank[o.ID] = i
		titles[o.ID] = o.Title
	}

	for _, v := range p.Variants {
		variant := Variant{ID: v.ID, ProductID: v.ProductID, Title: v.Title}
		if variant.ProductID == "" {
			variant.ProductID = p.ID
		}
		if v.SKU != nil {
			variant.SKU = *v.SKU
		}
		opts := append([]apiOptionValue(nil), v.Options...)
		sort.SliceStable(opts, func(i, j int) bool {
			return optionRank(rank, opts[i]) < optionRank(rank, opts[j])
		})
		for _, o := range opts {
			name := titles[o.OptionID]
			if o.Option != nil && o.Option.Title != "" {
				name = o.Option.Title
			}
			if name == "" {
				continue
			}
			variant.Options = append(variant.Options, OptionValue{Name: name, Value: o.Value})
		}
		if price, ok := v.CalculatedPrice.toPrice(); ok {
			variant.CalculatedPrice = &price
		}
		out.Variants = append(out.Variants, variant)
	}

	for _, cat := range p.Categories {
		out.Categories = append(out.Categories, cat.path())
	}
	for _, t := range p.Tags {
		if t.Value != "" {
			out.Tags = append(out.Tags, t.Value)
		}
	}
	for _, img := range p.Images {
		if img.URL != "" {
			out.Images = append(out.Images, img.URL)
		}
	}
	return out
}

func optionRank(rank map[string]int, o apiOptionValue) int {
	id := o.OptionID
	if id == "" && o.Option != nil {
		id = o.Option.ID
	}
	if r, ok := rank[id]; ok {
		return r
	}
	return len(rank)
}

// path returns the category names from the root down to c
func (c apiCategory) path() []string {
	var names []string
	for cur := &c; cur != nil; cur = cur.Parent {
		names = append([]string{cur.Name}, names...)
	}
	return names
}

func (p *apiCalculatedPrice) toPrice() (CalculatedPrice, bool) {
	if p == nil || p.CalculatedAmount == nil || p.CurrencyCode == "" {
		return CalculatedPrice{}, false
	}
	return CalculatedPrice{CurrencyCode: p.CurrencyCode, Amount: *p.CalculatedAmount}, true
}
