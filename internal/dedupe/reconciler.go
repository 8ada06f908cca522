// Package dedupe removes catalog products that share a handle, keeping one
// survivor per handle chosen by a Policy.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/xelth-com/catalogsync/internal/catalog"
	"github.com/xelth-com/catalogsync/internal/metrics"
	"github.com/xelth-com/catalogsync/internal/models"
)

// RunKind is the run history kind of reconciler runs
const RunKind = "dedupe"

// ErrUnknownPolicy is returned for a policy name nobody registered
var ErrUnknownPolicy = errors.New("dedupe: unknown survivor policy")

// Catalog is what the reconciler needs from the source catalog
type Catalog interface {
	ListProductSummaries(ctx context.Context, limit, offset int) (*catalog.SummaryPage, error)
	DeleteProduct(ctx context.Context, id string) error
}

// Group is the products sharing one handle, survivor first
type Group struct {
	Handle   string
	Products []catalog.ProductSummary
}

// Survivor returns the product the policy keeps
func (g Group) Survivor() catalog.ProductSummary {
	return g.Products[0]
}

// ItemError is one failed delete
type ItemError struct {
	ItemID  string `json:"itemId"`
	Handle  string `json:"handle"`
	Message string `json:"message"`
}

// Result is the outcome of one reconciler run
type Result struct {
	RunID                    string      `json:"runId"`
	Policy                   string      `json:"policy"`
	StartedAt                time.Time   `json:"startedAt"`
	FinishedAt               time.Time   `json:"finishedAt"`
	DeletedCount             int         `json:"deletedCount"`
	RemainingDuplicateGroups int         `json:"remainingDuplicateGroups"`
	ProcessedGroups          int         `json:"processedGroups"`
	DeletedIDs               []string    `json:"deletedIds"`
	Errors                   []ItemError `json:"errors"`
}

// Record converts the result into a run history row
func (r *Result) Record(trigger string) *models.SyncRun {
	errs, _ := json.Marshal(r.Errors)
	return &models.SyncRun{
		RunID:           r.RunID,
		Kind:            RunKind,
		Trigger:         trigger,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DeletedProducts: r.DeletedCount,
		RemainingGroups: r.RemainingDuplicateGroups,
		ErrorCount:      len(r.Errors),
		Errors:          datatypes.JSON(errs),
	}
}

// Reconciler deletes duplicate catalog products
type Reconciler struct {
	catalog  Catalog
	policy   Policy
	pageSize int
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithPageSize sets how many summaries are fetched per request
func WithPageSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler. A nil policy means keep-newest.
func New(cat Catalog, policy Policy, opts ...Option) *Reconciler {
	if policy == nil {
		policy = keepNewest{}
	}
	r := &Reconciler{
		catalog:  cat,
		policy:   policy,
		pageSize: 200,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithPolicy returns a copy of the reconciler using p
func (r *Reconciler) WithPolicy(p Policy) *Reconciler {
	c := *r
	c.policy = p
	return &c
}

// FindGroups pages through every product and returns the handles shared by
// more than one product, in handle order, each ordered by the policy.
// Empty handles are ignored.
func (r *Reconciler) FindGroups(ctx context.Context) ([]Group, error) {
	byHandle := make(map[string][]catalog.ProductSummary)
	seen := make(map[string]bool)

	for offset := 0; ; {
		page, err := r.catalog.ListProductSummaries(ctx, r.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list product summaries: %w", err)
		}
		for _, p := range page.Products {
			handle := strings.TrimSpace(p.Handle)
			if handle == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			byHandle[handle] = append(byHandle[handle], p)
		}
		offset += len(page.Products)
		if len(page.Products) == 0 || offset >= page.Count {
			break
		}
	}

	var groups []Group
	for handle, products := range byHandle {
		if len(products) < 2 {
			continue
		}
		r.policy.Order(products)
		groups = append(groups, Group{Handle: handle, Products: products})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Handle < groups[j].Handle })
	return groups, nil
}

// Reconcile deletes all but the survivor of at most maxGroups duplicate
// groups (0 means all). Delete failures are recorded and the run continues;
// a group with a failed delete still counts as remaining.
func (r *Reconciler) Reconcile(ctx context.Context, maxGroups int) (*Result, error) {
	res := &Result{
		RunID:      uuid.NewString(),
		Policy:     r.policy.Name(),
		StartedAt:  r.now(),
		DeletedIDs: []string{},
		Errors:     []ItemError{},
	}

	groups, err := r.FindGroups(ctx)
	if err != nil {
		metrics.ObserveRun(RunKind, r.now().Sub(res.StartedAt), true)
		return nil, err
	}

	limit := len(groups)
	if maxGroups > 0 && maxGroups < limit {
		limit = maxGroups
	}

	remaining := len(groups) - limit
	for _, g := range groups[:limit] {
		if ctx.Err() != nil {
			remaining += limit - res.ProcessedGroups
			break
		}
		res.ProcessedGroups++
		if !r.reconcileGroup(ctx, g, res) {
			remaining++
		}
	}
	res.RemainingDuplicateGroups = remaining
	res.FinishedAt = r.now()

	metrics.DuplicatesDeleted.Add(float64(res.DeletedCount))
	metrics.DuplicateGroupsRemaining.Set(float64(remaining))
	metrics.ObserveRun(RunKind, res.FinishedAt.Sub(res.StartedAt), false)

	r.log.Info("Duplicate reconciliation finished",
		zap.String("run_id", res.RunID),
		zap.String("policy", res.Policy),
		zap.Int("groups", len(groups)),
		zap.Int("processed", res.ProcessedGroups),
		zap.Int("deleted", res.DeletedCount),
		zap.Int("remaining", remaining),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// reconcileGroup deletes every non-survivor and reports whether the group
// is now clean
func (r *Reconciler) reconcileGroup(ctx context.Context, g Group, res *Result) bool {
	clean := true
	survivor := g.Survivor()
	for _, p := range g.Products[1:] {
		err := r.catalog.DeleteProduct(ctx, p.ID)
		if errors.Is(err, catalog.ErrNotFound) {
			r.log.Debug("Duplicate already gone", zap.String("product_id", p.ID), zap.String("handle", g.Handle))
			continue
		}
		if err != nil {
			r.log.Warn("Failed to delete duplicate product",
				zap.String("product_id", p.ID), zap.String("handle", g.Handle), zap.Error(err))
			res.Errors = append(res.Errors, ItemError{ItemID: p.ID, Handle: g.Handle, Message: err.Error()})
			clean = false
			continue
		}
		r.log.Info("Deleted duplicate product",
			zap.String("product_id", p.ID), zap.String("handle", g.Handle), zap.String("survivor", survivor.ID))
		res.DeletedCount++
		res.DeletedIDs = append(res.DeletedIDs, p.ID)
	}
	return clean
}
