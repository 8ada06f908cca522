// Package events receives catalog webhooks and turns product events into
// single-product syncs.
package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/models"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
)

// Event names that trigger a product sync
const (
	ProductCreated = "product.created"
	ProductUpdated = "product.updated"
)

// SecretHeader carries the shared webhook secret
const SecretHeader = "X-Webhook-Secret"

// ErrMissingProductID means the payload names no product
var ErrMissingProductID = errors.New("events: missing data.id")

// Event is the webhook payload
type Event struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Syncer syncs one product and its prices
type Syncer interface {
	SyncProduct(ctx context.Context, id string) (*catsync.SyncResult, error)
	SyncPrices(ctx context.Context, in catsync.RunInput) (*catsync.SyncResult, error)
}

// Recorder keeps run history
type Recorder interface {
	Record(ctx context.Context, run *models.SyncRun)
}

// Status is what happened to a delivered event
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

// Outcome is the response to a delivered event
type Outcome struct {
	Status   Status              `json:"status"`
	EventID  string              `json:"eventId,omitempty"`
	Products *catsync.SyncResult `json:"products,omitempty"`
	Prices   *catsync.SyncResult `json:"prices,omitempty"`
}

// Subscriber handles product events
type Subscriber struct {
	syncer   Syncer
	dedup    Deduplicator
	recorder Recorder
	secret   string
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Subscriber
type Option func(*Subscriber)

// WithDeduplicator replaces the in-process event id memory
func WithDeduplicator(d Deduplicator) Option {
	return func(s *Subscriber) { s.dedup = d }
}

// WithRecorder saves every run the subscriber triggers
func WithRecorder(r Recorder) Option {
	return func(s *Subscriber) { s.recorder = r }
}

// WithSecret requires the shared secret on every delivery
func WithSecret(secret string) Option {
	return func(s *Subscriber) { s.secret = secret }
}

// WithLogger sets the subscriber logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Subscriber) { s.log = log }
}

// NewSubscriber creates a subscriber
func NewSubscriber(syncer Syncer, opts ...Option) *Subscriber {
	s := &Subscriber{syncer: syncer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.dedup == nil {
		s.dedup = NewMemoryDeduplicator(DefaultDedupeWindow)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Handle syncs the product named by ev, then its prices. Deliveries of an
// event id already handled within the window are acknowledged without work.
func (s *Subscriber) Handle(ctx context.Context, ev Event) (*Outcome, error) {
	out := &Outcome{EventID: ev.ID}
	if ev.Event != ProductCreated && ev.Event != ProductUpdated {
		out.Status = StatusIgnored
		return out, nil
	}
	if ev.Data.ID == "" {
		return nil, ErrMissingProductID
	}

	first, err := s.dedup.Claim(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if !first {
		s.log.Debug("Duplicate event delivery", zap.String("event_id", ev.ID))
		out.Status = StatusDuplicate
		return out, nil
	}

	log := s.log.With(zap.String("event_id", ev.ID), zap.String("event", ev.Event), zap.String("catalog_id", ev.Data.ID))
	release := func(err error) (*Outcome, error) {
		if rerr := s.dedup.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
			log.Warn("Failed to release event id", zap.Error(rerr))
		}
		return nil, err
	}

	started := s.now()
	products, err := s.syncer.SyncProduct(ctx, ev.Data.ID)
	if err != nil {
		s.record(ctx, models.NewFailedRun(string(catsync.RunKindProducts), string(catsync.TriggerEvent), started, s.now(), err))
		log.Error("Event product sync failed", zap.Error(err))
		return release(err)
	}
	s.record(ctx, products.Record(catsync.TriggerEvent))
	out.Products = products

	started = s.now()
	prices, err := s.syncer.SyncPrices(ctx, catsync.RunInput{ProductIDs: []string{ev.Data.ID}})
	if err != nil {
		s.record(ctx, models.NewFailedRun(string(catsync.RunKindPrices), string(catsync.TriggerEvent), started, s.now(), err))
		log.Error("Event price sync failed", zap.Error(err))
		return release(err)
	}
	s.record(ctx, prices.Record(catsync.TriggerEvent))
	out.Prices = prices

	log.Info("Processed catalog event",
		zap.Int("product_errors", products.ErrorCount), zap.Int("price_errors", prices.ErrorCount))
	out.Status = StatusProcessed
	return out, nil
}

func (s *Subscriber) record(ctx context.Context, run *models.SyncRun) {
	if s.recorder != nil {
		s.recorder.Record(ctx, run)
	}
}

// ServeHTTP handles POST /api/hooks/catalog
func (s *Subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			respondError(w, http.StatusUnauthorized, "Invalid webhook secret")
			return
		}
	}

	var ev Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	out, err := s.Handle(r.Context(), ev)
	switch {
	case errors.Is(err, ErrMissingProductID):
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		respondJSON(w, http.StatusOK, out)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
