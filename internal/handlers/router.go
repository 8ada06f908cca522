package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/metrics"
	"github.com/xelth-com/catalogsync/internal/middleware"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
	"github.com/xelth-com/catalogsync/internal/websocket"
)

// Syncer runs product and price windows
type Syncer interface {
	SyncBatch(ctx context.Context, in catsync.RunInput) (*catsync.SyncResult, error)
	SyncPrices(ctx context.Context, in catsync.RunInput) (*catsync.SyncResult, error)
}

// RunLister reads the run history
type RunLister interface {
	List(ctx context.Context, kind string, limit int) ([]models.SyncRun, error)
}

// Recorder saves and publishes finished runs
type Recorder interface {
	Record(ctx context.Context, run *models.SyncRun)
}

// FieldLister describes the fields of an ERP model
type FieldLister interface {
	Fields(ctx context.Context, model string) (map[string]odoo.FieldInfo, error)
}

// Deps are the services the admin surface exposes
type Deps struct {
	Syncer     Syncer
	Reconciler *dedupe.Reconciler
	Policies   *dedupe.PolicyRegistry
	Runs       RunLister
	Recorder   Recorder
	Fields     FieldLister
	Hub        *websocket.Hub
	Webhook    http.Handler
	Admin      config.AdminConfig
	Log        *zap.Logger
}

// Router wraps the mux router and the services behind it
type Router struct {
	*mux.Router
	deps Deps
	log  *zap.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(deps Deps) *Router {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Policies == nil {
		deps.Policies = dedupe.NewPolicyRegistry()
	}
	r := &Router{
		Router: mux.NewRouter(),
		deps:   deps,
		log:    deps.Log,
	}
	r.Use(middleware.RequestLogger(deps.Log))

	// Health check and metrics
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Auth routes
	r.HandleFunc("/auth/token", r.issueToken).Methods("POST")

	// Catalog webhooks
	if deps.Webhook != nil {
		r.Handle("/api/hooks/catalog", deps.Webhook).Methods("POST")
	}

	// Admin routes (protected)
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.AuthMiddleware(deps.Admin.JWTSecret))
	admin.HandleFunc("/sync/products", r.syncProducts).Methods("POST")
	admin.HandleFunc("/sync/prices", r.syncPrices).Methods("POST")
	admin.HandleFunc("/dedupe", r.runDedupe).Methods("POST")
	admin.HandleFunc("/runs", r.listRuns).Methods("GET")
	admin.HandleFunc("/odoo/fields/{model}", r.describeFields).Methods("GET")
	if deps.Hub != nil {
		admin.HandleFunc("/ws/runs", r.runFeed).Methods("GET")
	}

	return r
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
