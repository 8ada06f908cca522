package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/dedupe"
	"github.com/xelth-com/catalogsync/internal/logger"
	"github.com/xelth-com/catalogsync/internal/models"
	"github.com/xelth-com/catalogsync/internal/services/odoo"
	catsync "github.com/xelth-com/catalogsync/internal/sync"
	"github.com/xelth-com/catalogsync/internal/websocket"
)

// DedupeRequest is the body of POST /api/admin/dedupe
type DedupeRequest struct {
	MaxGroups int    `json:"maxGroups"`
	Policy    string `json:"policy"`
}

var modelName = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// decodeBody decodes an optional JSON body; an empty body leaves v untouched
func decodeBody(w http.ResponseWriter, req *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// syncProducts runs one product window
func (r *Router) syncProducts(w http.ResponseWriter, req *http.Request) {
	r.runWindow(w, req, catsync.RunKindProducts, r.deps.Syncer.SyncBatch)
}

// syncPrices runs one price window
func (r *Router) syncPrices(w http.ResponseWriter, req *http.Request) {
	r.runWindow(w, req, catsync.RunKindPrices, r.deps.Syncer.SyncPrices)
}

func (r *Router) runWindow(w http.ResponseWriter, req *http.Request, kind catsync.RunKind,
	run func(context.Context, catsync.RunInput) (*catsync.SyncResult, error)) {
	var in catsync.RunInput
	if err := decodeBody(w, req, &in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	ctx := req.Context()
	started := time.Now()
	res, err := run(ctx, in)
	if err != nil {
		if !errors.Is(err, catsync.ErrInvalidInput) {
			r.record(ctx, models.NewFailedRun(string(kind), string(catsync.TriggerManual), started, time.Now(), err))
		}
		r.respondRunError(w, req, err)
		return
	}
	r.record(ctx, res.Record(catsync.TriggerManual))
	respondJSON(w, http.StatusOK, res)
}

// runDedupe removes duplicate catalog products
func (r *Router) runDedupe(w http.ResponseWriter, req *http.Request) {
	if r.deps.Reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "Duplicate reconciler not configured")
		return
	}
	var body DedupeRequest
	if err := decodeBody(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.MaxGroups < 0 {
		respondError(w, http.StatusBadRequest, "maxGroups must be >= 0")
		return
	}

	rec := r.deps.Reconciler
	if body.Policy != "" {
		policy, err := r.deps.Policies.Get(body.Policy)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		rec = rec.WithPolicy(policy)
	}

	ctx := req.Context()
	started := time.Now()
	res, err := rec.Reconcile(ctx, body.MaxGroups)
	if err != nil {
		r.record(ctx, models.NewFailedRun(dedupe.RunKind, string(catsync.TriggerManual), started, time.Now(), err))
		r.respondRunError(w, req, err)
		return
	}
	r.record(ctx, res.Record(string(catsync.TriggerManual)))
	respondJSON(w, http.StatusOK, res)
}

// listRuns returns the run history, newest first
func (r *Router) listRuns(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	kind := req.URL.Query().Get("kind")

	runs, err := r.deps.Runs.List(req.Context(), kind, limit)
	if err != nil {
		logger.FromContext(req.Context()).Error("Failed to list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch runs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// describeFields returns the ERP field map of one model
func (r *Router) describeFields(w http.ResponseWriter, req *http.Request) {
	model := mux.Vars(req)["model"]
	if !modelName.MatchString(model) {
		respondError(w, http.StatusBadRequest, "Invalid model name")
		return
	}

	fields, err := r.deps.Fields.Fields(req.Context(), model)
	if err != nil {
		r.respondRunError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model":  model,
		"count":  len(fields),
		"fields": fields,
	})
}

// runFeed streams finished runs over a websocket
func (r *Router) runFeed(w http.ResponseWriter, req *http.Request) {
	websocket.ServeWs(r.deps.Hub, w, req)
}

func (r *Router) record(ctx context.Context, run *models.SyncRun) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.Record(ctx, run)
	}
}

// respondRunError maps run failures onto HTTP statuses. Anything that is not
// the caller's fault is reported as an upstream failure.
func (r *Router) respondRunError(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, catsync.ErrInvalidInput), errors.Is(err, dedupe.ErrUnknownPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, odoo.ErrUnknownSelection), errors.Is(err, catsync.ErrNoRegion):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logger.FromContext(req.Context()).Error("Admin run failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}
