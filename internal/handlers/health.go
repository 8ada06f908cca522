package handlers

import (
	"net/http"

	"github.com/xelth-com/catalogsync/internal/buildinfo"
)

type healthResponse struct {
	Status string `json:"status"`
	buildinfo.Info
}

// healthCheck returns the health status and build of the service
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Info: buildinfo.Get()})
}
