// Package handlers implements the operational HTTP API. The worker daemon
// serves the job and file surface, the dispatcher serves deliveries; both
// share the health endpoints.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/batchline-systems/batchline/internal/httputil"
	"github.com/batchline-systems/batchline/internal/models"
)

// ReadyCheck reports whether a daemon's dependencies are reachable.
type ReadyCheck func(ctx context.Context) error

// Health is the shared health/readiness surface.
type Health struct {
	service string
	ready   ReadyCheck
}

// NewHealth creates the health surface for one daemon. ready may be nil.
func NewHealth(service string, ready ReadyCheck) *Health {
	return &Health{service: service, ready: ready}
}

// Healthz reports process liveness.
func (h *Health) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, models.HealthResponse{Status: "healthy", Service: h.service})
}

// Readyz reports dependency readiness.
func (h *Health) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, models.HealthResponse{Status: "ready", Service: h.service})
}

// parseInt parses an integer query parameter with a default.
func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultVal
}

// pageParams normalizes page/limit query values.
func pageParams(r *http.Request) (page, limit int) {
	page = parseInt(r.URL.Query().Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit = parseInt(r.URL.Query().Get("limit"), 50)
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

func pagination(page, limit, total int) models.Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return models.Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
