// Package server wires each daemon's HTTP mux.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batchline-systems/batchline/internal/handlers"
	"github.com/batchline-systems/batchline/internal/middleware"
)

// NewIntakeRouter serves health and metrics only; the intake watcher has no
// API surface.
func NewIntakeRouter(health *handlers.Health) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

// NewWorkerRouter serves the ingest job API on the worker daemon.
func NewWorkerRouter(h *handlers.WorkerHandler, health *handlers.Health) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs", h.ListJobs)
	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > len("/replay") && path[len(path)-len("/replay"):] == "/replay" {
			h.ReplayJob(w, r)
			return
		}
		h.GetJob(w, r)
	})
	mux.HandleFunc("/api/v1/files", h.ListFiles)
	mux.HandleFunc("/api/v1/dlq", h.ListDeadLetters)

	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

// NewDispatchRouter serves the delivery API on the dispatcher daemon.
func NewDispatchRouter(h *handlers.DispatchHandler, health *handlers.Health) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/deliveries", h.ListDeliveries)
	mux.HandleFunc("/api/v1/deliveries/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > len("/replay") && path[len(path)-len("/replay"):] == "/replay" {
			h.ReplayDelivery(w, r)
			return
		}
		h.GetDelivery(w, r)
	})

	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
