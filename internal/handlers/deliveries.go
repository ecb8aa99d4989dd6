package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/batchline-systems/batchline/internal/httputil"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/repository"
)

// DeliveryStore is the repository slice the dispatcher API needs.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error)
	GetDeliveryAttempts(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error)
	ReplayDelivery(ctx context.Context, id string) error
}

// Waker nudges the delivery scheduler to run a pass soon.
type Waker interface {
	Wake()
}

// DispatchHandler serves the delivery API on the dispatcher daemon.
type DispatchHandler struct {
	repo   DeliveryStore
	waker  Waker
	logger *logging.Logger
}

// NewDispatchHandler creates the dispatcher's ops handler. waker may be nil.
func NewDispatchHandler(repo DeliveryStore, waker Waker, logger *logging.Logger) *DispatchHandler {
	return &DispatchHandler{repo: repo, waker: waker, logger: logger}
}

// ListDeliveries handles GET /api/v1/deliveries
func (h *DispatchHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	page, limit := pageParams(r)
	req := &models.ListDeliveriesRequest{
		Page:         page,
		Limit:        limit,
		Status:       r.URL.Query().Get("status"),
		Subscription: r.URL.Query().Get("subscription"),
	}

	deliveries, total, err := h.repo.ListDeliveries(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list deliveries failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ListDeliveriesResponse{
		Deliveries: deliveries,
		Pagination: pagination(page, limit, total),
	})
}

// GetDelivery handles GET /api/v1/deliveries/{id}, returning the delivery
// together with its attempt history.
func (h *DispatchHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.URL.Path[len("/api/v1/deliveries/"):]
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "delivery id required")
		return
	}

	delivery, err := h.repo.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrDeliveryNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "delivery not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get delivery failed", logging.DeliveryID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}

	attempts, err := h.repo.GetDeliveryAttempts(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get delivery attempts failed", logging.DeliveryID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get delivery attempts")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.DeliveryDetailResponse{
		Delivery: delivery,
		Attempts: attempts,
	})
}

// ReplayDelivery handles POST /api/v1/deliveries/{id}/replay. Only abandoned
// deliveries are replayable; the attempt count is preserved for audit and the
// row becomes due immediately.
func (h *DispatchHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := r.URL.Path
	id := path[len("/api/v1/deliveries/"):]
	if len(id) > len("/replay") {
		id = id[:len(id)-len("/replay")]
	}
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "delivery id required")
		return
	}

	if err := h.repo.ReplayDelivery(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrDeliveryNotFound):
			httputil.WriteError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, repository.ErrNotReplayable):
			httputil.WriteJSON(w, http.StatusConflict, models.ReplayResponse{
				ID:       id,
				Replayed: false,
				Detail:   "only abandoned deliveries can be replayed",
			})
		default:
			h.logger.ErrorContext(r.Context(), "replay delivery failed", logging.DeliveryID(id), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "failed to replay delivery")
		}
		return
	}

	if h.waker != nil {
		h.waker.Wake()
	}
	h.logger.InfoContext(r.Context(), "delivery replay requested", logging.DeliveryID(id))
	httputil.WriteJSON(w, http.StatusAccepted, models.ReplayResponse{ID: id, Replayed: true})
}
