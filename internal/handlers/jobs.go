package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/batchline-systems/batchline/internal/deadletter"
	"github.com/batchline-systems/batchline/internal/httputil"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/messaging"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/repository"
)

// JobStore is the repository slice the worker API reads.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.IngestJob, error)
	ListJobs(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error)
	GetRawFileByChecksum(ctx context.Context, checksum string) (*models.RawFile, error)
	ListRawFiles(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error)
}

// EventPublisher re-announces file events for replay.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DeadLetterReader exposes parked events to operators.
type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// WorkerHandler serves the ingest job API on the worker daemon.
type WorkerHandler struct {
	repo      JobStore
	publisher EventPublisher
	dlq       DeadLetterReader
	logger    *logging.Logger
}

// NewWorkerHandler creates the worker's ops handler. dlq may be nil when the
// dead letter stream is not configured.
func NewWorkerHandler(repo JobStore, publisher EventPublisher, dlq DeadLetterReader, logger *logging.Logger) *WorkerHandler {
	return &WorkerHandler{repo: repo, publisher: publisher, dlq: dlq, logger: logger}
}

// ListJobs handles GET /api/v1/jobs
func (h *WorkerHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	page, limit := pageParams(r)
	req := &models.ListJobsRequest{
		Page:        page,
		Limit:       limit,
		Outcome:     r.URL.Query().Get("outcome"),
		PayloadType: r.URL.Query().Get("payload_type"),
		Checksum:    r.URL.Query().Get("checksum"),
	}

	jobs, total, err := h.repo.ListJobs(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list jobs failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:       jobs,
		Pagination: pagination(page, limit, total),
	})
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *WorkerHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.URL.Path[len("/api/v1/jobs/"):]
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "job id required")
		return
	}

	job, err := h.repo.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get job failed", logging.JobID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, job)
}

// ReplayJob handles POST /api/v1/jobs/{id}/replay. It re-publishes the file
// event of the job's file under a fresh event ID so the worker processes it
// again. The file's original intake timestamp travels unchanged, so a replay
// can never outrank a newer version of the same records.
func (h *WorkerHandler) ReplayJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := r.URL.Path
	id := path[len("/api/v1/jobs/"):]
	if len(id) > len("/replay") {
		id = id[:len(id)-len("/replay")]
	}
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "job id required")
		return
	}

	job, err := h.repo.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get job failed", logging.JobID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	file, err := h.repo.GetRawFileByChecksum(r.Context(), job.FileChecksum)
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			httputil.WriteError(w, http.StatusConflict, "raw file row missing for this job")
			return
		}
		h.logger.ErrorContext(r.Context(), "get raw file failed", logging.Checksum(job.FileChecksum), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load raw file")
		return
	}

	event := models.FileIngested{
		EventID:        uuid.New().String(),
		Checksum:       file.Checksum,
		StorageKey:     file.StorageKey,
		SourceFilename: file.SourceFilename,
		PayloadType:    file.PayloadType,
		SizeBytes:      file.SizeBytes,
		ReceivedAt:     file.ReceivedAt,
		PublishedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}

	subject := messaging.FileIngestedSubject(file.PayloadType)
	if err := h.publisher.Publish(r.Context(), subject, data); err != nil {
		h.logger.ErrorContext(r.Context(), "replay publish failed",
			logging.JobID(id),
			logging.Subject(subject),
			logging.Error(err),
		)
		httputil.WriteError(w, http.StatusBadGateway, "failed to publish replay event")
		return
	}

	h.logger.InfoContext(r.Context(), "job replay published",
		logging.JobID(id),
		logging.Checksum(file.Checksum),
		logging.EventID(event.EventID),
	)
	httputil.WriteJSON(w, http.StatusAccepted, models.ReplayResponse{
		ID:       id,
		Replayed: true,
		Detail:   "file event republished as " + event.EventID,
	})
}

// ListFiles handles GET /api/v1/files
func (h *WorkerHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	page, limit := pageParams(r)
	req := &models.ListFilesRequest{
		Page:   page,
		Limit:  limit,
		Status: r.URL.Query().Get("status"),
	}

	files, total, err := h.repo.ListRawFiles(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list files failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ListFilesResponse{
		Files:      files,
		Pagination: pagination(page, limit, total),
	})
}

// ListDeadLetters handles GET /api/v1/dlq
func (h *WorkerHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.dlq == nil {
		httputil.WriteError(w, http.StatusNotFound, "dead letter queue not enabled")
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	events, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list dead letters failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		stats = map[string]any{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"stats":  stats,
	})
}
