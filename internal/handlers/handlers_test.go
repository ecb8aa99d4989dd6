package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchline-systems/batchline/internal/deadletter"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/repository"
)

// mockJobStore is a mock implementation of JobStore for testing handlers
type mockJobStore struct {
	getJobFunc       func(ctx context.Context, id string) (*models.IngestJob, error)
	listJobsFunc     func(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error)
	getRawFileFunc   func(ctx context.Context, checksum string) (*models.RawFile, error)
	listRawFilesFunc func(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error)
}

func (m *mockJobStore) GetJob(ctx context.Context, id string) (*models.IngestJob, error) {
	if m.getJobFunc != nil {
		return m.getJobFunc(ctx, id)
	}
	return nil, repository.ErrJobNotFound
}

func (m *mockJobStore) ListJobs(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error) {
	if m.listJobsFunc != nil {
		return m.listJobsFunc(ctx, req)
	}
	return nil, 0, nil
}

func (m *mockJobStore) GetRawFileByChecksum(ctx context.Context, checksum string) (*models.RawFile, error) {
	if m.getRawFileFunc != nil {
		return m.getRawFileFunc(ctx, checksum)
	}
	return nil, repository.ErrFileNotFound
}

func (m *mockJobStore) ListRawFiles(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error) {
	if m.listRawFilesFunc != nil {
		return m.listRawFilesFunc(ctx, req)
	}
	return nil, 0, nil
}

// mockPublisher records replay events handed to the broker
type mockPublisher struct {
	published []publishedEvent
	err       error
}

type publishedEvent struct {
	subject string
	data    []byte
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, publishedEvent{subject: subject, data: data})
	return nil
}

// mockDeadLetters is a mock implementation of DeadLetterReader
type mockDeadLetters struct {
	listFunc  func(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error)
	statsFunc func(ctx context.Context) (map[string]any, error)
}

func (m *mockDeadLetters) List(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockDeadLetters) Stats(ctx context.Context) (map[string]any, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx)
	}
	return map[string]any{}, nil
}

// mockDeliveryStore is a mock implementation of DeliveryStore
type mockDeliveryStore struct {
	getDeliveryFunc    func(ctx context.Context, id string) (*models.WebhookDelivery, error)
	listDeliveriesFunc func(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error)
	getAttemptsFunc    func(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error)
	replayFunc         func(ctx context.Context, id string) error
}

func (m *mockDeliveryStore) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	if m.getDeliveryFunc != nil {
		return m.getDeliveryFunc(ctx, id)
	}
	return nil, repository.ErrDeliveryNotFound
}

func (m *mockDeliveryStore) ListDeliveries(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error) {
	if m.listDeliveriesFunc != nil {
		return m.listDeliveriesFunc(ctx, req)
	}
	return nil, 0, nil
}

func (m *mockDeliveryStore) GetDeliveryAttempts(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error) {
	if m.getAttemptsFunc != nil {
		return m.getAttemptsFunc(ctx, deliveryID)
	}
	return nil, nil
}

func (m *mockDeliveryStore) ReplayDelivery(ctx context.Context, id string) error {
	if m.replayFunc != nil {
		return m.replayFunc(ctx, id)
	}
	return repository.ErrDeliveryNotFound
}

// mockWaker counts scheduler nudges
type mockWaker struct {
	wakes int
}

func (m *mockWaker) Wake() {
	m.wakes++
}

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func TestHealthz(t *testing.T) {
	h := NewHealth("worker", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	h.Healthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "worker", resp.Service)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name           string
		ready          ReadyCheck
		expectedStatus int
	}{
		{
			name:           "no check configured",
			ready:          nil,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "dependencies reachable",
			ready:          func(ctx context.Context) error { return nil },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "dependency down",
			ready:          func(ctx context.Context) error { return errors.New("postgres: connection refused") },
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealth("dispatcher", tt.ready)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()

			h.Readyz(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusServiceUnavailable {
				assert.Contains(t, w.Body.String(), "not ready")
			}
		})
	}
}

func TestListJobs(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		queryParams    string
		setupMock      func(*mockJobStore)
		expectedStatus int
	}{
		{
			name:        "successful list with defaults",
			method:      http.MethodGet,
			queryParams: "",
			setupMock: func(m *mockJobStore) {
				m.listJobsFunc = func(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error) {
					return []*models.IngestJob{
						{ID: "job-1", Outcome: models.JobOutcomeSuccess},
						{ID: "job-2", Outcome: models.JobOutcomeFailed},
					}, 2, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "method not allowed",
			method:         http.MethodPost,
			queryParams:    "",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:        "store error",
			method:      http.MethodGet,
			queryParams: "",
			setupMock: func(m *mockJobStore) {
				m.listJobsFunc = func(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error) {
					return nil, 0, errors.New("database error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockJobStore{}
			tt.setupMock(store)
			h := NewWorkerHandler(store, &mockPublisher{}, nil, testLogger())

			req := httptest.NewRequest(tt.method, "/api/v1/jobs"+tt.queryParams, nil)
			w := httptest.NewRecorder()

			h.ListJobs(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp models.ListJobsResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Len(t, resp.Jobs, 2)
				assert.Equal(t, 2, resp.Pagination.Total)
			}
		})
	}
}

func TestListJobsPassesFilters(t *testing.T) {
	var captured *models.ListJobsRequest
	store := &mockJobStore{
		listJobsFunc: func(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error) {
			captured = req
			return nil, 0, nil
		},
	}
	h := NewWorkerHandler(store, &mockPublisher{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?outcome=failed&payload_type=settlement&checksum=abc&page=3&limit=10", nil)
	w := httptest.NewRecorder()

	h.ListJobs(w, req)

	require.NotNil(t, captured)
	assert.Equal(t, "failed", captured.Outcome)
	assert.Equal(t, "settlement", captured.PayloadType)
	assert.Equal(t, "abc", captured.Checksum)
	assert.Equal(t, 3, captured.Page)
	assert.Equal(t, 10, captured.Limit)
}

func TestGetJob(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		setupMock      func(*mockJobStore)
		expectedStatus int
	}{
		{
			name:   "successful retrieval",
			method: http.MethodGet,
			path:   "/api/v1/jobs/job-123",
			setupMock: func(m *mockJobStore) {
				m.getJobFunc = func(ctx context.Context, id string) (*models.IngestJob, error) {
					return &models.IngestJob{ID: id, Outcome: models.JobOutcomePartial}, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "method not allowed",
			method:         http.MethodPost,
			path:           "/api/v1/jobs/job-123",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "missing job ID",
			method:         http.MethodGet,
			path:           "/api/v1/jobs/",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "job not found",
			method:         http.MethodGet,
			path:           "/api/v1/jobs/nonexistent",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "store error",
			method: http.MethodGet,
			path:   "/api/v1/jobs/job-123",
			setupMock: func(m *mockJobStore) {
				m.getJobFunc = func(ctx context.Context, id string) (*models.IngestJob, error) {
					return nil, errors.New("database error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockJobStore{}
			tt.setupMock(store)
			h := NewWorkerHandler(store, &mockPublisher{}, nil, testLogger())

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			h.GetJob(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp models.IngestJob
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "job-123", resp.ID)
			}
		})
	}
}

func TestReplayJob(t *testing.T) {
	job := &models.IngestJob{
		ID:           "job-1",
		FileChecksum: "abc123",
		StorageKey:   "raw/ab/abc123",
		PayloadType:  models.PayloadTypeSettlement,
		Outcome:      models.JobOutcomeFailed,
	}
	file := &models.RawFile{
		ID:             "file-1",
		Checksum:       "abc123",
		StorageKey:     job.StorageKey,
		SourceFilename: "settle.csv",
		PayloadType:    models.PayloadTypeSettlement,
		SizeBytes:      512,
		ReceivedAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name           string
		method         string
		path           string
		setupMock      func(*mockJobStore)
		publishErr     error
		expectedStatus int
	}{
		{
			name:   "successful replay",
			method: http.MethodPost,
			path:   "/api/v1/jobs/job-1/replay",
			setupMock: func(m *mockJobStore) {
				m.getJobFunc = func(ctx context.Context, id string) (*models.IngestJob, error) { return job, nil }
				m.getRawFileFunc = func(ctx context.Context, checksum string) (*models.RawFile, error) { return file, nil }
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "method not allowed",
			method:         http.MethodGet,
			path:           "/api/v1/jobs/job-1/replay",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "job not found",
			method:         http.MethodPost,
			path:           "/api/v1/jobs/nonexistent/replay",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "raw file row missing",
			method: http.MethodPost,
			path:   "/api/v1/jobs/job-1/replay",
			setupMock: func(m *mockJobStore) {
				m.getJobFunc = func(ctx context.Context, id string) (*models.IngestJob, error) { return job, nil }
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name:   "publish failure",
			method: http.MethodPost,
			path:   "/api/v1/jobs/job-1/replay",
			setupMock: func(m *mockJobStore) {
				m.getJobFunc = func(ctx context.Context, id string) (*models.IngestJob, error) { return job, nil }
				m.getRawFileFunc = func(ctx context.Context, checksum string) (*models.RawFile, error) { return file, nil }
			},
			publishErr:     errors.New("jetstream unavailable"),
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockJobStore{}
			tt.setupMock(store)
			publisher := &mockPublisher{err: tt.publishErr}
			h := NewWorkerHandler(store, publisher, nil, testLogger())

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			h.ReplayJob(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusAccepted {
				var resp models.ReplayResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.True(t, resp.Replayed)
				assert.Equal(t, "job-1", resp.ID)
			}
		})
	}
}

func TestReplayJobPreservesIntakeTimestamp(t *testing.T) {
	receivedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	store := &mockJobStore{
		getJobFunc: func(ctx context.Context, id string) (*models.IngestJob, error) {
			return &models.IngestJob{ID: id, FileChecksum: "abc123", PayloadType: models.PayloadTypeDispute}, nil
		},
		getRawFileFunc: func(ctx context.Context, checksum string) (*models.RawFile, error) {
			return &models.RawFile{
				Checksum:       checksum,
				StorageKey:     "raw/ab/abc123",
				SourceFilename: "disputes.ndjson",
				PayloadType:    models.PayloadTypeDispute,
				SizeBytes:      2048,
				ReceivedAt:     receivedAt,
			}, nil
		},
	}
	publisher := &mockPublisher{}
	h := NewWorkerHandler(store, publisher, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-9/replay", nil)
	w := httptest.NewRecorder()

	h.ReplayJob(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, "files.ingested.dispute", publisher.published[0].subject)

	var event models.FileIngested
	require.NoError(t, json.Unmarshal(publisher.published[0].data, &event))
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "abc123", event.Checksum)
	assert.Equal(t, "raw/ab/abc123", event.StorageKey)
	// The original intake timestamp must travel unchanged so the replayed
	// records cannot outrank a newer version under conflict resolution.
	assert.True(t, event.ReceivedAt.Equal(receivedAt))
	assert.True(t, event.PublishedAt.After(receivedAt))
}

func TestListFiles(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		queryParams    string
		setupMock      func(*mockJobStore)
		expectedStatus int
	}{
		{
			name:        "successful list",
			method:      http.MethodGet,
			queryParams: "?status=failed",
			setupMock: func(m *mockJobStore) {
				m.listRawFilesFunc = func(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error) {
					if req.Status != "failed" {
						return nil, 0, errors.New("unexpected status filter")
					}
					return []*models.RawFile{{ID: "file-1", Status: models.RawFileStatusFailed}}, 1, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "method not allowed",
			method:         http.MethodDelete,
			queryParams:    "",
			setupMock:      func(m *mockJobStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:        "store error",
			method:      http.MethodGet,
			queryParams: "",
			setupMock: func(m *mockJobStore) {
				m.listRawFilesFunc = func(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error) {
					return nil, 0, errors.New("database error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockJobStore{}
			tt.setupMock(store)
			h := NewWorkerHandler(store, &mockPublisher{}, nil, testLogger())

			req := httptest.NewRequest(tt.method, "/api/v1/files"+tt.queryParams, nil)
			w := httptest.NewRecorder()

			h.ListFiles(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp models.ListFilesResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Len(t, resp.Files, 1)
			}
		})
	}
}

func TestListDeadLetters(t *testing.T) {
	parked := []deadletter.ParkedEvent{
		{
			ParkedAt: time.Now().UTC(),
			Reason:   deadletter.ReasonExhausted,
			Error:    "parse: bad header",
			Attempts: 5,
		},
	}

	tests := []struct {
		name           string
		dlq            DeadLetterReader
		expectedStatus int
	}{
		{
			name:           "queue not configured",
			dlq:            nil,
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "successful list",
			dlq: &mockDeadLetters{
				listFunc: func(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error) {
					return parked, nil
				},
				statsFunc: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"total_messages": 1}, nil
				},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "list error",
			dlq: &mockDeadLetters{
				listFunc: func(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error) {
					return nil, errors.New("jetstream unavailable")
				},
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name: "stats failure still returns events",
			dlq: &mockDeadLetters{
				listFunc: func(ctx context.Context, limit int) ([]deadletter.ParkedEvent, error) {
					return parked, nil
				},
				statsFunc: func(ctx context.Context) (map[string]any, error) {
					return nil, errors.New("stream info unavailable")
				},
			},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWorkerHandler(&mockJobStore{}, &mockPublisher{}, tt.dlq, testLogger())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
			w := httptest.NewRecorder()

			h.ListDeadLetters(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp map[string]json.RawMessage
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Contains(t, resp, "events")
				assert.Contains(t, resp, "stats")
			}
		})
	}
}

func TestListDeliveries(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		queryParams    string
		setupMock      func(*mockDeliveryStore)
		expectedStatus int
	}{
		{
			name:        "successful list with filters",
			method:      http.MethodGet,
			queryParams: "?status=abandoned&subscription=finance-exports",
			setupMock: func(m *mockDeliveryStore) {
				m.listDeliveriesFunc = func(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error) {
					if req.Status != "abandoned" || req.Subscription != "finance-exports" {
						return nil, 0, errors.New("unexpected filters")
					}
					return []*models.WebhookDelivery{{ID: "d-1", Status: models.DeliveryStatusAbandoned}}, 1, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "method not allowed",
			method:         http.MethodPost,
			queryParams:    "",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:        "store error",
			method:      http.MethodGet,
			queryParams: "",
			setupMock: func(m *mockDeliveryStore) {
				m.listDeliveriesFunc = func(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error) {
					return nil, 0, errors.New("database error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockDeliveryStore{}
			tt.setupMock(store)
			h := NewDispatchHandler(store, nil, testLogger())

			req := httptest.NewRequest(tt.method, "/api/v1/deliveries"+tt.queryParams, nil)
			w := httptest.NewRecorder()

			h.ListDeliveries(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp models.ListDeliveriesResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Len(t, resp.Deliveries, 1)
			}
		})
	}
}

func TestGetDelivery(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		setupMock      func(*mockDeliveryStore)
		expectedStatus int
	}{
		{
			name:   "successful retrieval with attempts",
			method: http.MethodGet,
			path:   "/api/v1/deliveries/d-123",
			setupMock: func(m *mockDeliveryStore) {
				m.getDeliveryFunc = func(ctx context.Context, id string) (*models.WebhookDelivery, error) {
					return &models.WebhookDelivery{ID: id, Status: models.DeliveryStatusDelivered, AttemptCount: 2}, nil
				}
				m.getAttemptsFunc = func(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error) {
					return []*models.DeliveryAttempt{
						{DeliveryID: deliveryID, AttemptNumber: 1, Status: models.AttemptStatusFailed},
						{DeliveryID: deliveryID, AttemptNumber: 2, Status: models.AttemptStatusDelivered},
					}, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "method not allowed",
			method:         http.MethodPut,
			path:           "/api/v1/deliveries/d-123",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "missing delivery ID",
			method:         http.MethodGet,
			path:           "/api/v1/deliveries/",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "delivery not found",
			method:         http.MethodGet,
			path:           "/api/v1/deliveries/nonexistent",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "attempt history error",
			method: http.MethodGet,
			path:   "/api/v1/deliveries/d-123",
			setupMock: func(m *mockDeliveryStore) {
				m.getDeliveryFunc = func(ctx context.Context, id string) (*models.WebhookDelivery, error) {
					return &models.WebhookDelivery{ID: id}, nil
				}
				m.getAttemptsFunc = func(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error) {
					return nil, errors.New("database error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockDeliveryStore{}
			tt.setupMock(store)
			h := NewDispatchHandler(store, nil, testLogger())

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			h.GetDelivery(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp models.DeliveryDetailResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				require.NotNil(t, resp.Delivery)
				assert.Equal(t, "d-123", resp.Delivery.ID)
				assert.Len(t, resp.Attempts, 2)
			}
		})
	}
}

func TestReplayDelivery(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		setupMock      func(*mockDeliveryStore)
		expectedStatus int
		wantReplayed   bool
	}{
		{
			name:   "successful replay",
			method: http.MethodPost,
			path:   "/api/v1/deliveries/d-1/replay",
			setupMock: func(m *mockDeliveryStore) {
				m.replayFunc = func(ctx context.Context, id string) error { return nil }
			},
			expectedStatus: http.StatusAccepted,
			wantReplayed:   true,
		},
		{
			name:           "method not allowed",
			method:         http.MethodGet,
			path:           "/api/v1/deliveries/d-1/replay",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "delivery not found",
			method:         http.MethodPost,
			path:           "/api/v1/deliveries/nonexistent/replay",
			setupMock:      func(m *mockDeliveryStore) {},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "delivery not abandoned",
			method: http.MethodPost,
			path:   "/api/v1/deliveries/d-1/replay",
			setupMock: func(m *mockDeliveryStore) {
				m.replayFunc = func(ctx context.Context, id string) error { return repository.ErrNotReplayable }
			},
			expectedStatus: http.StatusConflict,
			wantReplayed:   false,
		},
		{
			name:   "store error",
			method: http.MethodPost,
			path:   "/api/v1/deliveries/d-1/replay",
			setupMock: func(m *mockDeliveryStore) {
				m.replayFunc = func(ctx context.Context, id string) error { return errors.New("database error") }
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockDeliveryStore{}
			tt.setupMock(store)
			h := NewDispatchHandler(store, nil, testLogger())

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			h.ReplayDelivery(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusAccepted || tt.expectedStatus == http.StatusConflict {
				var resp models.ReplayResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantReplayed, resp.Replayed)
			}
		})
	}
}

func TestReplayDeliveryWakesScheduler(t *testing.T) {
	store := &mockDeliveryStore{
		replayFunc: func(ctx context.Context, id string) error { return nil },
	}
	waker := &mockWaker{}
	h := NewDispatchHandler(store, waker, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliveries/d-1/replay", nil)
	w := httptest.NewRecorder()

	h.ReplayDelivery(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, waker.wakes)
}

func TestReplayDeliveryNotReplayableDoesNotWake(t *testing.T) {
	store := &mockDeliveryStore{
		replayFunc: func(ctx context.Context, id string) error { return repository.ErrNotReplayable },
	}
	waker := &mockWaker{}
	h := NewDispatchHandler(store, waker, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliveries/d-1/replay", nil)
	w := httptest.NewRecorder()

	h.ReplayDelivery(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, waker.wakes)
}
