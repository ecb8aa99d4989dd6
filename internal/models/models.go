// Package models provides shared data models for the pipeline components.
package models

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Raw File Models (intake watcher)
// =============================================================================

// RawFile is the durable record of a file observed at the drop location.
// The checksum is the file's identity: the unique constraint on it is the
// authority for ingestion dedup, not any in-memory or cache state.
type RawFile struct {
	ID             string     `json:"id"`
	Checksum       string     `json:"checksum"` // hex SHA-256 of the full content
	StorageKey     string     `json:"storage_key"`
	SourceFilename string     `json:"source_filename"`
	PayloadType    string     `json:"payload_type"` // settlement, dispute, config, unknown
	SizeBytes      int64      `json:"size_bytes"`
	Status         string     `json:"status"` // received, processed, failed
	ReceivedAt     time.Time  `json:"received_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Raw file status constants
const (
	RawFileStatusReceived  = "received"
	RawFileStatusProcessed = "processed"
	RawFileStatusFailed    = "failed"
)

// Payload type constants
const (
	PayloadTypeSettlement = "settlement"
	PayloadTypeDispute    = "dispute"
	PayloadTypeConfig     = "config"
	PayloadTypeUnknown    = "unknown"
)

// =============================================================================
// Ingest Job Models (ingestion worker)
// =============================================================================

// IngestJob is one processing attempt for one file event. Jobs are append-only
// audit rows: broker redelivery of the same event produces a new job, never an
// update of a previous one.
type IngestJob struct {
	ID           string     `json:"id"`
	FileChecksum string     `json:"file_checksum"`
	StorageKey   string     `json:"storage_key"`
	PayloadType  string     `json:"payload_type"`
	Outcome      string     `json:"outcome"` // pending, success, partial, failed
	RecordCount  int        `json:"record_count"`
	ErrorCount   int        `json:"error_count"`
	ErrorDetail  *string    `json:"error_detail,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Ingest job outcome constants
const (
	JobOutcomePending = "pending"
	JobOutcomeSuccess = "success"
	JobOutcomePartial = "partial"
	JobOutcomeFailed  = "failed"
)

// =============================================================================
// Domain Record Models
// =============================================================================

// Settlement is one merchant settlement batch for one business date.
// Amounts are integer minor units; they are never parsed as floats.
type Settlement struct {
	ID               string    `json:"id"`
	MerchantID       string    `json:"merchant_id"`
	BusinessDate     string    `json:"business_date"` // YYYY-MM-DD
	BatchID          string    `json:"batch_id"`
	Currency         string    `json:"currency"`
	GrossAmountMinor int64     `json:"gross_amount_minor"`
	FeeAmountMinor   int64     `json:"fee_amount_minor"`
	NetAmountMinor   int64     `json:"net_amount_minor"`
	TxnCount         int       `json:"txn_count"`
	Revision         *int64    `json:"revision,omitempty"`
	SourceIngestedAt time.Time `json:"source_ingested_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Dispute is the current state of one chargeback case.
type Dispute struct {
	ID               string    `json:"id"`
	MerchantID       string    `json:"merchant_id"`
	CaseReference    string    `json:"case_reference"`
	Status           string    `json:"status"` // open, under_review, won, lost, withdrawn
	ReasonCode       string    `json:"reason_code"`
	AmountMinor      int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	OpenedAt         time.Time `json:"opened_at"`
	Revision         *int64    `json:"revision,omitempty"`
	SourceIngestedAt time.Time `json:"source_ingested_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConfigSnapshot is an immutable point-in-time merchant configuration document.
// Snapshots are never updated; a re-ingested (merchant_id, captured_at) pair is
// dropped as a duplicate.
type ConfigSnapshot struct {
	ID         string          `json:"id"`
	MerchantID string          `json:"merchant_id"`
	CapturedAt time.Time       `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// =============================================================================
// Webhook Delivery Models (delivery dispatcher)
// =============================================================================

// WebhookDelivery is one notification owed to one subscription for one domain
// event. Its lifecycle is pending -> delivering -> delivered, looping back to
// pending with a later next_attempt_at on failure, or ending at abandoned once
// the attempt budget is spent. NextAttemptAt is persisted so scheduling
// survives restarts.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	Subscription  string          `json:"subscription"`
	Kind          string          `json:"kind"` // settlement, dispute, config
	TargetURL     string          `json:"target_url"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"` // pending, delivering, delivered, abandoned
	AttemptCount  int             `json:"attempt_count"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

// DeliveryAttempt records the result of one send to one endpoint.
type DeliveryAttempt struct {
	ID            int64     `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"` // delivered, failed
	HTTPStatus    *int      `json:"http_status,omitempty"`
	Error         *string   `json:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Webhook delivery status constants
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusDelivering = "delivering"
	DeliveryStatusDelivered  = "delivered"
	DeliveryStatusAbandoned  = "abandoned"
)

// Delivery attempt status constants
const (
	AttemptStatusDelivered = "delivered"
	AttemptStatusFailed    = "failed"
)

// Record change kind constants (webhook event kinds)
const (
	KindSettlement = "settlement"
	KindDispute    = "dispute"
	KindConfig     = "config"
)

// =============================================================================
// List Requests / Responses (ops API)
// =============================================================================

// ListJobsRequest represents query parameters for listing ingest jobs
type ListJobsRequest struct {
	Page        int
	Limit       int
	Outcome     string
	PayloadType string
	Checksum    string
}

// ListJobsResponse represents the response for listing ingest jobs
type ListJobsResponse struct {
	Jobs       []*IngestJob `json:"jobs"`
	Pagination Pagination   `json:"pagination"`
}

// ListFilesRequest represents query parameters for listing raw files
type ListFilesRequest struct {
	Page   int
	Limit  int
	Status string
}

// ListFilesResponse represents the response for listing raw files
type ListFilesResponse struct {
	Files      []*RawFile `json:"files"`
	Pagination Pagination `json:"pagination"`
}

// ListDeliveriesRequest represents query parameters for listing deliveries
type ListDeliveriesRequest struct {
	Page         int
	Limit        int
	Status       string
	Subscription string
}

// ListDeliveriesResponse represents the response for listing deliveries
type ListDeliveriesResponse struct {
	Deliveries []*WebhookDelivery `json:"deliveries"`
	Pagination Pagination         `json:"pagination"`
}

// DeliveryDetailResponse is a delivery together with its attempt history
type DeliveryDetailResponse struct {
	Delivery *WebhookDelivery   `json:"delivery"`
	Attempts []*DeliveryAttempt `json:"attempts"`
}

// ReplayResponse acknowledges a manual replay request
type ReplayResponse struct {
	ID       string `json:"id"`
	Replayed bool   `json:"replayed"`
	Detail   string `json:"detail,omitempty"`
}

// Pagination metadata for list responses
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
