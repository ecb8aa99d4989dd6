package models

import "time"

// FileIngested is published to the broker once a raw file row has been
// committed. Everything the worker needs to process the file without touching
// the drop location again is carried in the event. ReceivedAt is the file's
// original intake timestamp and travels with every replay unchanged; record
// conflict resolution orders by it, so replays can never look newer than they
// are.
type FileIngested struct {
	EventID        string    `json:"event_id"`
	Checksum       string    `json:"checksum"`
	StorageKey     string    `json:"storage_key"`
	SourceFilename string    `json:"source_filename"`
	PayloadType    string    `json:"payload_type"`
	SizeBytes      int64     `json:"size_bytes"`
	ReceivedAt     time.Time `json:"received_at"`
	PublishedAt    time.Time `json:"published_at"`
}

// RecordChanged announces that an upsert materially created or updated a
// domain record. Content-identical re-ingestion emits nothing, so consumers
// never see a change event for a no-op.
type RecordChanged struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"` // settlement, dispute, config
	MerchantID string    `json:"merchant_id"`
	EntityRef  string    `json:"entity_ref"` // business key rendered as a stable string
	Change     string    `json:"change"`     // created, updated
	OccurredAt time.Time `json:"occurred_at"`
}

// Record change constants
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
)

// WebhookPayload is the body POSTed to a subscription endpoint.
type WebhookPayload struct {
	DeliveryID string    `json:"delivery_id"`
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	MerchantID string    `json:"merchant_id"`
	EntityRef  string    `json:"entity_ref"`
	Change     string    `json:"change"`
	OccurredAt time.Time `json:"occurred_at"`
}
