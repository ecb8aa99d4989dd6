package repository

import (
	"context"
	"errors"
	"time"

	"github.com/batchline-systems/batchline/internal/models"
)

var (
	ErrFileNotFound     = errors.New("raw file not found")
	ErrDuplicateFile    = errors.New("raw file already ingested")
	ErrJobNotFound      = errors.New("ingest job not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNotReplayable    = errors.New("delivery is not abandoned")
)

// UpsertResult classifies what a record upsert did.
type UpsertResult string

const (
	// ResultCreated means a new row was inserted.
	ResultCreated UpsertResult = "created"
	// ResultUpdated means an existing row's content was replaced.
	ResultUpdated UpsertResult = "updated"
	// ResultUnchanged means the row already held equivalent or newer state;
	// nothing was written and no notification is owed.
	ResultUnchanged UpsertResult = "unchanged"
)

// Changed reports whether the upsert owes a notification.
func (r UpsertResult) Changed() bool {
	return r == ResultCreated || r == ResultUpdated
}

// FileRepository persists raw file rows. The checksum unique constraint is
// the ingestion dedup authority.
type FileRepository interface {
	// CreateRawFileWithPublish inserts the raw file row and invokes publish
	// inside the same transaction; the row commits only if publish returns
	// nil. A checksum collision returns ErrDuplicateFile without calling
	// publish.
	CreateRawFileWithPublish(ctx context.Context, f *models.RawFile, publish func(context.Context) error) error

	GetRawFileByChecksum(ctx context.Context, checksum string) (*models.RawFile, error)
	SetRawFileStatus(ctx context.Context, checksum, status string) error
	ListRawFiles(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error)
}

// JobRepository persists ingest job audit rows. Jobs are append-only; each
// broker delivery gets its own row.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.IngestJob) error
	FinishJob(ctx context.Context, id, outcome string, recordCount, errorCount int, errorDetail *string) error
	GetJob(ctx context.Context, id string) (*models.IngestJob, error)
	ListJobs(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error)
}

// FanoutFunc builds the delivery rows owed for an upsert that changed a row.
// It runs inside the upsert's transaction, after the write is classified, so
// the rows can carry the created/updated distinction. It is never called for
// an unchanged upsert.
type FanoutFunc func(result UpsertResult) []*models.WebhookDelivery

// RecordRepository applies parsed record candidates. Each upsert is a single
// atomic statement guarded by the conflict-resolution rule; when the upsert
// changes a row, the fanout rows are inserted in the same transaction so a
// committed change can never lose its notifications. A nil fanout skips
// fan-out entirely.
type RecordRepository interface {
	UpsertSettlement(ctx context.Context, s *models.Settlement, fanout FanoutFunc) (UpsertResult, error)
	UpsertDispute(ctx context.Context, d *models.Dispute, fanout FanoutFunc) (UpsertResult, error)
	InsertConfigSnapshot(ctx context.Context, c *models.ConfigSnapshot, fanout FanoutFunc) (UpsertResult, error)
}

// DeliveryRepository drives the webhook delivery state machine.
type DeliveryRepository interface {
	// ClaimDue atomically moves up to limit due pending deliveries to
	// delivering and returns them. Concurrent dispatchers never claim the
	// same row.
	ClaimDue(ctx context.Context, limit int) ([]*models.WebhookDelivery, error)

	// MarkDelivered finishes a delivery and records the successful attempt.
	MarkDelivered(ctx context.Context, id string, attempt *models.DeliveryAttempt) error

	// RescheduleDelivery returns a failed delivery to pending with the next
	// attempt time and records the failed attempt.
	RescheduleDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, nextAttemptAt time.Time, lastError string) error

	// AbandonDelivery parks a delivery whose attempt budget is exhausted and
	// records the final failed attempt.
	AbandonDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, lastError string) error

	// RequeueStuck returns deliveries abandoned mid-attempt by a crashed
	// dispatcher (status delivering, untouched for olderThan) to pending.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// ReplayDelivery resets an abandoned delivery to pending, due now. The
	// attempt count is preserved so history stays truthful.
	ReplayDelivery(ctx context.Context, id string) error

	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, req *models.ListDeliveriesRequest) ([]*models.WebhookDelivery, int, error)
	GetDeliveryAttempts(ctx context.Context, deliveryID string) ([]*models.DeliveryAttempt, error)
}

// Repository combines all persistence surfaces.
type Repository interface {
	FileRepository
	JobRepository
	RecordRepository
	DeliveryRepository

	Ping(ctx context.Context) error
	Close() error
}
