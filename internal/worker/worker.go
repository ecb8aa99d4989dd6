// Package worker consumes file-ingested events and turns stored raw files
// into domain records.
//
// Every broker delivery gets its own ingest job row, finished with a durable
// outcome before the message is acknowledged or redelivered. Record writes
// and their webhook fan-out commit atomically per candidate, so a crash
// mid-file leaves only candidates that are safe to re-apply: redelivery folds
// already-committed rows to unchanged and owes nothing twice.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batchline-systems/batchline/internal/deadletter"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/messaging"
	"github.com/batchline-systems/batchline/internal/metrics"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/objectstore"
	"github.com/batchline-systems/batchline/internal/payload"
	"github.com/batchline-systems/batchline/internal/repository"
	"github.com/batchline-systems/batchline/internal/subscriptions"
)

// maxDetailErrors caps how many line errors are folded into a job's error
// detail column.
const maxDetailErrors = 20

// Repository is the slice of the store the worker needs.
type Repository interface {
	CreateJob(ctx context.Context, job *models.IngestJob) error
	FinishJob(ctx context.Context, id, outcome string, recordCount, errorCount int, errorDetail *string) error
	SetRawFileStatus(ctx context.Context, checksum, status string) error
	UpsertSettlement(ctx context.Context, s *models.Settlement, fanout repository.FanoutFunc) (repository.UpsertResult, error)
	UpsertDispute(ctx context.Context, d *models.Dispute, fanout repository.FanoutFunc) (repository.UpsertResult, error)
	InsertConfigSnapshot(ctx context.Context, c *models.ConfigSnapshot, fanout repository.FanoutFunc) (repository.UpsertResult, error)
}

// ObjectStore fetches raw file content by storage key.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Notifier publishes record-changed wake-up hints. Losing a hint is harmless;
// the dispatcher polls the store on its own schedule.
type Notifier interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DeadLetterQueue parks events that can no longer be retried.
type DeadLetterQueue interface {
	Park(ctx context.Context, raw []byte, event *models.FileIngested, cause error, reason string, attempts int) error
}

// Worker processes file-ingested events from the broker.
type Worker struct {
	repo       Repository
	store      ObjectStore
	registry   *payload.Registry
	subs       *subscriptions.Registry
	notify     Notifier
	dlq        DeadLetterQueue
	maxDeliver int
	logger     *logging.Logger
}

// NewWorker creates a worker. maxDeliver is the broker's redelivery budget;
// an attempt that fails at or beyond it parks the event instead of retrying.
func NewWorker(repo Repository, store ObjectStore, registry *payload.Registry, subs *subscriptions.Registry, notify Notifier, dlq DeadLetterQueue, maxDeliver int, logger *logging.Logger) *Worker {
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	return &Worker{
		repo:       repo,
		store:      store,
		registry:   registry,
		subs:       subs,
		notify:     notify,
		dlq:        dlq,
		maxDeliver: maxDeliver,
		logger:     logger,
	}
}

// jobResult is the outcome of one processing attempt. A non-nil transient
// error means the attempt failed for a reason redelivery might fix; the other
// fields still describe what the attempt got done.
type jobResult struct {
	outcome   string
	records   int
	errors    int
	detail    *string
	transient error
}

// HandleFileEvent is the broker message handler. Returning nil acknowledges
// the message; returning an error schedules redelivery.
func (w *Worker) HandleFileEvent(ctx context.Context, msg *messaging.Message) error {
	var event models.FileIngested
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		// A message that does not decode can never succeed, and without a
		// checksum there is no job row to write. The parked record is the
		// audit trail.
		return w.park(ctx, msg, nil, fmt.Errorf("unmarshal event: %w", err), deadletter.ReasonMalformed)
	}

	jobID, _ := uuid.NewV7()
	job := &models.IngestJob{
		ID:           jobID.String(),
		FileChecksum: event.Checksum,
		StorageKey:   event.StorageKey,
		PayloadType:  event.PayloadType,
		Outcome:      models.JobOutcomePending,
		StartedAt:    time.Now().UTC(),
	}
	if err := w.repo.CreateJob(ctx, job); err != nil {
		return w.retryOrPark(ctx, msg, &event, fmt.Errorf("create job: %w", err))
	}

	log := w.logger.With(
		logging.JobID(job.ID),
		logging.Checksum(event.Checksum),
		logging.PayloadType(event.PayloadType),
	)

	res := w.process(ctx, &event)

	if res.transient != nil {
		// The attempt still gets a durable outcome; redelivery opens a new
		// job row rather than rewriting this one.
		detail := res.transient.Error()
		if err := w.repo.FinishJob(ctx, job.ID, models.JobOutcomeFailed, res.records, res.errors, &detail); err != nil {
			log.ErrorContext(ctx, "finish job failed", logging.Error(err))
		}
		metrics.WorkerEventsTotal.WithLabelValues(models.JobOutcomeFailed).Inc()
		log.WarnContext(ctx, "ingest attempt failed",
			logging.Attempt(msg.Attempt),
			logging.Error(res.transient),
		)
		return w.retryOrPark(ctx, msg, &event, res.transient)
	}

	if err := w.repo.FinishJob(ctx, job.ID, res.outcome, res.records, res.errors, res.detail); err != nil {
		// The outcome is not durable, so the message must come back. Any
		// records already committed fold to unchanged on the next attempt.
		log.ErrorContext(ctx, "finish job failed", logging.Error(err))
		return w.retryOrPark(ctx, msg, &event, fmt.Errorf("finish job: %w", err))
	}

	w.setFileStatus(ctx, event.Checksum, res.outcome, log)

	metrics.WorkerEventsTotal.WithLabelValues(res.outcome).Inc()
	metrics.WorkerJobDuration.Observe(time.Since(job.StartedAt).Seconds())
	log.InfoContext(ctx, "ingest job finished",
		slog.String("outcome", res.outcome),
		slog.Int("records", res.records),
		slog.Int("errors", res.errors),
	)
	return nil
}

// process runs one attempt end to end and classifies the result. Permanent
// failures (unhandled type, missing object, unreadable file) finish as failed
// outcomes; only errors a later attempt might not hit are marked transient.
func (w *Worker) process(ctx context.Context, event *models.FileIngested) jobResult {
	proc := w.registry.Find(event.PayloadType)
	if proc == nil {
		return failedResult(fmt.Sprintf("no processor for payload type %q", event.PayloadType))
	}

	data, err := w.store.Get(ctx, event.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return failedResult(fmt.Sprintf("stored object %s missing", event.StorageKey))
		}
		return jobResult{transient: fmt.Errorf("fetch object %s: %w", event.StorageKey, err)}
	}

	candidates, lineErrors, err := proc.Parse(ctx, data, event.ReceivedAt)
	if err != nil {
		return failedResult(fmt.Sprintf("parse: %v", err))
	}

	applied := 0
	for i := range candidates {
		c := &candidates[i]
		if err := w.applyCandidate(ctx, c); err != nil {
			metrics.WorkerCandidatesTotal.WithLabelValues(c.Kind, "error").Inc()
			return jobResult{
				records:   applied,
				errors:    len(lineErrors),
				transient: fmt.Errorf("apply %s %s: %w", c.Kind, c.EntityRef, err),
			}
		}
		applied++
	}

	res := jobResult{records: applied, errors: len(lineErrors)}
	switch {
	case len(lineErrors) == 0:
		res.outcome = models.JobOutcomeSuccess
	case applied > 0:
		res.outcome = models.JobOutcomePartial
		res.detail = lineErrorDetail(lineErrors)
	default:
		res.outcome = models.JobOutcomeFailed
		res.detail = lineErrorDetail(lineErrors)
	}
	return res
}

// applyCandidate writes one record and, when the write changed a row, its
// webhook fan-out in the same transaction. The change event ID is minted here
// so the stored delivery payloads and the wake-up hint agree on it.
func (w *Worker) applyCandidate(ctx context.Context, c *payload.Candidate) error {
	eventID := uuid.New().String()
	occurredAt := time.Now().UTC()

	fanout := func(result repository.UpsertResult) []*models.WebhookDelivery {
		return w.buildFanout(eventID, c, result, occurredAt)
	}

	var result repository.UpsertResult
	var err error
	switch c.Kind {
	case models.KindSettlement:
		result, err = w.repo.UpsertSettlement(ctx, c.Settlement, fanout)
	case models.KindDispute:
		result, err = w.repo.UpsertDispute(ctx, c.Dispute, fanout)
	case models.KindConfig:
		result, err = w.repo.InsertConfigSnapshot(ctx, c.Config, fanout)
	default:
		return fmt.Errorf("unhandled record kind %q", c.Kind)
	}
	if err != nil {
		return err
	}

	metrics.WorkerCandidatesTotal.WithLabelValues(c.Kind, string(result)).Inc()
	if result.Changed() {
		w.announce(ctx, eventID, c, result, occurredAt)
	}
	return nil
}

// buildFanout renders one pending delivery per subscription interested in the
// record's kind. It runs inside the upsert transaction and only for upserts
// that changed a row.
func (w *Worker) buildFanout(eventID string, c *payload.Candidate, result repository.UpsertResult, occurredAt time.Time) []*models.WebhookDelivery {
	if w.subs == nil {
		return nil
	}
	targets := w.subs.ForKind(c.Kind)
	if len(targets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	deliveries := make([]*models.WebhookDelivery, 0, len(targets))
	for _, sub := range targets {
		deliveryID, _ := uuid.NewV7()
		id := deliveryID.String()
		body, err := json.Marshal(&models.WebhookPayload{
			DeliveryID: id,
			EventID:    eventID,
			Kind:       c.Kind,
			MerchantID: c.MerchantID,
			EntityRef:  c.EntityRef,
			Change:     changeFor(result),
			OccurredAt: occurredAt,
		})
		if err != nil {
			continue
		}
		deliveries = append(deliveries, &models.WebhookDelivery{
			ID:            id,
			EventID:       eventID,
			Subscription:  sub.Name,
			Kind:          c.Kind,
			TargetURL:     sub.URL,
			Payload:       body,
			Status:        models.DeliveryStatusPending,
			NextAttemptAt: now,
		})
	}
	return deliveries
}

// announce publishes the record-changed wake-up hint after the change has
// committed. Best effort only.
func (w *Worker) announce(ctx context.Context, eventID string, c *payload.Candidate, result repository.UpsertResult, occurredAt time.Time) {
	if w.notify == nil {
		return
	}

	data, err := json.Marshal(&models.RecordChanged{
		EventID:    eventID,
		Kind:       c.Kind,
		MerchantID: c.MerchantID,
		EntityRef:  c.EntityRef,
		Change:     changeFor(result),
		OccurredAt: occurredAt,
	})
	if err != nil {
		return
	}

	subject := messaging.NotifySubject(c.Kind)
	if err := w.notify.Publish(ctx, subject, data); err != nil {
		w.logger.DebugContext(ctx, "notify publish failed",
			logging.Subject(subject),
			logging.Error(err),
		)
	}
}

// setFileStatus records the terminal file status once an outcome is durable.
// Partial counts as processed; the job row carries the error detail.
func (w *Worker) setFileStatus(ctx context.Context, checksum, outcome string, log *logging.Logger) {
	status := models.RawFileStatusProcessed
	if outcome == models.JobOutcomeFailed {
		status = models.RawFileStatusFailed
	}
	if err := w.repo.SetRawFileStatus(ctx, checksum, status); err != nil {
		log.WarnContext(ctx, "set raw file status failed", logging.Error(err))
	}
}

// retryOrPark returns the cause while the redelivery budget lasts, so the
// broker redelivers. On the final attempt the event is parked and the
// message acknowledged.
func (w *Worker) retryOrPark(ctx context.Context, msg *messaging.Message, event *models.FileIngested, cause error) error {
	if msg.Attempt < w.maxDeliver {
		return cause
	}
	return w.park(ctx, msg, event, cause, deadletter.ReasonExhausted)
}

func (w *Worker) park(ctx context.Context, msg *messaging.Message, event *models.FileIngested, cause error, reason string) error {
	if w.dlq == nil {
		w.logger.ErrorContext(ctx, "no dead letter queue, leaving message to the broker",
			logging.Subject(msg.Subject),
			logging.Error(cause),
		)
		return cause
	}
	if err := w.dlq.Park(ctx, msg.Data, event, cause, reason, msg.Attempt); err != nil {
		// Parking failed, so keep the message alive rather than lose it.
		w.logger.ErrorContext(ctx, "dead letter park failed",
			logging.Subject(msg.Subject),
			logging.Error(err),
		)
		return cause
	}

	metrics.WorkerDLQParked.Inc()
	w.logger.WarnContext(ctx, "event parked on dead letter stream",
		logging.Subject(msg.Subject),
		logging.Attempt(msg.Attempt),
		slog.String("reason", reason),
		logging.Error(cause),
	)
	return nil
}

func changeFor(result repository.UpsertResult) string {
	if result == repository.ResultUpdated {
		return models.ChangeUpdated
	}
	return models.ChangeCreated
}

func failedResult(detail string) jobResult {
	return jobResult{outcome: models.JobOutcomeFailed, detail: &detail}
}

// lineErrorDetail folds line errors into one human-readable column value,
// truncated past maxDetailErrors.
func lineErrorDetail(errs []payload.LineError) *string {
	if len(errs) == 0 {
		return nil
	}

	parts := make([]string, 0, maxDetailErrors+1)
	for i, e := range errs {
		if i == maxDetailErrors {
			parts = append(parts, fmt.Sprintf("and %d more", len(errs)-maxDetailErrors))
			break
		}
		parts = append(parts, fmt.Sprintf("line %d: %s", e.Line, e.Msg))
	}
	s := strings.Join(parts, "; ")
	return &s
}
