// Package dispatch drives the webhook delivery state machine: a polling
// scheduler claims due deliveries from the store and a bounded pool of
// senders posts them, so one endpoint's backoff never stalls another's
// progress.
//
// The store is the only scheduler state. next_attempt_at is persisted with
// every transition, so restarts lose nothing; broker wake-up hints only
// shorten the wait for the next poll.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/metrics"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/subscriptions"
)

// Repository is the slice of the store the dispatcher needs.
type Repository interface {
	ClaimDue(ctx context.Context, limit int) ([]*models.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id string, attempt *models.DeliveryAttempt) error
	RescheduleDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, nextAttemptAt time.Time, lastError string) error
	AbandonDelivery(ctx context.Context, id string, attempt *models.DeliveryAttempt, lastError string) error
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config holds the dispatcher's scheduling knobs.
type Config struct {
	PollInterval   time.Duration
	ClaimLimit     int
	MaxConcurrency int
	MaxAttempts    int
	StuckThreshold time.Duration
	Backoff        Backoff
}

// Dispatcher claims due deliveries and applies attempt outcomes.
type Dispatcher struct {
	repo   Repository
	sender Sender
	subs   *subscriptions.Registry
	cfg    Config
	logger *logging.Logger
	wake   chan struct{}
}

// NewDispatcher creates a dispatcher. Zero config fields get safe defaults.
func NewDispatcher(repo Repository, sender Sender, subs *subscriptions.Registry, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimLimit < 1 {
		cfg.ClaimLimit = 50
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	return &Dispatcher{
		repo:   repo,
		sender: sender,
		subs:   subs,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake asks the scheduler to run a pass soon. Safe from any goroutine; extra
// calls while a wake is already queued are dropped.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls for due deliveries until the context is cancelled. An initial
// stuck sweep runs first so work orphaned by a previous crash becomes due
// before the first claim.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.InfoContext(ctx, "delivery dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("claim_limit", d.cfg.ClaimLimit),
		slog.Int("max_concurrency", d.cfg.MaxConcurrency),
		slog.Int("max_attempts", d.cfg.MaxAttempts),
	)

	d.requeueStuck(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(d.cfg.StuckThreshold)
	defer sweep.Stop()

	for {
		d.Cycle(ctx)

		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "delivery dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.wake:
		case <-sweep.C:
			d.requeueStuck(ctx)
		}
	}
}

// Cycle claims and services due deliveries until none remain.
func (d *Dispatcher) Cycle(ctx context.Context) {
	serviced := 0
	for ctx.Err() == nil {
		claimed, err := d.repo.ClaimDue(ctx, d.cfg.ClaimLimit)
		if err != nil {
			d.logger.ErrorContext(ctx, "claim due deliveries failed", logging.Error(err))
			break
		}
		if len(claimed) == 0 {
			break
		}
		serviced += len(claimed)

		g := new(errgroup.Group)
		g.SetLimit(d.cfg.MaxConcurrency)
		for _, delivery := range claimed {
			g.Go(func() error {
				d.attempt(ctx, delivery)
				return nil
			})
		}
		g.Wait()
	}
	metrics.DispatchDueBacklog.Set(float64(serviced))
}

// attempt issues one send and persists its outcome. Every path writes state
// before returning; a crash between send and persist leaves the row in
// delivering, where the stuck sweep recovers it.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery) {
	attemptNumber := delivery.AttemptCount + 1
	started := time.Now().UTC()
	log := d.logger.With(
		logging.DeliveryID(delivery.ID),
		slog.String("subscription", delivery.Subscription),
		logging.Attempt(attemptNumber),
	)

	var status int
	var sendErr error
	if sub := d.subs.Find(delivery.Subscription); sub != nil {
		status, sendErr = d.sender.Send(ctx, delivery, sub.Secret, attemptNumber)
	} else {
		// Roster drift: keep retrying within the budget so restoring the
		// subscription resumes delivery, then abandon like any other failure.
		sendErr = fmt.Errorf("subscription %q no longer configured", delivery.Subscription)
	}

	duration := time.Since(started)
	metrics.DispatchAttemptDuration.Observe(duration.Seconds())

	row := &models.DeliveryAttempt{
		DeliveryID:    delivery.ID,
		AttemptNumber: attemptNumber,
		DurationMs:    duration.Milliseconds(),
		AttemptedAt:   started,
	}
	if status != 0 {
		row.HTTPStatus = &status
	}

	if sendErr == nil {
		row.Status = models.AttemptStatusDelivered
		if err := d.repo.MarkDelivered(ctx, delivery.ID, row); err != nil {
			log.ErrorContext(ctx, "persist delivered state failed", logging.Error(err))
			return
		}
		metrics.DispatchAttemptsTotal.WithLabelValues("delivered").Inc()
		metrics.DispatchOutcomesTotal.WithLabelValues("delivered").Inc()
		log.InfoContext(ctx, "delivery succeeded", slog.Int("http_status", status))
		return
	}

	errText := sendErr.Error()
	row.Status = models.AttemptStatusFailed
	row.Error = &errText
	metrics.DispatchAttemptsTotal.WithLabelValues("failed").Inc()

	if attemptNumber >= d.cfg.MaxAttempts {
		if err := d.repo.AbandonDelivery(ctx, delivery.ID, row, errText); err != nil {
			log.ErrorContext(ctx, "persist abandoned state failed", logging.Error(err))
			return
		}
		metrics.DispatchOutcomesTotal.WithLabelValues("abandoned").Inc()
		log.WarnContext(ctx, "delivery abandoned", logging.Error(sendErr))
		return
	}

	next := started.Add(d.cfg.Backoff.Delay(attemptNumber))
	if err := d.repo.RescheduleDelivery(ctx, delivery.ID, row, next, errText); err != nil {
		log.ErrorContext(ctx, "persist reschedule failed", logging.Error(err))
		return
	}
	metrics.DispatchOutcomesTotal.WithLabelValues("requeued").Inc()
	log.WarnContext(ctx, "delivery attempt failed",
		logging.Error(sendErr),
		slog.Time("next_attempt_at", next),
	)
}

func (d *Dispatcher) requeueStuck(ctx context.Context) {
	n, err := d.repo.RequeueStuck(ctx, d.cfg.StuckThreshold)
	if err != nil {
		d.logger.ErrorContext(ctx, "requeue stuck deliveries failed", logging.Error(err))
		return
	}
	if n > 0 {
		d.logger.WarnContext(ctx, "requeued stuck deliveries", slog.Int("count", n))
	}
}
