package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batchline-systems/batchline/internal/dedupcache"
	"github.com/batchline-systems/batchline/internal/logging"
	"github.com/batchline-systems/batchline/internal/messaging"
	"github.com/batchline-systems/batchline/internal/metrics"
	"github.com/batchline-systems/batchline/internal/models"
	"github.com/batchline-systems/batchline/internal/objectstore"
	"github.com/batchline-systems/batchline/internal/repository"
)

const (
	resultIngested  = "ingested"
	resultDuplicate = "duplicate"
	resultError     = "error"
)

// Publisher announces ingested files. Publish must not return until the
// broker has durably accepted the event; the raw file row commits only after
// it does.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Watcher polls the drop location and runs each new file through the intake
// sequence: checksum, store, record, publish, archive. Every step is safe to
// repeat, so a crash anywhere leaves the file to be retried on the next scan.
type Watcher struct {
	source     Source
	classifier *Classifier
	store      objectstore.Store
	repo       repository.FileRepository
	publisher  Publisher
	cache      *dedupcache.Cache
	logger     *logging.Logger

	interval       time.Duration
	maxConcurrency int
}

// NewWatcher creates an intake watcher.
func NewWatcher(
	source Source,
	classifier *Classifier,
	store objectstore.Store,
	repo repository.FileRepository,
	publisher Publisher,
	cache *dedupcache.Cache,
	logger *logging.Logger,
	interval time.Duration,
	maxConcurrency int,
) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Watcher{
		source:         source,
		classifier:     classifier,
		store:          store,
		repo:           repo,
		publisher:      publisher,
		cache:          cache,
		logger:         logger,
		interval:       interval,
		maxConcurrency: maxConcurrency,
	}
}

// Run polls until the context is cancelled. The first scan happens
// immediately.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.InfoContext(ctx, "intake watcher started",
		slog.String("interval", w.interval.String()),
		slog.Int("max_concurrency", w.maxConcurrency))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("intake watcher stopped")
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs one cycle over the drop location. Files are processed
// concurrently up to the configured limit; one file's failure never aborts
// the others.
func (w *Watcher) Scan(ctx context.Context) {
	start := time.Now()

	files, err := w.source.List(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "drop location listing failed", logging.Error(err))
		return
	}
	if len(files) == 0 {
		return
	}

	w.logger.InfoContext(ctx, "scan cycle started", slog.Int("files", len(files)))

	g := new(errgroup.Group)
	g.SetLimit(w.maxConcurrency)
	for _, fi := range files {
		g.Go(func() error {
			w.processFile(ctx, fi)
			return nil
		})
	}
	_ = g.Wait()

	metrics.IntakeCycleDuration.Observe(time.Since(start).Seconds())
}

func (w *Watcher) processFile(ctx context.Context, fi FileInfo) {
	result, err := w.ingest(ctx, fi)
	if err != nil {
		metrics.IntakeFilesTotal.WithLabelValues(resultError).Inc()
		w.logger.ErrorContext(ctx, "file intake failed",
			logging.Filename(fi.Name), logging.Error(err))
		return
	}
	metrics.IntakeFilesTotal.WithLabelValues(result).Inc()
}

// ingest runs the intake sequence for one file. On any failure the file stays
// in the drop location; checksum dedup makes the retry safe.
func (w *Watcher) ingest(ctx context.Context, fi FileInfo) (string, error) {
	rc, err := w.source.Open(ctx, fi.Name)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", fi.Name, err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	// Cache entries are written only after a committed ingest, so a hit is a
	// finished file. Errors and misses fall through to the database.
	if seen, err := w.cache.Seen(ctx, checksum); err != nil {
		w.logger.WarnContext(ctx, "checksum cache lookup failed", logging.Error(err))
	} else if seen {
		return resultDuplicate, w.finishDuplicate(ctx, fi.Name, checksum)
	}

	// This lookup only saves re-uploading bytes; the insert below is what
	// actually enforces uniqueness.
	if _, err := w.repo.GetRawFileByChecksum(ctx, checksum); err == nil {
		return resultDuplicate, w.finishDuplicate(ctx, fi.Name, checksum)
	} else if !errors.Is(err, repository.ErrFileNotFound) {
		return "", err
	}

	storageKey := objectstore.ObjectKey(checksum)
	if err := w.store.Put(ctx, storageKey, data, contentTypeFor(fi.Name)); err != nil {
		return "", err
	}

	payloadType := w.classifier.Classify(fi.Name)
	now := time.Now().UTC()

	file := &models.RawFile{
		ID:             uuid.New().String(),
		Checksum:       checksum,
		StorageKey:     storageKey,
		SourceFilename: fi.Name,
		PayloadType:    payloadType,
		SizeBytes:      int64(len(data)),
		Status:         models.RawFileStatusReceived,
		ReceivedAt:     now,
	}

	event := &models.FileIngested{
		EventID:        uuid.New().String(),
		Checksum:       checksum,
		StorageKey:     storageKey,
		SourceFilename: fi.Name,
		PayloadType:    payloadType,
		SizeBytes:      int64(len(data)),
		ReceivedAt:     now,
	}
	subject := messaging.FileIngestedSubject(payloadType)

	err = w.repo.CreateRawFileWithPublish(ctx, file, func(ctx context.Context) error {
		event.PublishedAt = time.Now().UTC()
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := w.publisher.Publish(ctx, subject, body); err != nil {
			metrics.IntakePublishErrors.Inc()
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateFile) {
		// Lost a race with another watcher instance; their row stands.
		return resultDuplicate, w.finishDuplicate(ctx, fi.Name, checksum)
	}
	if err != nil {
		return "", err
	}

	metrics.IntakeBytesTotal.Add(float64(len(data)))

	if err := w.cache.MarkSeen(ctx, checksum); err != nil {
		w.logger.WarnContext(ctx, "checksum cache write failed", logging.Error(err))
	}
	if err := w.source.Archive(ctx, fi.Name); err != nil {
		// The row and event are committed; the next scan will fold this file
		// to a duplicate and archive it then.
		w.logger.WarnContext(ctx, "archive failed after ingest",
			logging.Filename(fi.Name), logging.Error(err))
	}

	w.logger.InfoContext(ctx, "file ingested",
		logging.Filename(fi.Name),
		logging.Checksum(checksum),
		logging.StorageKey(storageKey),
		logging.PayloadType(payloadType),
		logging.EventID(event.EventID),
		slog.Int64("size_bytes", int64(len(data))))

	return resultIngested, nil
}

func (w *Watcher) finishDuplicate(ctx context.Context, name, checksum string) error {
	if err := w.cache.MarkSeen(ctx, checksum); err != nil {
		w.logger.WarnContext(ctx, "checksum cache write failed", logging.Error(err))
	}
	return w.source.Archive(ctx, name)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
