package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/batchline-systems/batchline/internal/models"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations
func setupTestDatabase(t *testing.T) (*PostgresRepository, func()) {
	if testing.Short() {
		t.Skip("skipping repository integration tests in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("batchline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return repo, cleanup
}

// runMigrations runs SQL migrations from the migrations directory
func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrationPath := filepath.Join("..", "..", "migrations", "001_init.up.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	return nil
}

func testRawFile(checksum string) *models.RawFile {
	return &models.RawFile{
		ID:             uuid.New().String(),
		Checksum:       checksum,
		StorageKey:     "raw/" + checksum,
		SourceFilename: "settlements_20260314.csv",
		PayloadType:    models.PayloadTypeSettlement,
		SizeBytes:      2048,
		Status:         models.RawFileStatusReceived,
		ReceivedAt:     time.Now().UTC(),
	}
}

// ============================================================================
// Raw File Tests
// ============================================================================

func TestCreateRawFileWithPublish(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("commits row when publish succeeds", func(t *testing.T) {
		f := testRawFile("aaaa000000000000000000000000000000000000000000000000000000000001")

		published := 0
		err := repo.CreateRawFileWithPublish(ctx, f, func(context.Context) error {
			published++
			return nil
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if published != 1 {
			t.Errorf("Expected publish to run once, ran %d times", published)
		}

		got, err := repo.GetRawFileByChecksum(ctx, f.Checksum)
		if err != nil {
			t.Fatalf("Failed to retrieve created file: %v", err)
		}
		if got.StorageKey != f.StorageKey {
			t.Errorf("Expected storage key %s, got %s", f.StorageKey, got.StorageKey)
		}
		if got.Status != models.RawFileStatusReceived {
			t.Errorf("Expected status received, got %s", got.Status)
		}
	})

	t.Run("duplicate checksum returns ErrDuplicateFile without publishing", func(t *testing.T) {
		f := testRawFile("aaaa000000000000000000000000000000000000000000000000000000000002")
		if err := repo.CreateRawFileWithPublish(ctx, f, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("First insert failed: %v", err)
		}

		dup := testRawFile(f.Checksum)
		published := 0
		err := repo.CreateRawFileWithPublish(ctx, dup, func(context.Context) error {
			published++
			return nil
		})
		if !errors.Is(err, ErrDuplicateFile) {
			t.Fatalf("Expected ErrDuplicateFile, got %v", err)
		}
		if published != 0 {
			t.Errorf("Publish must not run for a duplicate, ran %d times", published)
		}
	})

	t.Run("publish failure rolls the row back", func(t *testing.T) {
		f := testRawFile("aaaa000000000000000000000000000000000000000000000000000000000003")

		err := repo.CreateRawFileWithPublish(ctx, f, func(context.Context) error {
			return errors.New("broker down")
		})
		if err == nil {
			t.Fatal("Expected error when publish fails")
		}

		if _, err := repo.GetRawFileByChecksum(ctx, f.Checksum); !errors.Is(err, ErrFileNotFound) {
			t.Fatalf("Expected no row after rollback, got %v", err)
		}
	})
}

func TestSetRawFileStatus(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	f := testRawFile("aaaa000000000000000000000000000000000000000000000000000000000010")
	if err := repo.CreateRawFileWithPublish(ctx, f, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := repo.SetRawFileStatus(ctx, f.Checksum, models.RawFileStatusProcessed); err != nil {
		t.Fatalf("SetRawFileStatus failed: %v", err)
	}

	got, err := repo.GetRawFileByChecksum(ctx, f.Checksum)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.RawFileStatusProcessed {
		t.Errorf("Expected status processed, got %s", got.Status)
	}
	if got.UpdatedAt == nil {
		t.Error("Expected updated_at to be set")
	}

	if err := repo.SetRawFileStatus(ctx, "missing-checksum", models.RawFileStatusFailed); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound, got %v", err)
	}
}

func TestListRawFiles(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f := testRawFile(fmt.Sprintf("bbbb0000000000000000000000000000000000000000000000000000000000%02d", i))
		if err := repo.CreateRawFileWithPublish(ctx, f, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	if err := repo.SetRawFileStatus(ctx, "bbbb000000000000000000000000000000000000000000000000000000000000", models.RawFileStatusFailed); err != nil {
		t.Fatalf("Status update failed: %v", err)
	}

	files, total, err := repo.ListRawFiles(ctx, &models.ListFilesRequest{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("ListRawFiles failed: %v", err)
	}
	if total != 3 || len(files) != 3 {
		t.Errorf("Expected 3 files, got %d (total %d)", len(files), total)
	}

	failed, total, err := repo.ListRawFiles(ctx, &models.ListFilesRequest{Page: 1, Limit: 10, Status: models.RawFileStatusFailed})
	if err != nil {
		t.Fatalf("Filtered list failed: %v", err)
	}
	if total != 1 || len(failed) != 1 {
		t.Errorf("Expected 1 failed file, got %d (total %d)", len(failed), total)
	}

	page, _, err := repo.ListRawFiles(ctx, &models.ListFilesRequest{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("Paged list failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("Expected 1 file on page 2, got %d", len(page))
	}
}

// ============================================================================
// Ingest Job Tests
// ============================================================================

func TestJobLifecycle(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	job := &models.IngestJob{
		ID:           uuid.New().String(),
		FileChecksum: "cccc000000000000000000000000000000000000000000000000000000000001",
		StorageKey:   "raw/cccc01",
		PayloadType:  models.PayloadTypeDispute,
		Outcome:      models.JobOutcomePending,
		StartedAt:    time.Now().UTC(),
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	detail := "2 rows rejected"
	if err := repo.FinishJob(ctx, job.ID, models.JobOutcomePartial, 40, 2, &detail); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Outcome != models.JobOutcomePartial {
		t.Errorf("Expected outcome partial, got %s", got.Outcome)
	}
	if got.RecordCount != 40 || got.ErrorCount != 2 {
		t.Errorf("Expected counts 40/2, got %d/%d", got.RecordCount, got.ErrorCount)
	}
	if got.ErrorDetail == nil || *got.ErrorDetail != detail {
		t.Errorf("Expected error detail %q, got %v", detail, got.ErrorDetail)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	if err := repo.FinishJob(ctx, uuid.New().String(), models.JobOutcomeFailed, 0, 0, nil); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
	if _, err := repo.GetJob(ctx, uuid.New().String()); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobsFilters(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	checksum := "cccc000000000000000000000000000000000000000000000000000000000002"
	outcomes := []string{models.JobOutcomeSuccess, models.JobOutcomeFailed, models.JobOutcomeFailed}
	for i, outcome := range outcomes {
		job := &models.IngestJob{
			ID:           uuid.New().String(),
			FileChecksum: checksum,
			StorageKey:   "raw/cccc02",
			PayloadType:  models.PayloadTypeSettlement,
			Outcome:      models.JobOutcomePending,
			StartedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob %d failed: %v", i, err)
		}
		if err := repo.FinishJob(ctx, job.ID, outcome, 10, 0, nil); err != nil {
			t.Fatalf("FinishJob %d failed: %v", i, err)
		}
	}

	failed, total, err := repo.ListJobs(ctx, &models.ListJobsRequest{Page: 1, Limit: 10, Outcome: models.JobOutcomeFailed})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if total != 2 || len(failed) != 2 {
		t.Errorf("Expected 2 failed jobs, got %d (total %d)", len(failed), total)
	}

	byChecksum, total, err := repo.ListJobs(ctx, &models.ListJobsRequest{Page: 1, Limit: 10, Checksum: checksum})
	if err != nil {
		t.Fatalf("ListJobs by checksum failed: %v", err)
	}
	if total != 3 || len(byChecksum) != 3 {
		t.Errorf("Expected 3 jobs for checksum, got %d (total %d)", len(byChecksum), total)
	}

	// Newest first
	if len(byChecksum) == 3 && byChecksum[0].StartedAt.Before(byChecksum[2].StartedAt) {
		t.Error("Expected jobs ordered newest first")
	}
}

// ============================================================================
// Record Upsert Tests
// ============================================================================

func testSettlement(sourceIngestedAt time.Time) *models.Settlement {
	return &models.Settlement{
		ID:               uuid.New().String(),
		MerchantID:       "mer-100",
		BusinessDate:     "2026-03-13",
		BatchID:          "B001",
		Currency:         "EUR",
		GrossAmountMinor: 125000,
		FeeAmountMinor:   3750,
		NetAmountMinor:   121250,
		TxnCount:         42,
		SourceIngestedAt: sourceIngestedAt,
	}
}

func TestUpsertSettlement_ConflictResolution(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("first write creates", func(t *testing.T) {
		result, err := repo.UpsertSettlement(ctx, testSettlement(base), nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultCreated {
			t.Errorf("Expected created, got %s", result)
		}
	})

	t.Run("identical content is unchanged even when newer", func(t *testing.T) {
		result, err := repo.UpsertSettlement(ctx, testSettlement(base.Add(time.Hour)), nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUnchanged {
			t.Errorf("Expected unchanged, got %s", result)
		}
	})

	t.Run("newer content updates", func(t *testing.T) {
		s := testSettlement(base.Add(2 * time.Hour))
		s.TxnCount = 43
		result, err := repo.UpsertSettlement(ctx, s, nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUpdated {
			t.Errorf("Expected updated, got %s", result)
		}
	})

	t.Run("stale content loses", func(t *testing.T) {
		s := testSettlement(base.Add(time.Hour))
		s.TxnCount = 99
		result, err := repo.UpsertSettlement(ctx, s, nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUnchanged {
			t.Errorf("Expected unchanged for stale write, got %s", result)
		}
	})
}

func TestUpsertSettlement_RevisionWins(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rev := func(n int64) *int64 { return &n }

	s := testSettlement(base)
	s.Revision = rev(5)
	if result, err := repo.UpsertSettlement(ctx, s, nil); err != nil || result != ResultCreated {
		t.Fatalf("Seed upsert: result %s, err %v", result, err)
	}

	t.Run("lower revision loses despite newer intake time", func(t *testing.T) {
		s := testSettlement(base.Add(time.Hour))
		s.Revision = rev(4)
		s.TxnCount = 50
		result, err := repo.UpsertSettlement(ctx, s, nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUnchanged {
			t.Errorf("Expected unchanged, got %s", result)
		}
	})

	t.Run("higher revision wins despite older intake time", func(t *testing.T) {
		s := testSettlement(base.Add(-time.Hour))
		s.Revision = rev(6)
		s.TxnCount = 50
		result, err := repo.UpsertSettlement(ctx, s, nil)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUpdated {
			t.Errorf("Expected updated, got %s", result)
		}
	})
}

func TestUpsertDispute_ConflictResolution(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dispute := func(status string, at time.Time) *models.Dispute {
		return &models.Dispute{
			ID:               uuid.New().String(),
			MerchantID:       "mer-200",
			CaseReference:    "case-9001",
			Status:           status,
			ReasonCode:       "fraud",
			AmountMinor:      45000,
			Currency:         "USD",
			OpenedAt:         base.Add(-24 * time.Hour),
			SourceIngestedAt: at,
		}
	}

	if result, err := repo.UpsertDispute(ctx, dispute("open", base), nil); err != nil || result != ResultCreated {
		t.Fatalf("Seed upsert: result %s, err %v", result, err)
	}

	result, err := repo.UpsertDispute(ctx, dispute("won", base.Add(time.Hour)), nil)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if result != ResultUpdated {
		t.Errorf("Expected updated, got %s", result)
	}

	// A late-arriving older file must not regress the case.
	result, err = repo.UpsertDispute(ctx, dispute("open", base.Add(30*time.Minute)), nil)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if result != ResultUnchanged {
		t.Errorf("Expected unchanged, got %s", result)
	}
}

func TestInsertConfigSnapshot(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	capturedAt := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	snapshot := func() *models.ConfigSnapshot {
		return &models.ConfigSnapshot{
			ID:         uuid.New().String(),
			MerchantID: "mer-300",
			CapturedAt: capturedAt,
			Payload:    json.RawMessage(`{"merchant_id":"mer-300","captured_at":"2026-03-14T06:00:00Z"}`),
			ReceivedAt: time.Now().UTC(),
		}
	}

	result, err := repo.InsertConfigSnapshot(ctx, snapshot(), nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if result != ResultCreated {
		t.Errorf("Expected created, got %s", result)
	}

	// Same (merchant, captured_at) is a duplicate, never an update.
	result, err = repo.InsertConfigSnapshot(ctx, snapshot(), nil)
	if err != nil {
		t.Fatalf("Duplicate insert failed: %v", err)
	}
	if result != ResultUnchanged {
		t.Errorf("Expected unchanged, got %s", result)
	}
}

func TestUpsertFanout(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	eventID := uuid.New().String()

	makeFanout := func(calls *int, deliveryID string) FanoutFunc {
		return func(result UpsertResult) []*models.WebhookDelivery {
			*calls++
			return []*models.WebhookDelivery{{
				ID:            deliveryID,
				EventID:       eventID,
				Subscription:  "finance-exports",
				Kind:          models.KindSettlement,
				TargetURL:     "https://hooks.example.com/settlements",
				Payload:       json.RawMessage(`{"change":"created"}`),
				Status:        models.DeliveryStatusPending,
				NextAttemptAt: time.Now().UTC(),
			}}
		}
	}

	t.Run("changed upsert persists fanout atomically", func(t *testing.T) {
		calls := 0
		deliveryID := uuid.New().String()
		result, err := repo.UpsertSettlement(ctx, testSettlement(base), makeFanout(&calls, deliveryID))
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultCreated {
			t.Fatalf("Expected created, got %s", result)
		}
		if calls != 1 {
			t.Errorf("Expected fanout called once, got %d", calls)
		}

		d, err := repo.GetDelivery(ctx, deliveryID)
		if err != nil {
			t.Fatalf("Fanout delivery missing: %v", err)
		}
		if d.Status != models.DeliveryStatusPending || d.AttemptCount != 0 {
			t.Errorf("Expected fresh pending delivery, got status %s attempts %d", d.Status, d.AttemptCount)
		}
	})

	t.Run("unchanged upsert never calls fanout", func(t *testing.T) {
		calls := 0
		result, err := repo.UpsertSettlement(ctx, testSettlement(base.Add(time.Hour)), makeFanout(&calls, uuid.New().String()))
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUnchanged {
			t.Fatalf("Expected unchanged, got %s", result)
		}
		if calls != 0 {
			t.Errorf("Fanout must not run for unchanged upsert, ran %d times", calls)
		}
	})

	t.Run("same event and subscription folds", func(t *testing.T) {
		calls := 0
		s := testSettlement(base.Add(2 * time.Hour))
		s.TxnCount = 77
		secondID := uuid.New().String()
		result, err := repo.UpsertSettlement(ctx, s, makeFanout(&calls, secondID))
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if result != ResultUpdated {
			t.Fatalf("Expected updated, got %s", result)
		}

		// The (event_id, subscription) pair already exists; the second row
		// must fold silently.
		if _, err := repo.GetDelivery(ctx, secondID); !errors.Is(err, ErrDeliveryNotFound) {
			t.Errorf("Expected folded duplicate, got %v", err)
		}
	})
}

// ============================================================================
// Delivery State Machine Tests
// ============================================================================

// seedDelivery inserts a delivery row directly, bypassing the fanout path.
func seedDelivery(t *testing.T, repo *PostgresRepository, status string, nextAttemptAt time.Time, attemptCount int) string {
	t.Helper()

	id := uuid.New().String()
	_, err := repo.pool.Exec(context.Background(), `
		INSERT INTO webhook_deliveries (id, event_id, subscription, kind, target_url, payload, status, attempt_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, uuid.New().String(), "finance-exports", models.KindSettlement,
		"https://hooks.example.com/settlements", json.RawMessage(`{}`), status, attemptCount, nextAttemptAt)
	if err != nil {
		t.Fatalf("Failed to seed delivery: %v", err)
	}
	return id
}

func TestClaimDue(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	first := seedDelivery(t, repo, models.DeliveryStatusPending, now.Add(-2*time.Minute), 0)
	second := seedDelivery(t, repo, models.DeliveryStatusPending, now.Add(-1*time.Minute), 0)
	seedDelivery(t, repo, models.DeliveryStatusPending, now.Add(time.Hour), 0)
	seedDelivery(t, repo, models.DeliveryStatusDelivered, now.Add(-time.Hour), 1)

	claimed, err := repo.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Expected 2 due deliveries, got %d", len(claimed))
	}
	got := map[string]bool{}
	for _, d := range claimed {
		if d.Status != models.DeliveryStatusDelivering {
			t.Errorf("Expected claimed row in delivering, got %s", d.Status)
		}
		got[d.ID] = true
	}
	if !got[first] || !got[second] {
		t.Errorf("Expected the two due deliveries claimed, got %v", got)
	}

	// Claimed rows must not be claimable again.
	again, err := repo.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("Second ClaimDue failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no claimable rows, got %d", len(again))
	}
}

func TestClaimDueRespectsLimit(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedDelivery(t, repo, models.DeliveryStatusPending, now.Add(-time.Minute), 0)
	}

	claimed, err := repo.ClaimDue(ctx, 3)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Errorf("Expected 3 claimed, got %d", len(claimed))
	}

	rest, err := repo.ClaimDue(ctx, 3)
	if err != nil {
		t.Fatalf("Second ClaimDue failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("Expected 2 remaining, got %d", len(rest))
	}
}

func TestMarkDelivered(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	id := seedDelivery(t, repo, models.DeliveryStatusDelivering, time.Now().UTC(), 0)

	httpStatus := 200
	attempt := &models.DeliveryAttempt{
		AttemptNumber: 1,
		Status:        models.AttemptStatusDelivered,
		HTTPStatus:    &httpStatus,
		DurationMs:    42,
		AttemptedAt:   time.Now().UTC(),
	}
	if err := repo.MarkDelivered(ctx, id, attempt); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	d, err := repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if d.Status != models.DeliveryStatusDelivered {
		t.Errorf("Expected delivered, got %s", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", d.AttemptCount)
	}
	if d.DeliveredAt == nil {
		t.Error("Expected delivered_at to be set")
	}
	if d.LastError != nil {
		t.Errorf("Expected last_error cleared, got %v", *d.LastError)
	}

	attempts, err := repo.GetDeliveryAttempts(ctx, id)
	if err != nil {
		t.Fatalf("GetDeliveryAttempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].HTTPStatus == nil || *attempts[0].HTTPStatus != 200 {
		t.Errorf("Expected http status 200, got %v", attempts[0].HTTPStatus)
	}

	if err := repo.MarkDelivered(ctx, uuid.New().String(), attempt); !errors.Is(err, ErrDeliveryNotFound) {
		t.Errorf("Expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestRescheduleDelivery(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	id := seedDelivery(t, repo, models.DeliveryStatusDelivering, time.Now().UTC(), 0)

	errText := "connection refused"
	next := time.Now().UTC().Add(10 * time.Second)
	attempt := &models.DeliveryAttempt{
		AttemptNumber: 1,
		Status:        models.AttemptStatusFailed,
		Error:         &errText,
		DurationMs:    5,
		AttemptedAt:   time.Now().UTC(),
	}
	if err := repo.RescheduleDelivery(ctx, id, attempt, next, errText); err != nil {
		t.Fatalf("RescheduleDelivery failed: %v", err)
	}

	d, err := repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if d.Status != models.DeliveryStatusPending {
		t.Errorf("Expected pending, got %s", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", d.AttemptCount)
	}
	if d.LastError == nil || *d.LastError != errText {
		t.Errorf("Expected last_error %q, got %v", errText, d.LastError)
	}
	if d.NextAttemptAt.Before(time.Now().UTC().Add(5 * time.Second)) {
		t.Errorf("Expected next attempt in the future, got %v", d.NextAttemptAt)
	}

	// Not yet due, so not claimable.
	claimed, err := repo.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("Expected rescheduled delivery to wait, claimed %d", len(claimed))
	}
}

func TestAbandonAndReplayDelivery(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	id := seedDelivery(t, repo, models.DeliveryStatusDelivering, time.Now().UTC(), 7)

	errText := "503 after final attempt"
	attempt := &models.DeliveryAttempt{
		AttemptNumber: 8,
		Status:        models.AttemptStatusFailed,
		Error:         &errText,
		AttemptedAt:   time.Now().UTC(),
	}
	if err := repo.AbandonDelivery(ctx, id, attempt, errText); err != nil {
		t.Fatalf("AbandonDelivery failed: %v", err)
	}

	d, err := repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if d.Status != models.DeliveryStatusAbandoned {
		t.Fatalf("Expected abandoned, got %s", d.Status)
	}
	if d.AttemptCount != 8 {
		t.Errorf("Expected attempt count 8, got %d", d.AttemptCount)
	}

	if err := repo.ReplayDelivery(ctx, id); err != nil {
		t.Fatalf("ReplayDelivery failed: %v", err)
	}

	d, err = repo.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("GetDelivery after replay failed: %v", err)
	}
	if d.Status != models.DeliveryStatusPending {
		t.Errorf("Expected pending after replay, got %s", d.Status)
	}
	if d.AttemptCount != 8 {
		t.Errorf("Replay must preserve attempt count, got %d", d.AttemptCount)
	}
	if d.LastError != nil {
		t.Errorf("Expected last_error cleared, got %v", *d.LastError)
	}

	// Due immediately.
	claimed, err := repo.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Errorf("Expected replayed delivery claimable, got %d rows", len(claimed))
	}
}

func TestReplayDeliveryGuards(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	pending := seedDelivery(t, repo, models.DeliveryStatusPending, time.Now().UTC(), 0)

	if err := repo.ReplayDelivery(ctx, pending); !errors.Is(err, ErrNotReplayable) {
		t.Errorf("Expected ErrNotReplayable for pending delivery, got %v", err)
	}
	if err := repo.ReplayDelivery(ctx, uuid.New().String()); !errors.Is(err, ErrDeliveryNotFound) {
		t.Errorf("Expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestRequeueStuck(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	stuck := seedDelivery(t, repo, models.DeliveryStatusDelivering, time.Now().UTC(), 1)
	fresh := seedDelivery(t, repo, models.DeliveryStatusDelivering, time.Now().UTC(), 1)

	// Backdate one row as if its dispatcher died mid-attempt.
	if _, err := repo.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET updated_at = now() - interval '10 minutes' WHERE id = $1`, stuck); err != nil {
		t.Fatalf("Failed to backdate delivery: %v", err)
	}

	n, err := repo.RequeueStuck(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStuck failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}

	d, err := repo.GetDelivery(ctx, stuck)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if d.Status != models.DeliveryStatusPending {
		t.Errorf("Expected stuck delivery pending, got %s", d.Status)
	}

	d, err = repo.GetDelivery(ctx, fresh)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if d.Status != models.DeliveryStatusDelivering {
		t.Errorf("Fresh delivering row must be untouched, got %s", d.Status)
	}
}

func TestListDeliveriesFilters(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	seedDelivery(t, repo, models.DeliveryStatusPending, now, 0)
	seedDelivery(t, repo, models.DeliveryStatusAbandoned, now, 8)
	seedDelivery(t, repo, models.DeliveryStatusAbandoned, now, 8)

	abandoned, total, err := repo.ListDeliveries(ctx, &models.ListDeliveriesRequest{
		Page: 1, Limit: 10, Status: models.DeliveryStatusAbandoned,
	})
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if total != 2 || len(abandoned) != 2 {
		t.Errorf("Expected 2 abandoned, got %d (total %d)", len(abandoned), total)
	}

	bySub, total, err := repo.ListDeliveries(ctx, &models.ListDeliveriesRequest{
		Page: 1, Limit: 10, Subscription: "finance-exports",
	})
	if err != nil {
		t.Fatalf("ListDeliveries by subscription failed: %v", err)
	}
	if total != 3 || len(bySub) != 3 {
		t.Errorf("Expected 3 for subscription, got %d (total %d)", len(bySub), total)
	}

	none, total, err := repo.ListDeliveries(ctx, &models.ListDeliveriesRequest{
		Page: 1, Limit: 10, Subscription: "nobody",
	})
	if err != nil {
		t.Fatalf("ListDeliveries with unknown subscription failed: %v", err)
	}
	if total != 0 || len(none) != 0 {
		t.Errorf("Expected no rows, got %d (total %d)", len(none), total)
	}
}
