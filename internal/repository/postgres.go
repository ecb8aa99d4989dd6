package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batchline-systems/batchline/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Connection pool configuration
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// CreateRawFileWithPublish inserts the raw file row and runs publish before
// committing. ON CONFLICT DO NOTHING folds a concurrent or repeated ingestion
// of the same checksum into ErrDuplicateFile without publishing anything.
func (r *PostgresRepository) CreateRawFileWithPublish(ctx context.Context, f *models.RawFile, publish func(context.Context) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO raw_files (id, checksum, storage_key, source_filename, payload_type, size_bytes, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (checksum) DO NOTHING
		RETURNING id
	`

	var inserted string
	err = tx.QueryRow(ctx, query,
		f.ID, f.Checksum, f.StorageKey, f.SourceFilename,
		f.PayloadType, f.SizeBytes, f.Status, f.ReceivedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateFile
	}
	if err != nil {
		return fmt.Errorf("failed to insert raw file: %w", err)
	}

	if err := publish(ctx); err != nil {
		// Rollback via defer: no row without a published event
		return fmt.Errorf("publish before commit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit raw file: %w", err)
	}
	return nil
}

// GetRawFileByChecksum retrieves a raw file by its checksum
func (r *PostgresRepository) GetRawFileByChecksum(ctx context.Context, checksum string) (*models.RawFile, error) {
	query := `
		SELECT id, checksum, storage_key, source_filename, payload_type, size_bytes, status, received_at, updated_at
		FROM raw_files
		WHERE checksum = $1
	`

	f := &models.RawFile{}
	err := r.pool.QueryRow(ctx, query, checksum).Scan(
		&f.ID, &f.Checksum, &f.StorageKey, &f.SourceFilename,
		&f.PayloadType, &f.SizeBytes, &f.Status, &f.ReceivedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get raw file: %w", err)
	}

	return f, nil
}

// SetRawFileStatus updates the lifecycle status of a raw file
func (r *PostgresRepository) SetRawFileStatus(ctx context.Context, checksum, status string) error {
	query := `
		UPDATE raw_files
		SET status = $1, updated_at = $2
		WHERE checksum = $3
	`

	result, err := r.pool.Exec(ctx, query, status, time.Now(), checksum)
	if err != nil {
		return fmt.Errorf("failed to update raw file status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrFileNotFound
	}

	return nil
}

// ListRawFiles retrieves a paginated list of raw files
func (r *PostgresRepository) ListRawFiles(ctx context.Context, req *models.ListFilesRequest) ([]*models.RawFile, int, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if req.Status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, req.Status)
		argPos++
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM raw_files %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count raw files: %w", err)
	}

	offset := (req.Page - 1) * req.Limit
	args = append(args, req.Limit, offset)

	query := fmt.Sprintf(`
		SELECT id, checksum, storage_key, source_filename, payload_type, size_bytes, status, received_at, updated_at
		FROM raw_files
		%s
		ORDER BY received_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list raw files: %w", err)
	}
	defer rows.Close()

	files := []*models.RawFile{}
	for rows.Next() {
		f := &models.RawFile{}
		if err := rows.Scan(
			&f.ID, &f.Checksum, &f.StorageKey, &f.SourceFilename,
			&f.PayloadType, &f.SizeBytes, &f.Status, &f.ReceivedAt, &f.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan raw file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("row iteration error: %w", err)
	}

	return files, total, nil
}

// CreateJob inserts a new pending ingest job row
func (r *PostgresRepository) CreateJob(ctx context.Context, job *models.IngestJob) error {
	query := `
		INSERT INTO ingest_jobs (id, file_checksum, storage_key, payload_type, outcome, record_count, error_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.FileChecksum, job.StorageKey, job.PayloadType,
		job.Outcome, job.RecordCount, job.ErrorCount, job.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ingest job: %w", err)
	}

	return nil
}

// FinishJob records the durable outcome of a job
func (r *PostgresRepository) FinishJob(ctx context.Context, id, outcome string, recordCount, errorCount int, errorDetail *string) error {
	query := `
		UPDATE ingest_jobs
		SET outcome = $1, record_count = $2, error_count = $3, error_detail = $4, finished_at = $5
		WHERE id = $6
	`

	result, err := r.pool.Exec(ctx, query, outcome, recordCount, errorCount, errorDetail, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish ingest job: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

// GetJob retrieves an ingest job by ID
func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*models.IngestJob, error) {
	query := `
		SELECT id, file_checksum, storage_key, payload_type, outcome, record_count, error_count, error_detail, started_at, finished_at
		FROM ingest_jobs
		WHERE id = $1
	`

	job := &models.IngestJob{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.FileChecksum, &job.StorageKey, &job.PayloadType,
		&job.Outcome, &job.RecordCount, &job.ErrorCount, &job.ErrorDetail,
		&job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get ingest job: %w", err)
	}

	return job, nil
}

// ListJobs retrieves a paginated list of ingest jobs
func (r *PostgresRepository) ListJobs(ctx context.Context, req *models.ListJobsRequest) ([]*models.IngestJob, int, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if req.Outcome != "" {
		whereClause += fmt.Sprintf(" AND outcome = $%d", argPos)
		args = append(args, req.Outcome)
		argPos++
	}
	if req.PayloadType != "" {
		whereClause += fmt.Sprintf(" AND payload_type = $%d", argPos)
		args = append(args, req.PayloadType)
		argPos++
	}
	if req.Checksum != "" {
		whereClause += fmt.Sprintf(" AND file_checksum = $%d", argPos)
		args = append(args, req.Checksum)
		argPos++
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM ingest_jobs %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ingest jobs: %w", err)
	}

	offset := (req.Page - 1) * req.Limit
	args = append(args, req.Limit, offset)

	query := fmt.Sprintf(`
		SELECT id, file_checksum, storage_key, payload_type, outcome, record_count, error_count, error_detail, started_at, finished_at
		FROM ingest_jobs
		%s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ingest jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.IngestJob{}
	for rows.Next() {
		job := &models.IngestJob{}
		if err := rows.Scan(
			&job.ID, &job.FileChecksum, &job.StorageKey, &job.PayloadType,
			&job.Outcome, &job.RecordCount, &job.ErrorCount, &job.ErrorDetail,
			&job.StartedAt, &job.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan ingest job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("row iteration error: %w", err)
	}

	return jobs, total, nil
}

// Ping verifies the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
