package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imthatdev/swush/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, owner_id, subject_key, driver, is_prefix, status, attempts, error,
	 params, result, next_attempt_at, claimed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, kind string, job *models.Job) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, owner_id, subject_key, driver, is_prefix, status, attempts, params, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, table),
		job.ID, job.OwnerID, job.SubjectKey, job.Driver, job.IsPrefix, job.Status,
		job.Attempts, job.Params, job.NextAttemptAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create %s job: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, kind string, id uuid.UUID) (*models.Job, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`, jobColumns, table), id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s job: %w", kind, err)
	}
	return job, nil
}

func (s *PostgresStore) LatestJobForSubject(ctx context.Context, kind string, ownerID uuid.UUID, subjectKey string, isPrefix bool) (*models.Job, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE owner_id = $1 AND subject_key = $2 AND is_prefix = $3
		 ORDER BY created_at DESC LIMIT 1`, jobColumns, table),
		ownerID, subjectKey, isPrefix)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s job for subject: %w", kind, err)
	}
	return job, nil
}

func (s *PostgresStore) ListQueuedJobs(ctx context.Context, kind string, limit int, now time.Time) ([]*models.Job, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY created_at ASC LIMIT $3`, jobColumns, table),
		models.JobStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued %s jobs: %w", kind, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, kind string, limit, offset int) ([]*models.Job, int, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s jobs: %w", kind, err)
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, jobColumns, table),
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s jobs: %w", kind, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (bool, error) {
	table, err := jobTable(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, error = NULL, claimed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $3`, table),
		id, models.JobStatusProcessing, models.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark %s job processing: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkReady(ctx context.Context, kind string, id uuid.UUID, result json.RawMessage) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, result = $3, error = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1`, table),
		id, models.JobStatusReady, result)
	if err != nil {
		return fmt.Errorf("mark %s job ready: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) MarkRetry(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int, nextAttemptAt time.Time) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, error = $3, attempts = $4, next_attempt_at = $5,
		 claimed_at = NULL, updated_at = NOW() WHERE id = $1`, table),
		id, models.JobStatusQueued, errMsg, attempts, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark %s job for retry: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, error = $3, attempts = $4, claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1`, table),
		id, models.JobStatusFailed, errMsg, attempts)
	if err != nil {
		return fmt.Errorf("mark %s job failed: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) ReactivateJob(ctx context.Context, kind string, id uuid.UUID) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, attempts = 0, error = NULL, next_attempt_at = NOW(),
		 claimed_at = NULL, updated_at = NOW() WHERE id = $1 AND status = $3`, table),
		id, models.JobStatusQueued, models.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("reactivate %s job: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, kind string, lease time.Duration) (int, error) {
	table, err := jobTable(kind)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $1, claimed_at = NULL, updated_at = NOW()
		 WHERE status = $2 AND claimed_at < $3`, table),
		models.JobStatusQueued, models.JobStatusProcessing, time.Now().UTC().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("release stale %s claims: %w", kind, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Uploads ---

func (s *PostgresStore) CreateUpload(ctx context.Context, upload *models.Upload) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, owner_id, stored_name, driver, content_type, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		upload.ID, upload.OwnerID, upload.StoredName, upload.Driver,
		upload.ContentType, upload.SizeBytes, upload.CreatedAt)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUploadsMissingJobs(ctx context.Context, kind string, limit int) ([]*models.Upload, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT u.id, u.owner_id, u.stored_name, u.driver, u.content_type, u.size_bytes, u.created_at
		 FROM uploads u
		 LEFT JOIN %s j ON j.owner_id = u.owner_id AND j.subject_key = u.stored_name AND j.driver = u.driver
		 WHERE j.id IS NULL
		 ORDER BY u.created_at ASC LIMIT $1`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("list uploads missing %s jobs: %w", kind, err)
	}
	defer rows.Close()

	var uploads []*models.Upload
	for rows.Next() {
		var u models.Upload
		if err := rows.Scan(&u.ID, &u.OwnerID, &u.StoredName, &u.Driver,
			&u.ContentType, &u.SizeBytes, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, &u)
	}
	return uploads, rows.Err()
}

// --- scanning helpers ---

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.SubjectKey, &j.Driver, &j.IsPrefix,
		&j.Status, &j.Attempts, &j.Error, &j.Params, &j.Result,
		&j.NextAttemptAt, &j.ClaimedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
