package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/importer"
)

const uniqueViolation = "23505"

const jobColumns = `id, owner, visibility, file, status, total, skipped, imported, failed,
	error_text, submitted_at, started_at, finished_at`

// JobStore persists import jobs in the import_jobs table.
type JobStore struct {
	pool Pool
	now  func() time.Time
}

// NewJobStore constructs a JobStore on an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, now: time.Now}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job importer.Job) error {
	failed, err := marshalFailed(job.Counters.Failed)
	if err != nil {
		return err
	}
	submitted := job.Submitted
	if submitted.IsZero() {
		submitted = s.now().UTC()
	}
	const query = `
INSERT INTO import_jobs (id, owner, visibility, file, status, total, skipped, imported, failed, error_text, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.Owner,
		int16(job.Visibility),
		job.File,
		string(job.Status),
		job.Counters.Total,
		job.Counters.Skipped,
		job.Counters.Imported,
		failed,
		job.ErrorText,
		submitted,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", importer.ErrJobExists, job.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (importer.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.Job{}, fmt.Errorf("%w: %s", importer.ErrJobNotFound, jobID)
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus writes the status and counters. The started and
// finished timestamps are set once, on the first running and terminal
// writes respectively.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status importer.JobStatus,
	errText string,
	counters importer.Counters,
) error {
	failed, err := marshalFailed(counters.Failed)
	if err != nil {
		return err
	}
	const query = `
UPDATE import_jobs SET
	status = $2,
	error_text = $3,
	total = $4,
	skipped = $5,
	imported = $6,
	failed = $7,
	started_at = CASE WHEN $8::boolean THEN COALESCE(started_at, $10) ELSE started_at END,
	finished_at = CASE WHEN $9::boolean THEN COALESCE(finished_at, $10) ELSE finished_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(status),
		errText,
		counters.Total,
		counters.Skipped,
		counters.Imported,
		failed,
		status == importer.JobStatusRunning,
		status.Terminal(),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", importer.ErrJobNotFound, jobID)
	}
	return nil
}

func scanJob(row rowScanner) (importer.Job, error) {
	var (
		job        importer.Job
		visibility int16
		status     string
		failed     []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Owner,
		&visibility,
		&job.File,
		&status,
		&job.Counters.Total,
		&job.Counters.Skipped,
		&job.Counters.Imported,
		&failed,
		&job.ErrorText,
		&job.Submitted,
		&job.Started,
		&job.Finished,
	)
	if err != nil {
		return importer.Job{}, err
	}
	job.Visibility = catalog.Visibility(visibility)
	job.Status = importer.JobStatus(status)
	job.Counters.Failed = []string{}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &job.Counters.Failed); err != nil {
			return importer.Job{}, fmt.Errorf("decode failed urls: %w", err)
		}
	}
	return job, nil
}

func marshalFailed(failed []string) ([]byte, error) {
	if failed == nil {
		failed = []string{}
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return nil, fmt.Errorf("marshal failed urls: %w", err)
	}
	return data, nil
}
