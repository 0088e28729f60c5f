// Package queue implements the Job Queue: enqueue, atomic lease, heartbeat,
// complete, fail, release-expired, list, stats, and cleanup operations over
// scrape_job rows. Every operation is a single transaction; Postgres'
// `SELECT ... FOR UPDATE SKIP LOCKED` gives concurrent lease callers
// disjoint candidates without serializing on each other, following the
// claim-transaction shape of a frontier-table repository: select-and-lock,
// then update, all inside one tx.
package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"

	"github.com/ternarydocs/raito-crawl/internal/model"
)

const (
	defaultPriority        = 5
	defaultLockTimeoutSecs = 3600
	maxRetryAttempts       = 3
	retryBackoffBase       = 50 * time.Millisecond
)

// Queue operates on the scrape_jobs table over a shared, pooled *sql.DB.
type Queue struct {
	DB *sql.DB
}

// New constructs a Queue over an already-configured *sql.DB.
func New(db *sql.DB) *Queue {
	return &Queue{DB: db}
}

// Filter narrows List results; zero-value fields are unfiltered.
type Filter struct {
	SourceID string
	Status   model.JobStatus
}

// Stats summarizes queue depth by status.
type Stats struct {
	Pending       int
	InProgress    int
	Completed     int
	Failed        int
	Cancelled     int
	ActiveWorkers []string
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// withRetry runs fn, retrying transient Postgres errors with a small
// linear backoff before surfacing a TransientStoreError.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoffBase * time.Duration(attempt)):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return &TransientStoreError{Message: op, Cause: lastErr}
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Enqueue persists a new pending Job for source, failing with
// ValidationError{CodeSourceNotFound} if the source is absent or
// ConflictError{CodeDuplicateJob} if a non-terminal job already exists.
func (q *Queue) Enqueue(ctx context.Context, sourceID string, params model.JobParams, priority, lockTimeoutSecs int) (string, error) {
	if priority <= 0 {
		priority = defaultPriority
	}
	if lockTimeoutSecs <= 0 {
		lockTimeoutSecs = defaultLockTimeoutSecs
	}
	params.Priority = priority

	var jobID string
	err := withRetry(ctx, "enqueue", func() error {
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sources WHERE id = $1)`, sourceID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return newValidation(CodeSourceNotFound, fmt.Sprintf("source %s not found", sourceID))
		}

		var existingJobID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM scrape_jobs
			WHERE source_id = $1 AND status IN ('pending', 'in_progress')
			LIMIT 1`, sourceID).Scan(&existingJobID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if existingJobID != "" {
			return newConflict(CodeDuplicateJob, "a non-terminal job already exists for this source", existingJobID)
		}

		jobData, err := model.MarshalJobData(params)
		if err != nil {
			return fmt.Errorf("marshal job params: %w", err)
		}

		id := newJobID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scrape_jobs (id, source_id, status, job_data, lock_timeout_seconds)
			VALUES ($1, $2, 'pending', $3, $4)`,
			id, sourceID, jobData, lockTimeoutSecs)
		if err != nil {
			return err
		}

		jobID = id
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// Lease atomically claims the highest-priority pending job, ordered by
// (priority ASC, created_at ASC), using SKIP LOCKED so concurrent lease
// calls never block on each other's candidate row. Returns (nil, nil) when
// no pending job is available.
func (q *Queue) Lease(ctx context.Context, workerID string) (*model.Job, error) {
	var job *model.Job
	err := withRetry(ctx, "lease", func() error {
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT id, source_id, job_data, lock_timeout_seconds, created_at
			FROM scrape_jobs
			WHERE status = 'pending'
			ORDER BY (job_data->>'priority')::int ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)

		var id, sourceID string
		var jobData []byte
		var lockTimeout int
		var createdAt time.Time
		err = row.Scan(&id, &sourceID, &jobData, &lockTimeout, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		params, err := model.UnmarshalJobData(jobData)
		if err != nil {
			return fmt.Errorf("unmarshal job params: %w", err)
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE scrape_jobs
			SET status = 'in_progress', locked_by = $1, locked_at = $2, started_at = $2
			WHERE id = $3`, workerID, now, id)
		if err != nil {
			return err
		}

		job = &model.Job{
			ID:              id,
			SourceID:        sourceID,
			Status:          model.JobInProgress,
			JobData:         params,
			LockedBy:        &workerID,
			LockedAt:        &now,
			LockTimeoutSecs: lockTimeout,
			CreatedAt:       createdAt,
			StartedAt:       &now,
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes a leased job's locked_at, failing with
// ConflictError{CodeNotOwner} if workerID doesn't hold the lock or the job
// isn't in_progress.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return withRetry(ctx, "heartbeat", func() error {
		res, err := q.DB.ExecContext(ctx, `
			UPDATE scrape_jobs SET locked_at = now()
			WHERE id = $1 AND locked_by = $2 AND status = 'in_progress'`, jobID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return q.notOwnerOrNotFound(ctx, jobID, workerID)
		}
		return nil
	})
}

// Complete marks a leased job completed, requiring ownership.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result model.ResultData) error {
	return withRetry(ctx, "complete", func() error {
		resultData, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result data: %w", err)
		}
		res, err := q.DB.ExecContext(ctx, `
			UPDATE scrape_jobs
			SET status = 'completed', completed_at = now(), pages_scraped = $1,
				result_data = $2, locked_by = NULL, locked_at = NULL
			WHERE id = $3 AND locked_by = $4 AND status = 'in_progress'`,
			result.PagesScraped, resultData, jobID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return q.notOwnerOrNotFound(ctx, jobID, workerID)
		}
		return nil
	})
}

// Fail marks a leased job failed. Ownership is required unless the job's
// lock has already expired, in which case any worker may fail it.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, errMessage string) error {
	return withRetry(ctx, "fail", func() error {
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var lockedBy sql.NullString
		var lockedAt sql.NullTime
		var lockTimeout int
		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT locked_by, locked_at, lock_timeout_seconds, status
			FROM scrape_jobs WHERE id = $1 FOR UPDATE`, jobID).
			Scan(&lockedBy, &lockedAt, &lockTimeout, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return newValidation(CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
		}
		if err != nil {
			return err
		}

		if status != "in_progress" {
			return newConflict(CodeNotOwner, "job is not in_progress", "")
		}

		owns := lockedBy.Valid && lockedBy.String == workerID
		expired := lockedAt.Valid && model.Job{LockedAt: &lockedAt.Time, LockTimeoutSecs: lockTimeout}.IsLockExpired(time.Now())
		if !owns && !expired {
			return newConflict(CodeNotOwner, fmt.Sprintf("job %s is owned by a different worker", jobID), "")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE scrape_jobs
			SET status = 'failed', completed_at = now(), error_message = $1,
				locked_by = NULL, locked_at = NULL
			WHERE id = $2`, errMessage, jobID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (q *Queue) notOwnerOrNotFound(ctx context.Context, jobID, workerID string) error {
	var exists bool
	if err := q.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scrape_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return newValidation(CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return newConflict(CodeNotOwner, fmt.Sprintf("worker %s does not hold the lock for job %s", workerID, jobID), "")
}

// ReleaseExpired reverts any in_progress job whose lock has exceeded
// max(maxAgeMinutes, lock_timeout_seconds) back to pending, clearing lock
// fields and started_at. Returns the count reverted. Idempotent: calling
// it again immediately is a no-op.
func (q *Queue) ReleaseExpired(ctx context.Context, maxAgeMinutes int) (int, error) {
	var n int
	err := withRetry(ctx, "release_expired", func() error {
		res, err := q.DB.ExecContext(ctx, `
			UPDATE scrape_jobs
			SET status = 'pending', locked_by = NULL, locked_at = NULL, started_at = NULL
			WHERE status = 'in_progress'
			AND now() - locked_at > (GREATEST($1::int, lock_timeout_seconds) * INTERVAL '1 second')`,
			maxAgeMinutes*60)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		n = int(affected)
		return nil
	})
	return n, err
}

// List returns jobs matching filter, most recently created first, capped
// at limit (0 means unlimited).
func (q *Queue) List(ctx context.Context, filter Filter, limit int) ([]model.Job, error) {
	query := `SELECT id, source_id, status, job_data, locked_by, locked_at, lock_timeout_seconds,
		created_at, started_at, completed_at, pages_scraped, error_message, result_data
		FROM scrape_jobs WHERE 1=1`
	var args []any
	n := 0
	if filter.SourceID != "" {
		n++
		query += fmt.Sprintf(" AND source_id = $%d", n)
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row interface{ Scan(dest ...any) error }) (model.Job, error) {
	var j model.Job
	var status string
	var jobData []byte
	var resultData pqtype.NullRawMessage
	var lockedBy, errMsg sql.NullString
	var lockedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.SourceID, &status, &jobData, &lockedBy, &lockedAt, &j.LockTimeoutSecs,
		&j.CreatedAt, &startedAt, &completedAt, &j.PagesScraped, &errMsg, &resultData)
	if err != nil {
		return model.Job{}, err
	}

	j.Status = model.JobStatus(status)
	if lockedBy.Valid {
		j.LockedBy = &lockedBy.String
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	params, err := model.UnmarshalJobData(jobData)
	if err != nil {
		return model.Job{}, fmt.Errorf("unmarshal job data: %w", err)
	}
	j.JobData = params
	if resultData.Valid {
		var rd model.ResultData
		if err := json.Unmarshal(resultData.RawMessage, &rd); err != nil {
			return model.Job{}, fmt.Errorf("unmarshal result data: %w", err)
		}
		j.ResultData = &rd
	}
	return j, nil
}

// GetStats reports queue depth by status and the set of workers currently
// holding a lock.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.DB.QueryContext(ctx, `SELECT status, count(*) FROM scrape_jobs GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return s, fmt.Errorf("scan stats row: %w", err)
		}
		switch model.JobStatus(status) {
		case model.JobPending:
			s.Pending = n
		case model.JobInProgress:
			s.InProgress = n
		case model.JobCompleted:
			s.Completed = n
		case model.JobFailed:
			s.Failed = n
		case model.JobCancelled:
			s.Cancelled = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}

	workerRows, err := q.DB.QueryContext(ctx, `
		SELECT DISTINCT locked_by FROM scrape_jobs
		WHERE status = 'in_progress' AND locked_by IS NOT NULL`)
	if err != nil {
		return s, fmt.Errorf("active workers: %w", err)
	}
	defer workerRows.Close()
	for workerRows.Next() {
		var w string
		if err := workerRows.Scan(&w); err != nil {
			return s, fmt.Errorf("scan worker id: %w", err)
		}
		s.ActiveWorkers = append(s.ActiveWorkers, w)
	}
	return s, workerRows.Err()
}

// CleanupCompleted deletes completed/failed/cancelled jobs older than
// olderThanDays, returning the count removed.
func (q *Queue) CleanupCompleted(ctx context.Context, olderThanDays int) (int, error) {
	res, err := q.DB.ExecContext(ctx, `
		DELETE FROM scrape_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND completed_at < now() - ($1 * INTERVAL '1 day')`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CancelJob sets a job's status to failed with a cancellation message.
// The owner-check is waived: any caller may cancel a pending or
// in_progress job. A terminal or unknown job yields
// ValidationError{CodeJobNotFound}.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	res, err := q.DB.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'failed', completed_at = now(), error_message = 'cancelled',
			locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status IN ('pending', 'in_progress')`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return newValidation(CodeJobNotFound, fmt.Sprintf("job %s not found or already terminal", jobID))
	}
	return nil
}

// GetJob fetches a single job by ID. The returned Job carries LockedAt and
// LockTimeoutSecs, from which callers compute IsLockExpired for status
// responses.
func (q *Queue) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	row := q.DB.QueryRowContext(ctx, `
		SELECT id, source_id, status, job_data, locked_by, locked_at, lock_timeout_seconds,
			created_at, started_at, completed_at, pages_scraped, error_message, result_data
		FROM scrape_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, newValidation(CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}
