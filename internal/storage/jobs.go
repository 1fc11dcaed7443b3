package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Embedding job operations

const jobColumns = `id, document_id, content_hash, status, attempts, last_error, enqueued_at, updated_at, next_attempt_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*Job, error) {
	var job Job
	var status string
	var lastError sql.NullString
	var enqueuedAt, updatedAt, nextAttemptAt int64
	if err := r.Scan(&job.ID, &job.DocumentID, &job.ContentHash, &status, &job.Attempts,
		&lastError, &enqueuedAt, &updatedAt, &nextAttemptAt); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.LastError = lastError.String
	job.EnqueuedAt = fromMillis(enqueuedAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.NextAttemptAt = fromMillis(nextAttemptAt)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer func() { _ = rows.Close() }()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func getJobWithQuerier(ctx context.Context, q querier, id int64) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM embedding_jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// activeJobWithQuerier returns the pending or processing job of a document
func activeJobWithQuerier(ctx context.Context, q querier, documentID string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM embedding_jobs WHERE document_id = ? AND status IN ('pending', 'processing')",
		documentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// latestJobWithQuerier returns the most recently enqueued job of a document
func latestJobWithQuerier(ctx context.Context, q querier, documentID string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM embedding_jobs WHERE document_id = ? ORDER BY id DESC LIMIT 1",
		documentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func insertJobWithQuerier(ctx context.Context, q querier, documentID, contentHash string, now time.Time) (*Job, error) {
	ms := toMillis(now)
	result, err := q.ExecContext(ctx, `
		INSERT INTO embedding_jobs (document_id, content_hash, status, attempts, enqueued_at, updated_at, next_attempt_at)
		VALUES (?, ?, 'pending', 0, ?, ?, ?)
	`, documentID, contentHash, ms, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return getJobWithQuerier(ctx, q, id)
}

// EnqueueJob records that documentID needs an embedding of contentHash under
// model. It never creates a second active job for a document.
func (s *SQLiteStorage) EnqueueJob(ctx context.Context, documentID, contentHash, model string, now time.Time) (*Job, EnqueueResult, error) {
	var job *Job
	result := EnqueueSkipped

	err := s.withTx(ctx, func(q querier) error {
		active, err := activeJobWithQuerier(ctx, q, documentID)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("failed to load active job: %w", err)
		}

		if active != nil {
			job = active
			if active.ContentHash == contentHash {
				return nil
			}
			if active.Status == JobPending {
				// Attempts are kept; the count belongs to the job, not the content
				_, err = q.ExecContext(ctx, `
					UPDATE embedding_jobs
					SET content_hash = ?, last_error = NULL, updated_at = ?, next_attempt_at = ?
					WHERE id = ?
				`, contentHash, toMillis(now), toMillis(now), active.ID)
				result = EnqueueSuperseded
			} else {
				// The worker notices the new hash when it completes and re-queues
				_, err = q.ExecContext(ctx,
					"UPDATE embedding_jobs SET content_hash = ?, updated_at = ? WHERE id = ?",
					contentHash, toMillis(now), active.ID)
				result = EnqueueRequeued
			}
			if err != nil {
				return fmt.Errorf("failed to update active job: %w", err)
			}
			job, err = getJobWithQuerier(ctx, q, active.ID)
			return err
		}

		current, err := s.getEmbeddingWithQuerier(ctx, q, documentID, model)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("failed to load embedding: %w", err)
		}
		if current != nil && current.ContentHash == contentHash {
			return nil
		}

		latest, err := latestJobWithQuerier(ctx, q, documentID)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("failed to load latest job: %w", err)
		}
		if latest != nil && latest.Status == JobFailed && latest.ContentHash == contentHash {
			job = latest
			return nil
		}

		job, err = insertJobWithQuerier(ctx, q, documentID, contentHash, now)
		if err != nil {
			return err
		}
		result = EnqueueCreated
		return nil
	})
	if err != nil {
		return nil, EnqueueSkipped, err
	}
	return job, result, nil
}

// ClaimDueJobs moves up to limit due pending jobs to processing and returns
// them oldest-due first
func (s *SQLiteStorage) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE embedding_jobs
		SET status = 'processing', updated_at = ?
		WHERE id IN (
			SELECT id FROM embedding_jobs
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+jobColumns, toMillis(now), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextAttemptAt.Equal(jobs[j].NextAttemptAt) {
			return jobs[i].NextAttemptAt.Before(jobs[j].NextAttemptAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// CompleteJob applies a finished attempt. The embedding is stored only if the
// job is still processing the same content and the document is still indexed.
func (s *SQLiteStorage) CompleteJob(ctx context.Context, jobID int64, e *Embedding, now time.Time) (CompleteResult, error) {
	result := CompleteDropped
	err := s.withTx(ctx, func(q querier) error {
		job, err := getJobWithQuerier(ctx, q, jobID)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job.Status != JobProcessing {
			return nil
		}

		exists, err := documentExists(ctx, q, job.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to check document: %w", err)
		}
		if !exists {
			_, err = q.ExecContext(ctx, "DELETE FROM embedding_jobs WHERE id = ?", jobID)
			return err
		}

		if job.ContentHash != e.ContentHash {
			_, err = q.ExecContext(ctx, `
				UPDATE embedding_jobs
				SET status = 'pending', updated_at = ?, next_attempt_at = ?
				WHERE id = ?
			`, toMillis(now), toMillis(now), jobID)
			if err != nil {
				return fmt.Errorf("failed to requeue job: %w", err)
			}
			result = CompleteRequeued
			return nil
		}

		e.DocumentID = job.DocumentID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if err := s.replaceEmbeddingWithQuerier(ctx, q, e); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			UPDATE embedding_jobs
			SET status = 'complete', last_error = NULL, updated_at = ?
			WHERE id = ?
		`, toMillis(now), jobID)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		result = CompleteApplied
		return nil
	})
	return result, err
}

// FailJob records a failed attempt. The job returns to pending at nextAttempt
// unless attempts reached maxAttempts, in which case it becomes failed.
func (s *SQLiteStorage) FailJob(ctx context.Context, jobID int64, cause string, maxAttempts int, nextAttempt, now time.Time) (*Job, error) {
	var updated *Job
	err := s.withTx(ctx, func(q querier) error {
		job, err := getJobWithQuerier(ctx, q, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobProcessing {
			updated = job
			return nil
		}

		attempts := job.Attempts + 1
		status := JobPending
		if attempts >= maxAttempts {
			status = JobFailed
		}
		_, err = q.ExecContext(ctx, `
			UPDATE embedding_jobs
			SET status = ?, attempts = ?, last_error = ?, updated_at = ?, next_attempt_at = ?
			WHERE id = ?
		`, string(status), attempts, cause, toMillis(now), toMillis(nextAttempt), jobID)
		if err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}
		updated, err = getJobWithQuerier(ctx, q, jobID)
		return err
	})
	return updated, err
}

// ResetProcessingJobs returns jobs abandoned by a crashed worker to pending
func (s *SQLiteStorage) ResetProcessingJobs(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE embedding_jobs
		SET status = 'pending', updated_at = ?, next_attempt_at = ?
		WHERE status = 'processing'
	`, toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing jobs: %w", err)
	}
	return result.RowsAffected()
}

// CancelJobs removes every job of documentID
func (s *SQLiteStorage) CancelJobs(ctx context.Context, documentID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM embedding_jobs WHERE document_id = ?", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return result.RowsAffected()
}

// GetJob returns one job by id
func (s *SQLiteStorage) GetJob(ctx context.Context, id int64) (*Job, error) {
	return getJobWithQuerier(ctx, s.querier(), id)
}

// CurrentJob returns the active job of documentID, or its most recent one
func (s *SQLiteStorage) CurrentJob(ctx context.Context, documentID string) (*Job, error) {
	job, err := activeJobWithQuerier(ctx, s.querier(), documentID)
	if err != ErrNotFound {
		return job, err
	}
	return latestJobWithQuerier(ctx, s.querier(), documentID)
}

// ListJobs returns jobs with status (all when empty), most recent first
func (s *SQLiteStorage) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM embedding_jobs"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs counts jobs by status
func (s *SQLiteStorage) CountJobs(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM embedding_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[JobStatus]int{
		JobPending:    0,
		JobProcessing: 0,
		JobComplete:   0,
		JobFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// RetryFailedJob enqueues a fresh job for the content of documentID's latest
// failed job. An existing active job is returned unchanged.
func (s *SQLiteStorage) RetryFailedJob(ctx context.Context, documentID string, now time.Time) (*Job, error) {
	var job *Job
	err := s.withTx(ctx, func(q querier) error {
		active, err := activeJobWithQuerier(ctx, q, documentID)
		if err == nil {
			job = active
			return nil
		}
		if err != ErrNotFound {
			return err
		}

		latest, err := latestJobWithQuerier(ctx, q, documentID)
		if err != nil {
			return err
		}
		if latest.Status != JobFailed {
			return ErrNotFound
		}
		job, err = insertJobWithQuerier(ctx, q, documentID, latest.ContentHash, now)
		return err
	})
	return job, err
}
