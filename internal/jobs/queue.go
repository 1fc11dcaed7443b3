// Package jobs keeps stored embeddings consistent with the document store.
// Change notifications become rows in the embedding_jobs table; a fixed-size
// worker pool claims due rows, embeds the current note content and applies
// the result only if the note did not change in the meantime.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/notesearch/internal/storage"
)

// ErrJobProcessing marks a failed embedding attempt. The job is retried with
// backoff until it reaches the attempt cap.
var ErrJobProcessing = errors.New("embedding job failed")

// Store is the slice of storage the queue and workers need
type Store interface {
	EnqueueJob(ctx context.Context, documentID, contentHash, model string, now time.Time) (*storage.Job, storage.EnqueueResult, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*storage.Job, error)
	CompleteJob(ctx context.Context, jobID int64, e *storage.Embedding, now time.Time) (storage.CompleteResult, error)
	FailJob(ctx context.Context, jobID int64, cause string, maxAttempts int, nextAttempt, now time.Time) (*storage.Job, error)
	ResetProcessingJobs(ctx context.Context, now time.Time) (int64, error)
	CancelJobs(ctx context.Context, documentID string) (int64, error)
	CurrentJob(ctx context.Context, documentID string) (*storage.Job, error)
	ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error)
	CountJobs(ctx context.Context) (map[storage.JobStatus]int, error)
	RetryFailedJob(ctx context.Context, documentID string, now time.Time) (*storage.Job, error)
}

// Queue is the durable embedding work queue
type Queue struct {
	store  Store
	model  func() string
	now    func() time.Time
	notify chan struct{}
}

// NewQueue creates a queue. model reports the embedding model currently in
// use; enqueue is a no-op when that model already has the content.
func NewQueue(store Store, model func() string) *Queue {
	if model == nil {
		model = func() string { return "" }
	}
	return &Queue{
		store:  store,
		model:  model,
		now:    func() time.Time { return time.Now().UTC() },
		notify: make(chan struct{}, 1),
	}
}

// Notify fires after new work was queued
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Kick wakes the dispatcher, e.g. after the embedder became available
func (q *Queue) Kick() {
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue schedules (re)embedding of documentID at contentHash. created is
// false when nothing new was scheduled: the same content is already queued,
// already embedded, or already failed.
func (q *Queue) Enqueue(ctx context.Context, documentID, contentHash string) (*storage.Job, bool, error) {
	job, result, err := q.store.EnqueueJob(ctx, documentID, contentHash, q.model(), q.now())
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", documentID, err)
	}
	if result == storage.EnqueueSkipped {
		return job, false, nil
	}
	q.signal()
	return job, true, nil
}

// Cancel removes every job of documentID
func (q *Queue) Cancel(ctx context.Context, documentID string) (int64, error) {
	n, err := q.store.CancelJobs(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("cancel %s: %w", documentID, err)
	}
	return n, nil
}

// Status returns the active job of documentID, or its most recent one.
// storage.ErrNotFound means the document never had a job.
func (q *Queue) Status(ctx context.Context, documentID string) (*storage.Job, error) {
	return q.store.CurrentJob(ctx, documentID)
}

// List returns jobs in status (all when empty), most recently updated first
func (q *Queue) List(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	return q.store.ListJobs(ctx, status, limit)
}

// Counts returns the number of jobs per status
func (q *Queue) Counts(ctx context.Context) (map[storage.JobStatus]int, error) {
	return q.store.CountJobs(ctx)
}

// RetryFailed schedules a fresh attempt for a document whose last job failed
func (q *Queue) RetryFailed(ctx context.Context, documentID string) (*storage.Job, error) {
	job, err := q.store.RetryFailedJob(ctx, documentID, q.now())
	if err != nil {
		return nil, err
	}
	q.signal()
	return job, nil
}
