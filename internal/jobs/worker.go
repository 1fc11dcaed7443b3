package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// DocumentStore is the source of truth for note content
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*types.Document, error)
}

// Embedder computes document vectors for the model currently in use
type Embedder interface {
	Available() bool
	Model() string
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the worker pool
type Config struct {
	Workers        int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		PollInterval:   time.Second,
		AttemptTimeout: 30 * time.Second,
		MaxAttempts:    5,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Backoff is the delay before the next attempt of a job that has failed
// attempts times: min(base * mult^(attempts-1), max)
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(c.BaseBackoff) * math.Pow(c.Multiplier, float64(attempts-1))
	if d > float64(c.MaxBackoff) || math.IsInf(d, 1) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker drains the queue with a fixed-size pool
type Worker struct {
	queue    *Queue
	store    Store
	docs     DocumentStore
	embedder func() Embedder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	pool     *ants.Pool

	inflight sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker creates a worker pool for queue. embedder is consulted per
// dispatch so a reinitialized provider is picked up without a restart.
func NewWorker(queue *Queue, docs DocumentStore, embedder func() Embedder, cfg Config, opts ...WorkerOption) (*Worker, error) {
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	w := &Worker{
		queue:    queue,
		store:    queue.store,
		docs:     docs,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		pool:     pool,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "embedding-worker")
	return w, nil
}

// Start resets jobs abandoned by a previous process and begins dispatching
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("worker already started")
	}

	n, err := w.store.ResetProcessingJobs(ctx, w.now())
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("reset abandoned jobs", "count", n)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx, w.done)
	return nil
}

// Stop ends dispatching, waits for in-flight attempts and releases the pool
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.inflight.Wait()
	w.pool.Release()
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.dispatch(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Notify():
		case <-ticker.C:
		}
	}
}

// RunOnce claims due jobs up to the pool size and waits until they finish.
// It returns the number of jobs attempted.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	n, err := w.dispatch(ctx)
	w.inflight.Wait()
	return n, err
}

// Drain runs attempts until no job is due
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// dispatch claims as many due jobs as there are idle workers
func (w *Worker) dispatch(ctx context.Context) (int, error) {
	emb := w.embedder()
	if emb == nil || !emb.Available() {
		return 0, nil
	}
	free := w.pool.Free()
	if free <= 0 {
		return 0, nil
	}

	claimed, err := w.store.ClaimDueJobs(ctx, w.now(), free)
	if err != nil {
		return 0, err
	}

	for _, job := range claimed {
		job := job
		w.inflight.Add(1)
		err := w.pool.Submit(func() {
			defer w.inflight.Done()
			w.process(ctx, emb, job)
		})
		if err != nil {
			// Left in processing; the next Start resets it
			w.inflight.Done()
			return len(claimed), fmt.Errorf("submit job %d: %w", job.ID, err)
		}
	}
	return len(claimed), nil
}

// process runs one attempt. Attempts are not cancelled by Stop; the
// per-attempt timeout bounds them instead.
func (w *Worker) process(ctx context.Context, emb Embedder, job *storage.Job) {
	ctx = context.WithoutCancel(ctx)
	logger := w.logger.With("job_id", job.ID, "document_id", job.DocumentID)

	doc, err := w.docs.GetDocument(ctx, job.DocumentID)
	if errors.Is(err, types.ErrDocumentNotFound) || errors.Is(err, storage.ErrNotFound) ||
		(err == nil && doc.Status == types.StatusDeleted) {
		if _, err := w.store.CancelJobs(ctx, job.DocumentID); err != nil {
			logger.Error("cancel job of missing document", "error", err)
		}
		return
	}
	if err != nil {
		w.fail(ctx, logger, job, fmt.Errorf("load document: %w", err))
		return
	}

	hash := doc.ContentHash
	if hash == "" {
		hash = types.ComputeContentHash(doc.EmbeddingText())
	}
	if hash != job.ContentHash {
		// The store is ahead of the notification; point the job at what we embed
		if _, _, err := w.store.EnqueueJob(ctx, job.DocumentID, hash, emb.Model(), w.now()); err != nil {
			w.fail(ctx, logger, job, fmt.Errorf("retarget job: %w", err))
			return
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	vector, err := emb.EmbedDocument(attemptCtx, doc.EmbeddingText())
	cancel()
	if err != nil {
		w.fail(ctx, logger, job, err)
		return
	}

	result, err := w.store.CompleteJob(ctx, job.ID, &storage.Embedding{
		ModelName:   emb.Model(),
		Vector:      vector,
		ContentHash: hash,
	}, w.now())
	if err != nil {
		w.fail(ctx, logger, job, fmt.Errorf("store embedding: %w", err))
		return
	}

	switch result {
	case storage.CompleteApplied:
		logger.Debug("embedding stored", "model", emb.Model(), "dims", len(vector))
	case storage.CompleteRequeued:
		logger.Debug("content changed during attempt, requeued")
		w.queue.signal()
	case storage.CompleteDropped:
		logger.Debug("document removed during attempt, embedding discarded")
	}
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *storage.Job, cause error) {
	cause = fmt.Errorf("%w: %v", ErrJobProcessing, cause)
	now := w.now()
	next := now.Add(w.cfg.Backoff(job.Attempts + 1))

	updated, err := w.store.FailJob(ctx, job.ID, cause.Error(), w.cfg.MaxAttempts, next, now)
	if err != nil {
		logger.Error("record job failure", "error", err, "cause", cause)
		return
	}
	if updated.Status == storage.JobFailed {
		logger.Warn("embedding job failed permanently", "attempts", updated.Attempts, "error", cause)
		return
	}
	logger.Debug("embedding attempt failed", "attempts", updated.Attempts, "next_attempt_at", next, "error", cause)
}
