// Package keyword implements BM25 full-text retrieval over the SQLite FTS5
// index, including snippet generation and self-healing after corruption.
package keyword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/notesearch/internal/query"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

var (
	// ErrIndexUnavailable means the FTS index failed its integrity check and
	// is being rebuilt. Callers degrade to an empty keyword result.
	ErrIndexUnavailable = errors.New("keyword index unavailable")
	// ErrRebuildInProgress is returned by Rebuild while another rebuild runs
	ErrRebuildInProgress = errors.New("keyword index rebuild already in progress")
)

// DefaultSnippetChars bounds snippet length in runes
const DefaultSnippetChars = 200

// Store is the slice of storage the keyword index needs
type Store interface {
	UpsertDocument(ctx context.Context, doc *types.Document) error
	DeleteDocument(ctx context.Context, id string) (bool, error)
	SearchKeyword(ctx context.Context, expression string, limit int, weights storage.BM25Weights, filters types.Filters) ([]storage.KeywordRow, error)
	SuggestTitles(ctx context.Context, expression string, limit int) ([]storage.Suggestion, error)
	CheckKeywordIntegrity(ctx context.Context) error
	RebuildKeywordIndex(ctx context.Context) error
}

// Hit is one keyword match
type Hit struct {
	DocumentID string
	Title      string
	Score      float64 // BM25, higher is better
	Snippet    string
}

// Index is the keyword retrieval component
type Index struct {
	store        Store
	weights      storage.BM25Weights
	snippetChars int
	rebuildTTL   time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	logger       *slog.Logger

	unhealthy atomic.Bool
	lock      rebuildLock
	wg        sync.WaitGroup

	// Failed background rebuilds in a row, and the earliest time (unix
	// nanos) the next one may start
	rebuildFailures atomic.Int32
	nextRebuild     atomic.Int64
	rebuildAttempts atomic.Int64
}

// Option configures an Index
type Option func(*Index)

// WithWeights overrides the BM25 column weights
func WithWeights(w storage.BM25Weights) Option {
	return func(idx *Index) {
		idx.weights = w
	}
}

// WithSnippetChars sets the maximum snippet length in runes
func WithSnippetChars(n int) Option {
	return func(idx *Index) {
		if n > 0 {
			idx.snippetChars = n
		}
	}
}

// WithRebuildTimeout bounds a background rebuild
func WithRebuildTimeout(d time.Duration) Option {
	return func(idx *Index) {
		if d > 0 {
			idx.rebuildTTL = d
		}
	}
}

// WithRebuildRetry sets the backoff between background rebuilds after one
// fails. The delay doubles per failure from base up to maxDelay.
func WithRebuildRetry(base, maxDelay time.Duration) Option {
	return func(idx *Index) {
		if base >= 0 && maxDelay >= base {
			idx.retryBase = base
			idx.retryMax = maxDelay
		}
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(idx *Index) {
		if logger == nil {
			logger = slog.Default()
		}
		idx.logger = logger
	}
}

// New creates a keyword index over store
func New(store Store, opts ...Option) *Index {
	idx := &Index{
		store:        store,
		weights:      storage.DefaultBM25Weights(),
		snippetChars: DefaultSnippetChars,
		rebuildTTL:   5 * time.Minute,
		retryBase:    time.Second,
		retryMax:     time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.With("component", "keyword")
	return idx
}

// Available reports whether searches are currently served
func (idx *Index) Available() bool {
	return !idx.unhealthy.Load() && !idx.lock.Held()
}

// Index adds or replaces doc. A deleted document is removed instead.
func (idx *Index) Index(ctx context.Context, doc *types.Document) error {
	if doc.Status == types.StatusDeleted {
		return idx.Remove(ctx, doc.ID)
	}
	if err := idx.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Remove deletes the document's keyword entry and derived rows
func (idx *Index) Remove(ctx context.Context, id string) error {
	if _, err := idx.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("remove document %s: %w", id, err)
	}
	return nil
}

// Search returns up to limit BM25-ranked hits for q. An empty query yields no
// hits and no error.
func (idx *Index) Search(ctx context.Context, q query.Query, limit int, filters types.Filters) ([]Hit, error) {
	if q.Empty || limit <= 0 {
		return []Hit{}, nil
	}
	if !idx.Available() {
		idx.retryRebuild()
		return nil, ErrIndexUnavailable
	}

	rows, err := idx.store.SearchKeyword(ctx, q.Expression, limit, idx.weights, filters)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, idx.handleQueryError(ctx, err)
	}

	terms := q.HighlightTerms()
	hits := make([]Hit, len(rows))
	for i, row := range rows {
		text := row.Body
		if text == "" {
			text = row.Title
		}
		hits[i] = Hit{
			DocumentID: row.DocumentID,
			Title:      row.Title,
			Score:      row.Score,
			Snippet:    Snippet(text, terms, idx.snippetChars),
		}
	}
	return hits, nil
}

// handleQueryError separates a corrupt index from an ordinary query failure
func (idx *Index) handleQueryError(ctx context.Context, queryErr error) error {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := idx.store.CheckKeywordIntegrity(checkCtx); err != nil {
		if idx.unhealthy.CompareAndSwap(false, true) {
			idx.logger.Error("keyword index failed integrity check, scheduling rebuild",
				"query_error", queryErr, "error", err)
		}
		idx.scheduleRebuild()
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, queryErr)
	}
	return fmt.Errorf("keyword search: %w", queryErr)
}

// retryRebuild starts another background rebuild for an unhealthy index
// once the backoff after the last failed one has passed
func (idx *Index) retryRebuild() {
	if !idx.unhealthy.Load() || idx.lock.Held() {
		return
	}
	if time.Now().UnixNano() < idx.nextRebuild.Load() {
		return
	}
	idx.scheduleRebuild()
}

// scheduleRebuild starts at most one background rebuild
func (idx *Index) scheduleRebuild() {
	if !idx.lock.TryAcquire() {
		return
	}
	idx.rebuildAttempts.Add(1)
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		defer idx.lock.Release()

		ctx, cancel := context.WithTimeout(context.Background(), idx.rebuildTTL)
		defer cancel()
		if err := idx.rebuildLocked(ctx); err != nil {
			delay := idx.rebuildBackoff(idx.rebuildFailures.Add(1))
			idx.nextRebuild.Store(time.Now().Add(delay).UnixNano())
			idx.logger.Error("keyword index rebuild failed", "error", err, "retry_in", delay)
		}
	}()
}

func (idx *Index) rebuildBackoff(failures int32) time.Duration {
	d := idx.retryBase
	for i := int32(1); i < failures && d < idx.retryMax; i++ {
		d *= 2
	}
	return min(d, idx.retryMax)
}

// RebuildAttempts counts background rebuilds started since creation
func (idx *Index) RebuildAttempts() int64 {
	return idx.rebuildAttempts.Load()
}

// Rebuild reconstructs the FTS index from the projection table
func (idx *Index) Rebuild(ctx context.Context) error {
	if !idx.lock.TryAcquire() {
		return ErrRebuildInProgress
	}
	defer idx.lock.Release()
	return idx.rebuildLocked(ctx)
}

func (idx *Index) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	if err := idx.store.RebuildKeywordIndex(ctx); err != nil {
		return err
	}
	if err := idx.store.CheckKeywordIntegrity(ctx); err != nil {
		return err
	}
	idx.unhealthy.Store(false)
	idx.rebuildFailures.Store(0)
	idx.nextRebuild.Store(0)
	idx.logger.Info("keyword index rebuilt", "duration", time.Since(start))
	return nil
}

// CheckIntegrity runs the FTS integrity check and records the outcome
func (idx *Index) CheckIntegrity(ctx context.Context) error {
	if err := idx.store.CheckKeywordIntegrity(ctx); err != nil {
		idx.unhealthy.Store(true)
		return err
	}
	idx.unhealthy.Store(false)
	return nil
}

// Suggest returns title completions for a partially typed prefix
func (idx *Index) Suggest(ctx context.Context, prefix string, limit int) ([]storage.Suggestion, error) {
	q := query.Parse(prefix)
	if q.Empty || limit <= 0 {
		return []storage.Suggestion{}, nil
	}
	if !idx.Available() {
		idx.retryRebuild()
		return nil, ErrIndexUnavailable
	}
	out, err := idx.store.SuggestTitles(ctx, q.Expression, limit)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	return out, nil
}

// Wait blocks until a background rebuild, if any, has finished
func (idx *Index) Wait() {
	idx.wg.Wait()
}
