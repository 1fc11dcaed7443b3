// Package engine assembles the search subsystem for one notes collection.
//
// An Engine owns the keyword index, the semantic provider decision, the
// embedding job queue and its workers, the fusion searcher, the shared
// reranker model and the analytics recorder. It is constructed explicitly
// and passed to the surfaces that need it (MCP server, CLI); nothing is
// kept in package-level state.
//
// The document store remains the source of truth. It notifies the engine
// through OnDocumentCreated, OnDocumentUpdated and OnDocumentDeleted, and
// workers read current content back through DocumentStore.GetDocument.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dshills/notesearch/internal/analytics"
	"github.com/dshills/notesearch/internal/embedder"
	"github.com/dshills/notesearch/internal/jobs"
	"github.com/dshills/notesearch/internal/keyword"
	"github.com/dshills/notesearch/internal/reranker"
	"github.com/dshills/notesearch/internal/searcher"
	"github.com/dshills/notesearch/internal/semantic"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// DocumentStore is the external owner of note content
type DocumentStore interface {
	// GetDocument returns types.ErrDocumentNotFound for unknown ids
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	ListDocuments(ctx context.Context) ([]*types.Document, error)
}

// Config groups the per-component settings
type Config struct {
	Search         searcher.Config
	Jobs           jobs.Config
	Rerank         reranker.Config
	Encoder        reranker.EncoderConfig
	Analytics      analytics.Config
	BM25           storage.BM25Weights
	ProbeTimeout   time.Duration
	QueryCacheSize int
}

// DefaultConfig returns the defaults of every component
func DefaultConfig() Config {
	return Config{
		Search:         searcher.DefaultConfig(),
		Jobs:           jobs.DefaultConfig(),
		Rerank:         reranker.DefaultConfig(),
		Encoder:        reranker.EncoderConfig{Provider: reranker.ProviderLexical},
		Analytics:      analytics.DefaultConfig(),
		BM25:           storage.DefaultBM25Weights(),
		ProbeTimeout:   semantic.DefaultProbeTimeout,
		QueryCacheSize: 1000,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmbedder sets the embedding model. Without one semantic search is
// unavailable and hybrid requests run keyword-only.
func WithEmbedder(emb embedder.Embedder) Option {
	return func(e *Engine) {
		e.emb = emb
	}
}

// WithCrossEncoder overrides how the shared reranker model is built
func WithCrossEncoder(init func() (reranker.CrossEncoder, error)) Option {
	return func(e *Engine) {
		e.encoderInit = init
	}
}

// Engine is the hybrid note search service
type Engine struct {
	store     *storage.SQLiteStorage
	docs      DocumentStore
	cfg       Config
	logger    *slog.Logger
	emb       embedder.Embedder
	keyword   *keyword.Index
	semantic  *semantic.Holder
	queue     *jobs.Queue
	worker    *jobs.Worker
	searcher  *searcher.Searcher
	reranker  *reranker.Reranker
	encoders  *reranker.Shared
	analytics *analytics.Recorder

	encoderInit func() (reranker.CrossEncoder, error)

	closeOnce sync.Once
	closeErr  error
}

// New wires the components over store. The semantic provider is resolved
// here, once; see ReinitializeSemantic to change it later.
func New(ctx context.Context, store *storage.SQLiteStorage, docs DocumentStore, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: storage is required")
	}
	if docs == nil {
		return nil, errors.New("engine: document store is required")
	}

	e := &Engine{
		store:  store,
		docs:   docs,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.encoderInit == nil {
		encCfg := cfg.Encoder
		e.encoderInit = func() (reranker.CrossEncoder, error) {
			return reranker.NewCrossEncoder(encCfg)
		}
	}

	e.keyword = keyword.New(store,
		keyword.WithWeights(cfg.BM25),
		keyword.WithSnippetChars(cfg.Search.SnippetChars),
		keyword.WithLogger(e.logger))

	e.semantic = semantic.NewHolder(ctx, e.emb, store, cfg.ProbeTimeout,
		semantic.WithLogger(e.logger),
		semantic.WithQueryCacheSize(cfg.QueryCacheSize))

	e.queue = jobs.NewQueue(store, func() string { return e.semantic.Current().Model() })
	worker, err := jobs.NewWorker(e.queue, docs,
		func() jobs.Embedder { return e.semantic.Current() },
		cfg.Jobs, jobs.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.worker = worker

	e.encoders = reranker.NewShared(e.encoderInit)
	e.reranker = reranker.New(e.encoders, cfg.Rerank, reranker.WithLogger(e.logger))

	e.searcher = searcher.New(e.keyword,
		func() semantic.Provider { return e.semantic.Current() },
		store, cfg.Search,
		searcher.WithLogger(e.logger),
		searcher.WithReranker(e.reranker))

	e.analytics = analytics.NewRecorder(store, cfg.Analytics, analytics.WithLogger(e.logger))
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Start begins background embedding
func (e *Engine) Start(ctx context.Context) error {
	if err := e.worker.Start(ctx); err != nil {
		return fmt.Errorf("start embedding worker: %w", err)
	}
	return nil
}

// Close stops the workers, persists buffered analytics and releases the
// reranker model. The storage handle belongs to the caller.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.worker.Stop()
		e.keyword.Wait()
		e.closeErr = errors.Join(e.analytics.Close(), e.encoders.Close())
	})
	return e.closeErr
}

// OnDocumentCreated indexes a new note and queues its embedding
func (e *Engine) OnDocumentCreated(ctx context.Context, doc *types.Document) error {
	return e.upsert(ctx, doc)
}

// OnDocumentUpdated re-indexes a note; the embedding is queued only when
// the content hash changed
func (e *Engine) OnDocumentUpdated(ctx context.Context, doc *types.Document) error {
	return e.upsert(ctx, doc)
}

func (e *Engine) upsert(ctx context.Context, doc *types.Document) error {
	if doc == nil {
		return types.ErrInvalidDocumentID
	}
	d := e.prepare(ctx, doc)
	if d.Status == types.StatusDeleted {
		return e.OnDocumentDeleted(ctx, d.ID)
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("document %q: %w", d.ID, err)
	}

	if err := e.keyword.Index(ctx, &d); err != nil {
		return err
	}
	job, created, err := e.queue.Enqueue(ctx, d.ID, d.ContentHash)
	if err != nil {
		return fmt.Errorf("queue embedding for %s: %w", d.ID, err)
	}
	if created {
		e.logger.Debug("embedding queued", "document_id", d.ID, "job_id", job.ID)
	}
	return nil
}

// prepare normalizes a copy of doc for indexing. Timestamps the document
// store left empty come from the existing projection, and UpdatedAt only
// moves when the indexed content changed.
func (e *Engine) prepare(ctx context.Context, doc *types.Document) types.Document {
	d := *doc
	d.ContentHash = ""
	missingCreated, missingUpdated := d.CreatedAt.IsZero(), d.UpdatedAt.IsZero()
	d.Normalize()
	if (!missingCreated && !missingUpdated) || d.Status == types.StatusDeleted {
		return d
	}

	prev, err := e.store.GetDocument(ctx, d.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug("load projection for timestamps", "document_id", d.ID, "error", err)
		}
		return d
	}
	if missingCreated {
		d.CreatedAt = prev.CreatedAt
	}
	if missingUpdated && sameContent(prev, &d) {
		d.UpdatedAt = prev.UpdatedAt
	}
	if d.UpdatedAt.Before(d.CreatedAt) {
		d.UpdatedAt = d.CreatedAt
	}
	return d
}

func sameContent(a, b *types.Document) bool {
	return a.Title == b.Title && a.Body == b.Body && a.Type == b.Type &&
		a.Status == b.Status && slices.Equal(a.Tags, b.Tags)
}

// OnDocumentDeleted removes every trace of the note: keyword entry,
// embeddings and jobs
func (e *Engine) OnDocumentDeleted(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return types.ErrInvalidDocumentID
	}
	if err := e.keyword.Remove(ctx, id); err != nil {
		return err
	}
	if _, err := e.queue.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel jobs for %s: %w", id, err)
	}
	return nil
}

// Search runs a ranked query and records it for analytics
func (e *Engine) Search(ctx context.Context, req searcher.Request) (*searcher.Response, error) {
	resp, err := e.searcher.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Query.Empty {
		resp.EventID = e.analytics.Record(analytics.Event{
			QueryText:   strings.TrimSpace(req.Query),
			Mode:        string(resp.Mode),
			ResultCount: len(resp.Results),
			Latency:     resp.Duration,
			Flags:       resp.Flags,
		})
	}
	return resp, nil
}

// Suggest completes a partially typed query from indexed titles, then
// tags. A prefix starting with '#' suggests tags only.
func (e *Engine) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || limit <= 0 {
		return []string{}, nil
	}

	out := make([]string, 0, limit)
	seen := make(map[string]struct{})
	add := func(s string) {
		if _, ok := seen[s]; ok || len(out) >= limit {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if !strings.HasPrefix(prefix, "#") {
		titles, err := e.keyword.Suggest(ctx, prefix, limit)
		if err != nil {
			return nil, err
		}
		for _, t := range titles {
			add(t.Title)
		}
	}

	fields := strings.Fields(prefix)
	last := strings.ToLower(strings.TrimLeft(fields[len(fields)-1], "#"))
	if last != "" && len(out) < limit {
		tags, err := e.store.SuggestTags(ctx, last, limit-len(out))
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			add("#" + t)
		}
	}
	return out, nil
}

// JobStatus returns the current embedding job of a document
func (e *Engine) JobStatus(ctx context.Context, documentID string) (*storage.Job, error) {
	return e.queue.Status(ctx, documentID)
}

// Jobs lists jobs, optionally filtered by status
func (e *Engine) Jobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error) {
	return e.queue.List(ctx, status, limit)
}

// RetryFailedJob re-queues a document whose job exhausted its attempts
func (e *Engine) RetryFailedJob(ctx context.Context, documentID string) (*storage.Job, error) {
	return e.queue.RetryFailed(ctx, documentID)
}

// Analytics aggregates recorded searches within [from, to]
func (e *Engine) Analytics(ctx context.Context, from, to time.Time) (*analytics.Summary, error) {
	return e.analytics.Summary(ctx, from, to)
}

// RecentSearches returns the newest recorded searches
func (e *Engine) RecentSearches(ctx context.Context, limit int) ([]storage.SearchEvent, error) {
	return e.analytics.Recent(ctx, limit)
}

// RecordClick links a clicked result to the search that produced it
func (e *Engine) RecordClick(ctx context.Context, eventID, documentID string) error {
	return e.analytics.RecordClick(ctx, eventID, documentID)
}

// ReinitializeSemantic probes emb and swaps the semantic provider.
// Pending jobs are picked up by the workers once it is available.
func (e *Engine) ReinitializeSemantic(ctx context.Context, emb embedder.Embedder) semantic.Provider {
	p := e.semantic.Reinitialize(ctx, emb)
	if p.Available() {
		e.queue.Kick()
	}
	return p
}

// DrainJobs runs embedding attempts in the calling goroutine until no job is
// due. It is meant for one-shot indexing, not alongside Start.
func (e *Engine) DrainJobs(ctx context.Context) (int, error) {
	return e.worker.Drain(ctx)
}
