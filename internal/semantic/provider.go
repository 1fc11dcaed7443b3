// Package semantic answers vector-similarity queries over stored note
// embeddings. Whether the embedding model can be used is decided once at
// startup: the result is either an Available provider or an Unavailable one
// that carries the reason, and callers branch on Available() instead of
// probing the model per request.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/notesearch/internal/embedder"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// ErrUnavailable is returned by every operation of an Unavailable provider
var ErrUnavailable = errors.New("semantic search unavailable")

// DefaultProbeTimeout bounds the startup probe embedding
const DefaultProbeTimeout = 10 * time.Second

// Hit is one vector match
type Hit struct {
	DocumentID string
	Similarity float64
}

// Store is the slice of storage vector search needs
type Store interface {
	SearchVector(ctx context.Context, model string, queryVector []float32, limit int, filters types.Filters) ([]storage.VectorResult, error)
}

// Provider is the semantic half of hybrid search
type Provider interface {
	Available() bool
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedDocument embeds note content without touching the query cache
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	Search(ctx context.Context, vector []float32, limit int, filters types.Filters) ([]Hit, error)
	Model() string
	// Reason is nil for an available provider
	Reason() error
}

type options struct {
	logger    *slog.Logger
	cacheSize int
}

// Option configures Resolve
type Option func(*options)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithQueryCacheSize sets how many query embeddings are memoized
func WithQueryCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), cacheSize: 1000}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "semantic")
	return o
}

// Resolve decides which provider variant serves this process. A nil
// embedder, or one whose probe embedding fails within probeTimeout, yields
// an Unavailable provider.
func Resolve(ctx context.Context, emb embedder.Embedder, store Store, probeTimeout time.Duration, opts ...Option) Provider {
	o := buildOptions(opts)
	if emb == nil {
		return newUnavailable(embedder.ErrNoProviderEnabled, o.logger)
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := emb.GenerateEmbedding(probeCtx, embedder.EmbeddingRequest{Text: "probe"}); err != nil {
		return newUnavailable(fmt.Errorf("probe %s/%s: %w", emb.Provider(), emb.Model(), err), o.logger)
	}

	o.logger.Info("semantic search available", "provider", emb.Provider(), "model", emb.Model())
	return &Available{
		embedder: emb,
		store:    store,
		cache:    embedder.NewCache(o.cacheSize),
	}
}

// Available embeds queries with a working model and searches stored vectors
type Available struct {
	embedder embedder.Embedder
	store    Store
	cache    *embedder.Cache
}

func (a *Available) Available() bool { return true }

func (a *Available) Reason() error { return nil }

func (a *Available) Model() string { return a.embedder.Model() }

// Embed returns the vector for text, memoized by model and text
func (a *Available) Embed(ctx context.Context, text string) ([]float32, error) {
	model := a.embedder.Model()
	if vec, ok := a.cache.Get(model, text); ok {
		return vec, nil
	}

	emb, err := a.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	a.cache.Put(model, text, emb.Vector)
	return emb.Vector, nil
}

func (a *Available) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	emb, err := a.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return emb.Vector, nil
}

// Search ranks stored vectors of the current model by cosine similarity
func (a *Available) Search(ctx context.Context, vector []float32, limit int, filters types.Filters) ([]Hit, error) {
	if limit <= 0 || len(vector) == 0 {
		return []Hit{}, nil
	}
	results, err := a.store.SearchVector(ctx, a.embedder.Model(), vector, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{DocumentID: r.DocumentID, Similarity: r.Similarity}
	}
	return hits, nil
}

// Unavailable stands in when no embedding model can be used
type Unavailable struct {
	reason error
	logger *slog.Logger
	once   sync.Once
}

func newUnavailable(reason error, logger *slog.Logger) *Unavailable {
	return &Unavailable{reason: reason, logger: logger}
}

// NewUnavailable returns a provider that always reports reason
func NewUnavailable(reason error) *Unavailable {
	return newUnavailable(reason, slog.Default().With("component", "semantic"))
}

func (u *Unavailable) Available() bool { return false }

func (u *Unavailable) Reason() error { return u.reason }

func (u *Unavailable) Model() string { return "" }

func (u *Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, u.err()
}

func (u *Unavailable) EmbedDocument(context.Context, string) ([]float32, error) {
	return nil, u.err()
}

func (u *Unavailable) Search(context.Context, []float32, int, types.Filters) ([]Hit, error) {
	return nil, u.err()
}

func (u *Unavailable) err() error {
	u.once.Do(func() {
		u.logger.Warn("semantic search unavailable, falling back to keyword search", "reason", u.reason)
	})
	return fmt.Errorf("%w: %v", ErrUnavailable, u.reason)
}
