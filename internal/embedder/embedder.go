package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
)

// Embedding is one vector and the model that produced it
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // SHA-256 of the embedded text
}

// EmbeddingRequest asks for the vector of one text
type EmbeddingRequest struct {
	Text string
}

// BatchEmbeddingRequest asks for the vectors of several texts, at most
// MaxBatchSize
type BatchEmbeddingRequest struct {
	Texts []string
}

// BatchEmbeddingResponse holds one embedding per requested text, in order
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder turns note and query text into vectors
type Embedder interface {
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the length of every vector the embedder produces
	Dimension() int
	Provider() string
	// Model names the vector space; stored vectors are keyed by it
	Model() string
	Close() error
}

const defaultCacheSize = 10000

// Cache keeps recently computed vectors keyed by model and text hash.
// Vectors are copied on the way in and out.
type Cache struct {
	vectors *lru.Cache[string, []float32]
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCache creates a cache holding up to maxLen vectors
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = defaultCacheSize
	}
	vectors, err := lru.New[string, []float32](maxLen)
	if err != nil {
		vectors, _ = lru.New[string, []float32](defaultCacheSize)
	}
	return &Cache{vectors: vectors}
}

// Get returns the cached vector of text under model
func (c *Cache) Get(model, text string) ([]float32, bool) {
	vec, ok := c.vectors.Get(CacheKey(model, text))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return cloneVector(vec), true
}

// Put stores the vector of text under model
func (c *Cache) Put(model, text string, vec []float32) {
	c.vectors.Add(CacheKey(model, text), cloneVector(vec))
}

// Len returns the number of cached vectors
func (c *Cache) Len() int {
	return c.vectors.Len()
}

// Stats returns the lookup counters since creation
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge empties the cache
func (c *Cache) Purge() {
	c.vectors.Purge()
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// ComputeHash returns the hex SHA-256 of text
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// CacheKey scopes a text hash to a model so switching models never serves
// vectors from the old one
func CacheKey(model, text string) string {
	return model + ":" + ComputeHash(text)
}

// ValidateRequest rejects blank text
func ValidateRequest(req EmbeddingRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest rejects empty, oversized or blank-text batches
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if len(req.Texts) > MaxBatchSize {
		return fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}
	for i, text := range req.Texts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}

func newEmbedding(provider, model, text string, vec []float32) *Embedding {
	return &Embedding{
		Vector:    vec,
		Dimension: len(vec),
		Provider:  provider,
		Model:     model,
		Hash:      ComputeHash(text),
	}
}
