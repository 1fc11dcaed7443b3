package semantic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/notesearch/internal/embedder"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// fakeEmbedder returns fixed vectors and counts calls
type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &embedder.Embedding{Vector: []float32{1, 0, 0}, Dimension: 3, Model: f.Model()}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEmbedder) Dimension() int   { return 3 }
func (f *fakeEmbedder) Provider() string { return "fake" }
func (f *fakeEmbedder) Model() string    { return "fake-3" }
func (f *fakeEmbedder) Close() error     { return nil }

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestResolveWithoutEmbedder(t *testing.T) {
	p := Resolve(context.Background(), nil, nil, time.Second)
	assert.False(t, p.Available())
	assert.ErrorIs(t, p.Reason(), embedder.ErrNoProviderEnabled)

	_, err := p.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = p.Search(context.Background(), []float32{1}, 5, types.Filters{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveProbeFailure(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("connection refused")}
	p := Resolve(context.Background(), emb, newStore(t), time.Second)

	assert.False(t, p.Available())
	require.Error(t, p.Reason())
	assert.Contains(t, p.Reason().Error(), "connection refused")
}

func TestAvailableSearch(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	emb := &fakeEmbedder{}

	for _, d := range []struct {
		id  string
		vec []float32
	}{
		{"near", []float32{0.9, 0.1, 0}},
		{"far", []float32{0, 0, 1}},
	} {
		doc := &types.Document{ID: d.id, Title: d.id, Body: d.id}
		doc.Normalize()
		require.NoError(t, db.UpsertDocument(ctx, doc))
		require.NoError(t, db.ReplaceEmbedding(ctx, &storage.Embedding{
			DocumentID: d.id, ModelName: emb.Model(), Vector: d.vec, ContentHash: doc.ContentHash,
		}))
	}

	p := Resolve(ctx, emb, db, time.Second)
	require.True(t, p.Available())
	assert.NoError(t, p.Reason())
	assert.Equal(t, "fake-3", p.Model())

	vec, err := p.Embed(ctx, "query")
	require.NoError(t, err)
	_, err = p.Embed(ctx, "query")
	require.NoError(t, err)
	// One probe plus one uncached query
	assert.Equal(t, int32(2), emb.calls.Load())

	hits, err := p.Search(ctx, vec, 10, types.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].DocumentID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestHolderReinitialize(t *testing.T) {
	ctx := context.Background()
	h := NewHolder(ctx, nil, newStore(t), time.Second)
	assert.False(t, h.Current().Available())

	local, err := embedder.NewLocalProvider(embedder.ProviderOptions{})
	require.NoError(t, err)
	p := h.Reinitialize(ctx, local)
	assert.True(t, p.Available())
	assert.True(t, h.Current().Available())
	assert.Equal(t, embedder.DefaultLocalModel, h.Current().Model())
}
