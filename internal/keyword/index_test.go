package keyword

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/notesearch/internal/query"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

func newTestIndex(t *testing.T) (*Index, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func doc(id, title, body string, tags ...string) *types.Document {
	d := &types.Document{ID: id, Title: title, Body: body, Tags: tags}
	d.Normalize()
	return d
}

func TestIndexSearch(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, doc("a", "Machine Learning Basics", "An introduction to supervised models and training.")))
	require.NoError(t, idx.Index(ctx, doc("b", "Python Programming", "Writing scripts and functions in Python.")))

	hits, err := idx.Search(ctx, query.Parse("machine learning"), 10, types.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocumentID)
	assert.Equal(t, "Machine Learning Basics", hits[0].Title)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Equal(t, "An introduction to supervised models and training.", hits[0].Snippet)

	hits, err = idx.Search(ctx, query.Parse("python"), 10, types.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Snippet, "<mark>Python</mark>")
}

func TestIndexSearchEmptyQuery(t *testing.T) {
	idx, _ := newTestIndex(t)
	hits, err := idx.Search(context.Background(), query.Parse(`"" ()`), 10, types.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexDeletedStatusRemoves(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, doc("a", "Recipe", "pancakes")))
	gone := doc("a", "Recipe", "pancakes")
	gone.Status = types.StatusDeleted
	require.NoError(t, idx.Index(ctx, gone))

	hits, err := idx.Search(ctx, query.Parse("pancakes"), 10, types.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = db.GetDocument(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIndexSuggest(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, doc("a", "Quarterly planning", "goals")))

	got, err := idx.Suggest(ctx, "quar", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Quarterly planning", got[0].Title)

	got, err = idx.Suggest(ctx, "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexRebuild(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, doc("a", "Alpha", "one")))

	require.NoError(t, idx.Rebuild(ctx))
	require.NoError(t, idx.CheckIntegrity(ctx))
	assert.True(t, idx.Available())

	hits, err := idx.Search(ctx, query.Parse("alpha"), 10, types.Filters{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// corruptStore simulates an FTS index that fails queries and integrity checks
// until rebuilt
type corruptStore struct {
	Store
	mu       sync.Mutex
	corrupt  bool
	rebuilds atomic.Int32
	release  chan struct{}
}

func (s *corruptStore) SearchKeyword(ctx context.Context, expression string, limit int, weights storage.BM25Weights, filters types.Filters) ([]storage.KeywordRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt {
		return nil, errors.New("database disk image is malformed")
	}
	return []storage.KeywordRow{{DocumentID: "a", Title: "A", Body: "alpha", Score: 1}}, nil
}

func (s *corruptStore) CheckKeywordIntegrity(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt {
		return errors.New("fts5: corrupt")
	}
	return nil
}

func (s *corruptStore) RebuildKeywordIndex(ctx context.Context) error {
	s.rebuilds.Add(1)
	<-s.release
	s.mu.Lock()
	s.corrupt = false
	s.mu.Unlock()
	return nil
}

func TestIndexSelfHealsAfterCorruption(t *testing.T) {
	store := &corruptStore{corrupt: true, release: make(chan struct{})}
	idx := New(store)
	ctx := context.Background()
	q := query.Parse("alpha")

	_, err := idx.Search(ctx, q, 10, types.Filters{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.False(t, idx.Available())

	// While the rebuild runs, searches fail fast without another rebuild
	for i := 0; i < 3; i++ {
		_, err = idx.Search(ctx, q, 10, types.Filters{})
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	}
	assert.ErrorIs(t, idx.Rebuild(ctx), ErrRebuildInProgress)

	close(store.release)
	idx.Wait()

	assert.Equal(t, int32(1), store.rebuilds.Load())
	assert.True(t, idx.Available())

	hits, err := idx.Search(ctx, q, 10, types.Filters{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// failingStore fails queries while the index itself is intact
type failingStore struct {
	Store
}

func (failingStore) SearchKeyword(context.Context, string, int, storage.BM25Weights, types.Filters) ([]storage.KeywordRow, error) {
	return nil, errors.New("fts5: syntax error")
}

func (failingStore) CheckKeywordIntegrity(context.Context) error { return nil }

func TestIndexQueryErrorWithHealthyIndex(t *testing.T) {
	idx := New(failingStore{})
	_, err := idx.Search(context.Background(), query.Parse("x"), 10, types.Filters{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIndexUnavailable)
	assert.True(t, idx.Available())
}

func TestIndexSearchHonorsCancellation(t *testing.T) {
	idx := New(failingStore{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := idx.Search(ctx, query.Parse("x"), 10, types.Filters{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// lockedRebuildStore keeps a corrupt index whose first rebuild fails
type lockedRebuildStore struct {
	corruptStore
	failFirst atomic.Bool
}

func (s *lockedRebuildStore) RebuildKeywordIndex(ctx context.Context) error {
	s.rebuilds.Add(1)
	if s.failFirst.CompareAndSwap(true, false) {
		return errors.New("database is locked")
	}
	s.mu.Lock()
	s.corrupt = false
	s.mu.Unlock()
	return nil
}

func TestIndexRetriesFailedRebuild(t *testing.T) {
	store := &lockedRebuildStore{corruptStore: corruptStore{corrupt: true}}
	store.failFirst.Store(true)
	idx := New(store, WithRebuildRetry(time.Millisecond, time.Millisecond))
	ctx := context.Background()
	q := query.Parse("alpha")

	_, err := idx.Search(ctx, q, 10, types.Filters{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	idx.Wait()
	assert.Equal(t, int32(1), store.rebuilds.Load())
	assert.False(t, idx.Available())

	time.Sleep(5 * time.Millisecond)
	_, err = idx.Search(ctx, q, 10, types.Filters{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	idx.Wait()

	assert.Equal(t, int32(2), store.rebuilds.Load())
	assert.Equal(t, int64(2), idx.RebuildAttempts())
	assert.True(t, idx.Available())

	hits, err := idx.Search(ctx, q, 10, types.Filters{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndexWaitsOutRebuildBackoff(t *testing.T) {
	store := &lockedRebuildStore{corruptStore: corruptStore{corrupt: true}}
	store.failFirst.Store(true)
	idx := New(store, WithRebuildRetry(time.Hour, time.Hour))
	ctx := context.Background()
	q := query.Parse("alpha")

	_, err := idx.Search(ctx, q, 10, types.Filters{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	idx.Wait()

	for i := 0; i < 3; i++ {
		_, err = idx.Suggest(ctx, "alpha", 5)
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, err = idx.Search(ctx, q, 10, types.Filters{})
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	}
	idx.Wait()
	assert.Equal(t, int32(1), store.rebuilds.Load())
	assert.False(t, idx.Available())

	// An explicit rebuild ignores the backoff
	require.NoError(t, idx.Rebuild(ctx))
	assert.True(t, idx.Available())
}

func TestRebuildBackoff(t *testing.T) {
	idx := New(failingStore{}, WithRebuildRetry(time.Second, 10*time.Second))
	assert.Equal(t, time.Second, idx.rebuildBackoff(1))
	assert.Equal(t, 2*time.Second, idx.rebuildBackoff(2))
	assert.Equal(t, 8*time.Second, idx.rebuildBackoff(4))
	assert.Equal(t, 10*time.Second, idx.rebuildBackoff(5))
	assert.Equal(t, 10*time.Second, idx.rebuildBackoff(40))
}
