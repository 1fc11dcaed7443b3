package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/notesearch/internal/query"
	"github.com/dshills/notesearch/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func testDoc(id, title, body string, tags ...string) *types.Document {
	doc := &types.Document{
		ID:        id,
		Title:     title,
		Body:      body,
		Tags:      tags,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	doc.Normalize()
	return doc
}

func keywordIDs(t *testing.T, s *SQLiteStorage, raw string, filters types.Filters) []string {
	t.Helper()
	rows, err := s.SearchKeyword(context.Background(), query.Parse(raw).Expression, 20, DefaultBM25Weights(), filters)
	require.NoError(t, err)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.DocumentID
	}
	return ids
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	stats, err := storage.Stats(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
	assert.Zero(t, stats.Documents)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	v, err := currentSchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	require.NoError(t, RollbackMigration(ctx, storage.db))
	v, err = currentSchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	v, err = currentSchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestUpsertAndGetDocument(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := testDoc("n1", "Weekly Review", "Reflect on the week.", "Planning", "#review")
	require.NoError(t, storage.UpsertDocument(ctx, doc))

	got, err := storage.GetDocument(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly Review", got.Title)
	assert.Equal(t, []string{"planning", "review"}, got.Tags)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.True(t, doc.CreatedAt.Equal(got.CreatedAt))

	_, err = storage.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReplacesKeywordEntry(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("n1", "Garden", "tomatoes and basil")))
	assert.Equal(t, []string{"n1"}, keywordIDs(t, storage, "tomatoes", types.Filters{}))

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("n1", "Garden", "peppers only")))
	assert.Empty(t, keywordIDs(t, storage, "tomatoes", types.Filters{}))
	assert.Equal(t, []string{"n1"}, keywordIDs(t, storage, "peppers", types.Filters{}))

	ids, err := storage.ListDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)
}

func TestSearchKeywordRanksTitleAboveBody(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("body", "Misc", "some notes about kubernetes clusters")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("title", "Kubernetes", "some notes about clusters")))

	rows, err := storage.SearchKeyword(ctx, query.Parse("kubernetes").Expression, 10, DefaultBM25Weights(), types.Filters{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "title", rows[0].DocumentID)
	assert.Greater(t, rows[0].Score, rows[1].Score)
	assert.Greater(t, rows[1].Score, 0.0)
}

func TestSearchKeywordPrefixAndStemming(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("n1", "Data Preprocessing", "cleaning steps")))

	assert.Equal(t, []string{"n1"}, keywordIDs(t, storage, "prepro", types.Filters{}))
	assert.Equal(t, []string{"n1"}, keywordIDs(t, storage, "clean", types.Filters{}))
	assert.Empty(t, keywordIDs(t, storage, "unrelated", types.Filters{}))
}

func TestSearchKeywordEmptyExpression(t *testing.T) {
	storage := setupTestDB(t)
	rows, err := storage.SearchKeyword(context.Background(), "", 10, DefaultBM25Weights(), types.Filters{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSearchKeywordFilters(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	a := testDoc("a", "Meeting notes", "budget meeting", "work", "finance")
	a.Type = "meeting"
	b := testDoc("b", "Meeting recap", "team meeting", "work")
	b.Type = "meeting"
	c := testDoc("c", "Meeting ideas", "meeting agenda", "work", "finance")
	c.Type = "journal"
	c.Status = types.StatusArchived
	c.CreatedAt = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []*types.Document{a, b, c} {
		require.NoError(t, storage.UpsertDocument(ctx, d))
	}

	tests := []struct {
		name    string
		filters types.Filters
		want    []string
	}{
		{"no filters", types.Filters{}, []string{"a", "b", "c"}},
		{"all tags", types.Filters{Tags: []string{"work", "finance"}}, []string{"a", "c"}},
		{"type", types.Filters{Type: "Meeting"}, []string{"a", "b"}},
		{"status", types.Filters{Status: types.StatusArchived}, []string{"c"}},
		{"tags and type", types.Filters{Tags: []string{"finance"}, Type: "meeting"}, []string{"a"}},
		{"date range", types.Filters{DateRange: types.DateRange{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}, []string{"a", "b"}},
		{"no match", types.Filters{Tags: []string{"personal"}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keywordIDs(t, storage, "meeting", tt.filters)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestDeleteDocumentPropagates(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	doc := testDoc("n1", "Travel plans", "flights and hotels", "trip")
	require.NoError(t, storage.UpsertDocument(ctx, doc))
	require.NoError(t, storage.ReplaceEmbedding(ctx, &Embedding{
		DocumentID: "n1", ModelName: "m", Vector: []float32{1, 0}, ContentHash: doc.ContentHash, CreatedAt: now,
	}))
	_, _, err := storage.EnqueueJob(ctx, "n1", "other-hash", "m", now)
	require.NoError(t, err)

	existed, err := storage.DeleteDocument(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, existed)

	assert.Empty(t, keywordIDs(t, storage, "flights", types.Filters{}))
	assert.Empty(t, keywordIDs(t, storage, "trip", types.Filters{}))

	_, err = storage.GetEmbedding(ctx, "n1", "m")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = storage.CurrentJob(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := storage.SearchVector(ctx, "m", []float32{1, 0}, 10, types.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	existed, err = storage.DeleteDocument(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, storage.CheckKeywordIntegrity(ctx))
}

func TestRebuildMatchesIncrementalIndex(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("a", "Alpha", "shared words here")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("b", "Beta", "shared words there")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("a", "Alpha", "rewritten alpha body")))

	before, err := storage.SearchKeyword(ctx, query.Parse("shared alpha").Expression, 10, DefaultBM25Weights(), types.Filters{})
	require.NoError(t, err)

	require.NoError(t, storage.RebuildKeywordIndex(ctx))
	require.NoError(t, storage.CheckKeywordIntegrity(ctx))

	after, err := storage.SearchKeyword(ctx, query.Parse("shared alpha").Expression, 10, DefaultBM25Weights(), types.Filters{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSuggestTitles(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("a", "Project kickoff", "agenda")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("b", "Groceries", "project supplies")))

	got, err := storage.SuggestTitles(ctx, query.Parse("proj").Expression, 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "a", got[0].DocumentID)
	assert.Equal(t, "Project kickoff", got[0].Title)
}

func TestSuggestTags(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("a", "A", "x", "work", "workshop")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("b", "B", "y", "work")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("c", "C", "z", "home", "wo_rk")))

	got, err := storage.SuggestTags(ctx, "wor", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"work", "workshop"}, got)

	// LIKE wildcards in the prefix are literal
	got, err = storage.SuggestTags(ctx, "wo_", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"wo_rk"}, got)
}

func TestStats(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, storage.UpsertDocument(ctx, testDoc("a", "A", "alpha")))
	require.NoError(t, storage.UpsertDocument(ctx, testDoc("b", "B", "beta")))
	require.NoError(t, storage.ReplaceEmbedding(ctx, &Embedding{DocumentID: "a", ModelName: "m", Vector: []float32{1}, ContentHash: "h", CreatedAt: now}))
	_, _, err := storage.EnqueueJob(ctx, "b", "hb", "m", now)
	require.NoError(t, err)

	stats, err := storage.Stats(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 1, stats.Embeddings)
	assert.Equal(t, 1, stats.Jobs[JobPending])
	assert.Equal(t, 0, stats.Jobs[JobFailed])
}

func TestMemoryStorageSharesOneConnection(t *testing.T) {
	storage := setupTestDB(t)
	assert.Same(t, storage.db, storage.reader)
	assert.Equal(t, 1, storage.db.Stats().MaxOpenConnections)
}

func TestFileStorageReadPool(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	ctx := context.Background()

	require.NotSame(t, storage.db, storage.reader)
	assert.Equal(t, 1, storage.db.Stats().MaxOpenConnections)
	assert.Equal(t, maxReaderConns, storage.reader.Stats().MaxOpenConnections)

	doc := testDoc("a", "Alpha notes", "alpha body", "work")
	require.NoError(t, storage.UpsertDocument(ctx, doc))
	require.NoError(t, storage.ReplaceEmbedding(ctx, &Embedding{
		DocumentID: "a", ModelName: "m", Vector: []float32{1, 0}, ContentHash: doc.ContentHash, CreatedAt: doc.CreatedAt,
	}))

	// Keyword and vector reads run side by side on the pool
	var g errgroup.Group
	for i := 0; i < maxReaderConns; i++ {
		g.Go(func() error {
			rows, err := storage.SearchKeyword(ctx, query.Parse("alpha").Expression, 10, DefaultBM25Weights(), types.Filters{})
			if err == nil && len(rows) != 1 {
				t.Errorf("keyword rows = %d", len(rows))
			}
			return err
		})
		g.Go(func() error {
			hits, err := storage.SearchVector(ctx, "m", []float32{1, 0}, 10, types.Filters{})
			if err == nil && len(hits) != 1 {
				t.Errorf("vector hits = %d", len(hits))
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	tags, err := storage.SuggestTags(ctx, "wo", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, tags)

	// The pool never writes
	_, err = storage.reader.ExecContext(ctx, "DELETE FROM documents")
	assert.Error(t, err)
}

func TestWithParams(t *testing.T) {
	assert.Equal(t, "notes.db?a=1&b=2", withParams("notes.db", "a=1", "b=2"))
	assert.Equal(t, "file:notes.db?cache=shared&a=1", withParams("file:notes.db?cache=shared", "a=1"))
	assert.True(t, isMemoryPath(":memory:"))
	assert.True(t, isMemoryPath("file:x?mode=memory&cache=shared"))
	assert.False(t, isMemoryPath("notes.db"))
}
