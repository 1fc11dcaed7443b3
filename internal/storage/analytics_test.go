package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchEvents(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	events := []SearchEvent{
		{ID: "e1", QueryText: "alpha", Mode: "hybrid", ResultCount: 3, LatencyMs: 12, CreatedAt: base},
		{ID: "e2", QueryText: "beta", Mode: "keyword", ResultCount: 0, LatencyMs: 40,
			DegradedFlags: []string{"semantic_unavailable", "rerank_timeout"}, CreatedAt: base.Add(time.Hour)},
	}
	require.NoError(t, storage.InsertSearchEvents(ctx, events))

	all, err := storage.SearchEvents(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].ID)
	assert.Nil(t, all[0].DegradedFlags)
	assert.Equal(t, []string{"semantic_unavailable", "rerank_timeout"}, all[1].DegradedFlags)

	windowed, err := storage.SearchEvents(ctx, base.Add(30*time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "e2", windowed[0].ID)

	recent, err := storage.RecentSearchEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e2", recent[0].ID)
}

func TestRecordClick(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, storage.InsertSearchEvents(ctx, []SearchEvent{{ID: "e1", QueryText: "q", Mode: "hybrid", CreatedAt: now}}))

	require.NoError(t, storage.RecordClick(ctx, "e1", "doc-7", now.Add(time.Second)))
	e, err := storage.GetSearchEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "doc-7", e.ClickedDocumentID)
	assert.True(t, e.ClickedAt.Equal(now.Add(time.Second)))

	assert.ErrorIs(t, storage.RecordClick(ctx, "missing", "doc-7", now), ErrNotFound)

	_, err = storage.GetSearchEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
