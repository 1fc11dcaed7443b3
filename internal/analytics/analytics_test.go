package analytics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/notesearch/internal/storage"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecorder(t *testing.T, store Store, cfg Config) *Recorder {
	t.Helper()
	r := NewRecorder(store, cfg)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndSummary(t *testing.T) {
	r := newRecorder(t, newStore(t), DefaultConfig())
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	ids := []string{
		r.Record(Event{QueryText: "ml", Mode: "hybrid", ResultCount: 3, Latency: 10 * time.Millisecond, At: base}),
		r.Record(Event{QueryText: "ml", Mode: "hybrid", ResultCount: 0, Latency: 30 * time.Millisecond, At: base.Add(time.Minute)}),
		r.Record(Event{QueryText: "go", Mode: "keyword", ResultCount: 5, Latency: 20 * time.Millisecond,
			Flags: []string{"semantic_unavailable"}, At: base.Add(2 * time.Minute)}),
	}
	for _, id := range ids {
		assert.NotEmpty(t, id)
	}

	ctx := context.Background()
	require.NoError(t, r.RecordClick(ctx, ids[0], "doc-1"))

	s, err := r.Summary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, map[string]int{"hybrid": 2, "keyword": 1}, s.ByMode)
	assert.Equal(t, 1, s.ZeroResult)
	assert.Equal(t, 1, s.Degraded)
	assert.Equal(t, 1, s.Flags["semantic_unavailable"])
	assert.InDelta(t, 20.0, s.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(20), s.P50LatencyMs)
	assert.Equal(t, int64(30), s.P95LatencyMs)
	assert.Equal(t, 1, s.Clicks)
	assert.InDelta(t, 1.0/3, s.ClickThroughRate, 1e-9)
	require.NotEmpty(t, s.TopQueries)
	assert.Equal(t, QueryCount{Query: "ml", Count: 2}, s.TopQueries[0])

	windowed, err := r.Summary(ctx, base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, windowed.Total)
	assert.Equal(t, 1, windowed.ZeroResult)
}

func TestRecent(t *testing.T) {
	r := newRecorder(t, newStore(t), DefaultConfig())
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.Record(Event{QueryText: fmt.Sprintf("q%d", i), Mode: "hybrid", At: base.Add(time.Duration(i) * time.Second)})
	}

	recent, err := r.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q4", recent[0].QueryText)
	assert.Equal(t, "q3", recent[1].QueryText)
}

func TestRecordClickUnknownEvent(t *testing.T) {
	r := newRecorder(t, newStore(t), DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, r.RecordClick(ctx, "missing", "doc-1"), ErrEventNotFound)
	assert.ErrorIs(t, r.RecordClick(ctx, "", "doc-1"), ErrEventNotFound)
}

// blockingStore holds the writer inside InsertSearchEvents until released
type blockingStore struct {
	*storage.SQLiteStorage
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) InsertSearchEvents(ctx context.Context, events []storage.SearchEvent) error {
	<-b.release
	return b.SQLiteStorage.InsertSearchEvents(ctx, events)
}

func (b *blockingStore) unblock() {
	b.once.Do(func() { close(b.release) })
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	store := &blockingStore{SQLiteStorage: newStore(t), release: make(chan struct{})}
	r := NewRecorder(store, Config{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour})
	defer func() {
		store.unblock()
		require.NoError(t, r.Close())
	}()

	start := time.Now()
	var accepted int
	for i := 0; i < 10; i++ {
		if r.Record(Event{QueryText: "q", Mode: "hybrid"}) != "" {
			accepted++
		}
	}
	assert.Less(t, time.Since(start), time.Second, "Record never blocks")
	assert.LessOrEqual(t, accepted, 3)
	assert.Equal(t, int64(10-accepted), r.Dropped())
}

func TestCloseFlushesAndRejects(t *testing.T) {
	store := newStore(t)
	r := NewRecorder(store, Config{FlushInterval: time.Hour})
	r.Record(Event{QueryText: "q", Mode: "hybrid"})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	events, err := store.SearchEvents(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.Empty(t, r.Record(Event{QueryText: "late"}))
	assert.Equal(t, int64(1), r.Dropped())
	assert.NoError(t, r.Flush(context.Background()))
}

func TestSummarizePercentiles(t *testing.T) {
	var events []storage.SearchEvent
	for i := 1; i <= 20; i++ {
		events = append(events, storage.SearchEvent{Mode: "hybrid", ResultCount: 1, LatencyMs: int64(i)})
	}
	s := Summarize(events)
	assert.Equal(t, int64(10), s.P50LatencyMs)
	assert.Equal(t, int64(19), s.P95LatencyMs)
	assert.InDelta(t, 10.5, s.AvgLatencyMs, 1e-9)
	assert.Zero(t, s.ClickThroughRate)

	empty := Summarize(nil)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.P95LatencyMs)
	assert.NotNil(t, empty.ByMode)
}
