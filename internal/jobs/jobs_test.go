package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

type fakeEmbedder struct {
	available bool
	err       error
	calls     atomic.Int32
}

func (f *fakeEmbedder) Available() bool { return f.available }
func (f *fakeEmbedder) Model() string   { return "fake" }

func (f *fakeEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, float32(len(text))}, nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]*types.Document
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, types.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) put(d *types.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[d.ID] = d
}

// testClock starts well after any enqueue time so queued jobs are due
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Add(time.Hour)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db    *storage.SQLiteStorage
	docs  *fakeDocs
	emb   *fakeEmbedder
	clock *testClock
	queue *Queue
	work  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:    db,
		docs:  &fakeDocs{docs: map[string]*types.Document{}},
		emb:   &fakeEmbedder{available: true},
		clock: newTestClock(),
	}
	f.queue = NewQueue(db, f.emb.Model)
	f.work, err = NewWorker(f.queue, f.docs, func() Embedder { return f.emb }, Config{
		Workers:        2,
		PollInterval:   10 * time.Millisecond,
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}, WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(f.work.Stop)
	return f
}

// addDoc makes the note known to both the index and the document store
func (f *fixture) addDoc(t *testing.T, id, body string) *types.Document {
	t.Helper()
	d := &types.Document{ID: id, Title: id, Body: body}
	d.Normalize()
	require.NoError(t, f.db.UpsertDocument(context.Background(), d))
	f.docs.put(d)
	return d
}

func TestEnqueueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha")

	job, created, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.JobPending, job.Status)

	again, created, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.JobPending])

	select {
	case <-f.queue.Notify():
	default:
		t.Fatal("expected a notification for new work")
	}
}

func TestRunOnceStoresEmbedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha beta")

	_, _, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)

	n, err := f.work.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := f.queue.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobComplete, job.Status)

	emb, err := f.db.GetEmbedding(ctx, d.ID, "fake")
	require.NoError(t, err)
	assert.Equal(t, d.ContentHash, emb.ContentHash)
	assert.Equal(t, []float32{1, float32(len("alpha beta"))}, emb.Vector)

	// Same content again is a no-op once embedded
	_, created, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestFailureBackoffAndManualRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha")
	f.emb.err = errors.New("model timeout")

	_, _, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)

	n, err := f.work.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := f.queue.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "model timeout")
	assert.Equal(t, f.clock.Now().Add(2*time.Second).UnixMilli(), job.NextAttemptAt.UnixMilli())

	// Not due until the backoff elapses
	n, err = f.work.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(3 * time.Second)
	_, err = f.work.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	_, err = f.work.RunOnce(ctx)
	require.NoError(t, err)

	job, err = f.queue.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(3), f.emb.calls.Load())

	// Failed jobs are not retried automatically
	f.clock.Advance(time.Hour)
	n, err = f.work.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, created, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)
	assert.False(t, created)

	f.emb.err = nil
	retry, err := f.queue.RetryFailed(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, retry.Status)
	assert.Zero(t, retry.Attempts)

	_, err = f.work.RunOnce(ctx)
	require.NoError(t, err)
	job, err = f.queue.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobComplete, job.Status)
}

func TestMissingDocumentCancelsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.queue.Enqueue(ctx, "ghost", "hash")
	require.NoError(t, err)

	_, err = f.work.RunOnce(ctx)
	require.NoError(t, err)

	_, err = f.queue.Status(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.emb.calls.Load())
}

func TestStoreAheadOfNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.addDoc(t, "a", "first draft")
	_, _, err := f.queue.Enqueue(ctx, old.ID, old.ContentHash)
	require.NoError(t, err)

	// The note changed but the update notification has not arrived yet
	updated := f.addDoc(t, "a", "second draft")

	_, err = f.work.RunOnce(ctx)
	require.NoError(t, err)

	emb, err := f.db.GetEmbedding(ctx, "a", "fake")
	require.NoError(t, err)
	assert.Equal(t, updated.ContentHash, emb.ContentHash)

	job, err := f.queue.Status(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, storage.JobComplete, job.Status)
}

func TestUnavailableEmbedderLeavesJobsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha")
	f.emb.available = false

	_, _, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)

	n, err := f.work.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := f.queue.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)
}

func TestStartResetsAbandonedJobsAndProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha")

	_, _, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)
	// Simulate a crash mid-attempt
	claimed, err := f.db.ClaimDueJobs(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.work.Start(ctx))
	assert.Error(t, f.work.Start(ctx))

	require.Eventually(t, func() bool {
		job, err := f.queue.Status(ctx, d.ID)
		return err == nil && job.Status == storage.JobComplete
	}, 2*time.Second, 10*time.Millisecond)

	other := f.addDoc(t, "b", "beta")
	_, created, err := f.queue.Enqueue(ctx, other.ID, other.ContentHash)
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		job, err := f.queue.Status(ctx, other.ID)
		return err == nil && job.Status == storage.JobComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.addDoc(t, "a", "alpha")
	_, _, err := f.queue.Enqueue(ctx, d.ID, d.ContentHash)
	require.NoError(t, err)

	pending, err := f.queue.List(ctx, storage.JobPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = f.queue.List(ctx, "bogus", 10)
	assert.Error(t, err)

	n, err := f.queue.Cancel(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := f.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}
