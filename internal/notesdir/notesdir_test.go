package notesdir

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/notesearch/pkg/types"
)

func writeNote(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	return s, s.Root()
}

func TestGetDocumentYAMLFrontMatter(t *testing.T) {
	s, root := newStore(t)
	writeNote(t, root, "work/standup.md", `---
title: Daily Standup
tags: [Work, meetings]
type: Meeting
status: archived
created: 2024-03-01
---
# Ignored heading

Discussed the release.
`)

	doc, err := s.GetDocument(context.Background(), "work/standup")
	require.NoError(t, err)
	assert.Equal(t, "work/standup", doc.ID)
	assert.Equal(t, "Daily Standup", doc.Title)
	assert.Equal(t, []string{"meetings", "work"}, doc.Tags)
	assert.Equal(t, "meeting", doc.Type)
	assert.Equal(t, types.StatusArchived, doc.Status)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), doc.CreatedAt)
	assert.Equal(t, "# Ignored heading\n\nDiscussed the release.", doc.Body)
	assert.Equal(t, types.ComputeContentHash(doc.Body), doc.ContentHash)
}

func TestGetDocumentTOMLFrontMatter(t *testing.T) {
	s, root := newStore(t)
	writeNote(t, root, "ideas.markdown", `+++
title = "Ideas"
tags = "home, garden"
date = 2024-05-02
+++
Plant tomatoes.
`)

	doc, err := s.GetDocument(context.Background(), "ideas")
	require.NoError(t, err)
	assert.Equal(t, "Ideas", doc.Title)
	assert.Equal(t, []string{"garden", "home"}, doc.Tags)
	assert.Equal(t, types.StatusActive, doc.Status)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), doc.CreatedAt)
	assert.Equal(t, "Plant tomatoes.", doc.Body)
}

func TestGetDocumentTitleFallbacks(t *testing.T) {
	s, root := newStore(t)
	writeNote(t, root, "a.md", "intro line\n# Heading Title\nbody")
	writeNote(t, root, "plain-note.md", "just text")
	ctx := context.Background()

	doc, err := s.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Heading Title", doc.Title)

	doc, err = s.GetDocument(ctx, "plain-note")
	require.NoError(t, err)
	assert.Equal(t, "plain-note", doc.Title)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestGetDocumentNotFound(t *testing.T) {
	s, root := newStore(t)
	writeNote(t, root, ".hidden/secret.md", "x")
	writeNote(t, filepath.Dir(root), "outside.md", "x")
	ctx := context.Background()

	for _, id := range []string{"missing", "", "../outside", ".hidden/secret"} {
		_, err := s.GetDocument(ctx, id)
		assert.ErrorIs(t, err, types.ErrDocumentNotFound, id)
	}
}

func TestListDocuments(t *testing.T) {
	s, root := newStore(t)
	writeNote(t, root, "b.md", "# B\nbody")
	writeNote(t, root, "nested/deeper/a.md", "# A\nbody")
	writeNote(t, root, ".git/config.md", "x")
	writeNote(t, root, "image.png", "x")
	writeNote(t, root, "broken.md", "---\ntitle: never closed\n")

	docs, err := s.ListDocuments(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"b", "nested/deeper/a"}, ids)
}

func TestSplitFrontMatter(t *testing.T) {
	_, _, err := splitFrontMatter([]byte("---\ntitle: x\nbody"))
	assert.ErrorIs(t, err, ErrFrontMatter)

	_, _, err = splitFrontMatter([]byte("---\ntitle: [unclosed\n---\nbody"))
	assert.ErrorIs(t, err, ErrFrontMatter)

	meta, body, err := splitFrontMatter([]byte("no header\n---\n"))
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, "no header\n---\n", string(body))

	meta, body, err = splitFrontMatter([]byte("\ufeff---\r\ntitle: crlf\r\n---\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "crlf", parseMeta(meta).Title)
	assert.Equal(t, "body", string(body))
}

func TestNewRejectsFiles(t *testing.T) {
	root := t.TempDir()
	file := writeNote(t, root, "x.md", "x")
	_, err := New(file)
	assert.Error(t, err)
	_, err = New(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

type change struct {
	kind string
	id   string
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) add(kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{kind, id})
	return nil
}

func (r *recorder) OnDocumentCreated(ctx context.Context, doc *types.Document) error {
	return r.add("created", doc.ID)
}

func (r *recorder) OnDocumentUpdated(ctx context.Context, doc *types.Document) error {
	return r.add("updated", doc.ID)
}

func (r *recorder) OnDocumentDeleted(ctx context.Context, id string) error {
	return r.add("deleted", id)
}

func (r *recorder) snapshot() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change(nil), r.changes...)
}

func startWatcher(t *testing.T, s *Store, known ...string) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := s.Watch(rec, known, WithDebounce(30*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func waitFor(t *testing.T, rec *recorder, want []change) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, rec.snapshot())
	}, 3*time.Second, 10*time.Millisecond, "got %v", rec.snapshot())
}

func TestWatcherLifecycle(t *testing.T) {
	s, root := newStore(t)
	rec := startWatcher(t, s)

	path := writeNote(t, root, "todo.md", "# Todo\nfirst")
	waitFor(t, rec, []change{{"created", "todo"}})

	// A burst of writes collapses into one update
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("# Todo\nedit"), 0o644))
	}
	waitFor(t, rec, []change{{"created", "todo"}, {"updated", "todo"}})

	require.NoError(t, os.Remove(path))
	waitFor(t, rec, []change{{"created", "todo"}, {"updated", "todo"}, {"deleted", "todo"}})
}

func TestWatcherKnownAndNewDirectories(t *testing.T) {
	s, root := newStore(t)
	existing := writeNote(t, root, "old.md", "old")
	rec := startWatcher(t, s, "old")

	require.NoError(t, os.WriteFile(existing, []byte("changed"), 0o644))
	waitFor(t, rec, []change{{"updated", "old"}})

	writeNote(t, root, "projects/2024/plan.md", "plan")
	require.Eventually(t, func() bool {
		for _, c := range rec.snapshot() {
			if c == (change{"created", "projects/2024/plan"}) {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// Hidden and non-note files are ignored
	writeNote(t, root, ".scratch.md", "x")
	writeNote(t, root, "notes.txt", "x")
	time.Sleep(150 * time.Millisecond)
	for _, c := range rec.snapshot() {
		assert.Contains(t, []string{"old", "projects/2024/plan"}, c.id)
	}
}
