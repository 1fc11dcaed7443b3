// Package notesdir serves a directory of markdown notes as the document
// store. A note's id is its path relative to the root, slash separated and
// without the extension. Optional YAML ("---") or TOML ("+++") front matter
// supplies title, tags, type, status and created date.
package notesdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/notesearch/pkg/types"
)

// Extensions recognized as notes
var Extensions = []string{".md", ".markdown"}

// Option configures a Store
type Option func(*Store)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store reads notes from disk on every call; it keeps no cache
type Store struct {
	root   string
	logger *slog.Logger
}

// New opens root, which must be an existing directory
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve notes dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("notes dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("notes dir %s is not a directory", abs)
	}

	s := &Store{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "notesdir")
	return s, nil
}

// Root returns the absolute notes directory
func (s *Store) Root() string {
	return s.root
}

// GetDocument loads the note with id
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := filepath.FromSlash(strings.TrimSpace(id))
	if rel == "" || !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	for _, ext := range Extensions {
		doc, err := s.load(filepath.Join(s.root, rel+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return doc, err
	}
	return nil, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
}

// ListDocuments loads every note under the root, skipping hidden entries.
// Unparseable notes are logged and skipped.
func (s *Store) ListDocuments(ctx context.Context) ([]*types.Document, error) {
	var docs []*types.Document
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != s.root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isNote(path) {
			return nil
		}
		doc, err := s.load(path)
		if err != nil {
			s.logger.Warn("skipping unreadable note", "path", path, "error", err)
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk notes dir: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// IDForPath maps a file path under the root to a note id
func (s *Store) IDForPath(path string) (string, bool) {
	if !isNote(path) {
		return "", false
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if isHidden(part) {
			return "", false
		}
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel))), true
}

func (s *Store) load(path string) (*types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	id, ok := s.IDForPath(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, path)
	}

	raw, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	meta := parseMeta(raw)

	doc := &types.Document{
		ID:        id,
		Title:     meta.Title,
		Body:      strings.TrimSpace(string(body)),
		Tags:      meta.Tags,
		Type:      meta.Type,
		Status:    types.Status(meta.Status),
		CreatedAt: meta.Created,
		UpdatedAt: info.ModTime().UTC(),
	}
	if doc.Title == "" {
		doc.Title = firstHeading(body)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	doc.Normalize()
	return doc, nil
}

func isNote(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
