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
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/notesearch/pkg/types"
)

// DefaultDebounce coalesces the burst of events an editor save produces
const DefaultDebounce = 250 * time.Millisecond

// Handler receives document notifications
type Handler interface {
	OnDocumentCreated(ctx context.Context, doc *types.Document) error
	OnDocumentUpdated(ctx context.Context, doc *types.Document) error
	OnDocumentDeleted(ctx context.Context, id string) error
}

// WatchOption configures a Watcher
type WatchOption func(*Watcher)

// WithDebounce sets the quiet period before changes are applied
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets a custom logger.
// Default is the store's logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher turns filesystem events under the notes root into document
// notifications. Events are debounced per path; when the quiet period ends
// each touched path is re-read and reported as created, updated or deleted.
type Watcher struct {
	store    *Store
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	known   map[string]struct{} // ids reported as existing
	pending map[string]struct{} // paths awaiting the debounce
	timer   *time.Timer
	fire    chan struct{}

	closeOnce sync.Once
}

// Watch starts watching the store's root recursively. known lists the ids
// the handler already has, so the first change to them is an update.
func (s *Store) Watch(handler Handler, known []string, opts ...WatchOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		store:    s,
		handler:  handler,
		debounce: DefaultDebounce,
		logger:   s.logger,
		fsw:      fsw,
		known:    make(map[string]struct{}, len(known)),
		pending:  make(map[string]struct{}),
		fire:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, id := range known {
		w.known[id] = struct{}{}
	}

	if err := w.addTree(s.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops the underlying watcher
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}

// Run processes events until ctx is done or the watcher is closed. Pending
// changes are applied before it returns on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			w.apply(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-w.fire:
			w.apply(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if isHidden(filepath.Base(ev.Name)) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files written before the watch was added produce no events
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", "path", ev.Name, "error", err)
			}
			w.scheduleTree(ev.Name)
			return
		}
	}
	if !isNote(ev.Name) {
		return
	}
	w.schedule(ev.Name)
}

func (w *Watcher) schedule(paths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.pending[p] = struct{}{}
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, func() {
			select {
			case w.fire <- struct{}{}:
			default:
			}
		})
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) scheduleTree(dir string) {
	var paths []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isNote(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if len(paths) > 0 {
		w.schedule(paths...)
	}
}

// apply re-reads every pending path and notifies the handler
func (w *Watcher) apply(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	sort.Strings(paths)

	for _, path := range paths {
		id, ok := w.store.IDForPath(path)
		if !ok {
			continue
		}
		if err := w.sync(ctx, id); err != nil {
			w.logger.Warn("apply note change", "id", id, "error", err)
		}
	}
}

func (w *Watcher) sync(ctx context.Context, id string) error {
	doc, err := w.store.GetDocument(ctx, id)
	_, wasKnown := w.known[id]

	switch {
	case errors.Is(err, types.ErrDocumentNotFound):
		if !wasKnown {
			return nil
		}
		delete(w.known, id)
		w.logger.Debug("note removed", "id", id)
		return w.handler.OnDocumentDeleted(ctx, id)
	case err != nil:
		return err
	case wasKnown:
		w.logger.Debug("note changed", "id", id)
		return w.handler.OnDocumentUpdated(ctx, doc)
	default:
		w.known[id] = struct{}{}
		w.logger.Debug("note added", "id", id)
		return w.handler.OnDocumentCreated(ctx, doc)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.store.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
