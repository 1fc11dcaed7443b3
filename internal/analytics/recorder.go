// Package analytics records search events without slowing the request path.
//
// Record hands an event to a buffered channel drained by a single writer
// goroutine that persists events in batches. When the buffer is full the
// event is dropped and counted; searches never block on analytics.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/notesearch/internal/storage"
)

// ErrEventNotFound is returned when a click references an unknown event
var ErrEventNotFound = errors.New("search event not found")

// Store persists analytics events
type Store interface {
	InsertSearchEvents(ctx context.Context, events []storage.SearchEvent) error
	RecordClick(ctx context.Context, eventID, documentID string, at time.Time) error
	SearchEvents(ctx context.Context, from, to time.Time) ([]storage.SearchEvent, error)
	RecentSearchEvents(ctx context.Context, limit int) ([]storage.SearchEvent, error)
}

// Event describes one completed search
type Event struct {
	QueryText   string
	Mode        string
	ResultCount int
	Latency     time.Duration
	Flags       []string
	At          time.Time // Zero means now
}

// Config tunes buffering
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns a 1024 event buffer flushed in batches of 64 at
// least once a second
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		BatchSize:     64,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Option configures a Recorder
type Option func(*Recorder)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder is the asynchronous analytics sink
type Recorder struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex // guards closed against sends on a closed channel
	closed bool
	events chan storage.SearchEvent
	flush  chan chan struct{}
	done   chan struct{}

	dropped atomic.Int64
}

// NewRecorder starts the writer goroutine. Close must be called to persist
// buffered events.
func NewRecorder(store Store, cfg Config, opts ...Option) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		events: make(chan storage.SearchEvent, cfg.BufferSize),
		flush:  make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "analytics")
	go r.run()
	return r
}

// Record enqueues e and returns its event id. It never blocks; when the
// buffer is full or the recorder is closed the event is dropped and the
// returned id is empty.
func (r *Recorder) Record(e Event) string {
	at := e.At
	if at.IsZero() {
		at = r.now()
	}
	ev := storage.SearchEvent{
		ID:            uuid.NewString(),
		QueryText:     e.QueryText,
		Mode:          e.Mode,
		ResultCount:   e.ResultCount,
		LatencyMs:     e.Latency.Milliseconds(),
		DegradedFlags: append([]string(nil), e.Flags...),
		CreatedAt:     at,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return ""
	}
	select {
	case r.events <- ev:
		return ev.ID
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("analytics buffer full, dropping events", "dropped", n)
		}
		return ""
	}
}

// Flush blocks until every event recorded before the call is persisted
func (r *Recorder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case r.flush <- ack:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, persists what is buffered and stops the
// writer. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

// Dropped reports how many events were discarded
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// RecordClick attaches the clicked document to a recorded search
func (r *Recorder) RecordClick(ctx context.Context, eventID, documentID string) error {
	if eventID == "" || documentID == "" {
		return fmt.Errorf("%w: event id and document id are required", ErrEventNotFound)
	}
	// The event may still be buffered
	if err := r.Flush(ctx); err != nil {
		return err
	}
	err := r.store.RecordClick(ctx, eventID, documentID, r.now())
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return err
}

// Recent returns the newest events, most recent first
func (r *Recorder) Recent(ctx context.Context, limit int) ([]storage.SearchEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.store.RecentSearchEvents(ctx, limit)
}

// Summary aggregates the events created within [from, to]; zero bounds are open
func (r *Recorder) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	events, err := r.store.SearchEvents(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load search events: %w", err)
	}
	s := Summarize(events)
	s.From, s.To = from, to
	s.Dropped = r.dropped.Load()
	return s, nil
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.SearchEvent, 0, r.cfg.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := r.store.InsertSearchEvents(ctx, batch); err != nil {
			r.logger.Warn("persist search events failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				write()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				write()
			}
		case ack := <-r.flush:
			r.drain(&batch)
			write()
			close(ack)
		case <-ticker.C:
			write()
		}
	}
}

// drain moves everything currently buffered into batch
func (r *Recorder) drain(batch *[]storage.SearchEvent) {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}
