package semantic

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/notesearch/internal/embedder"
)

// Holder owns the process-wide provider decision. Reads are lock-protected
// so a Reinitialize is observed atomically by concurrent searches.
type Holder struct {
	mu           sync.RWMutex
	provider     Provider
	store        Store
	probeTimeout time.Duration
	opts         []Option
}

// NewHolder resolves the initial provider for emb
func NewHolder(ctx context.Context, emb embedder.Embedder, store Store, probeTimeout time.Duration, opts ...Option) *Holder {
	return &Holder{
		provider:     Resolve(ctx, emb, store, probeTimeout, opts...),
		store:        store,
		probeTimeout: probeTimeout,
		opts:         opts,
	}
}

// Current returns the provider in effect
func (h *Holder) Current() Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.provider
}

// Reinitialize probes emb again and swaps the provider. It is the only way
// the Available/Unavailable decision changes after startup.
func (h *Holder) Reinitialize(ctx context.Context, emb embedder.Embedder) Provider {
	next := Resolve(ctx, emb, h.store, h.probeTimeout, h.opts...)
	h.mu.Lock()
	h.provider = next
	h.mu.Unlock()
	return next
}
