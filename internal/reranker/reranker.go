// Package reranker refines the head of a fused result list with a
// cross-encoder. Reranking is best-effort: when the model is missing, slow
// or failing the fused order is returned unchanged together with a flag.
package reranker

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dshills/notesearch/pkg/types"
)

// ErrUnavailable means no cross-encoder can be used
var ErrUnavailable = errors.New("reranker unavailable")

// CrossEncoder scores (query, text) pairs; higher is more relevant
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
	Close() error
}

// Config tunes reranking
type Config struct {
	K       int           // Candidates rescored
	Weight  float64       // Share of the cross-encoder score in the blend
	Timeout time.Duration // Budget for one scoring call
}

// DefaultConfig returns K=20, weight 0.7, 300ms
func DefaultConfig() Config {
	return Config{K: 20, Weight: 0.7, Timeout: 300 * time.Millisecond}
}

// Outcome is the reranked list and how it was produced
type Outcome struct {
	Results []types.SearchResult
	Applied bool
	Scored  int    // Candidates sent to the cross-encoder
	Flag    string // Degraded flag when not applied
}

// Option configures a Reranker
type Option func(*Reranker)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reranker blends cross-encoder scores into the fused ranking
type Reranker struct {
	shared *Shared
	cfg    Config
	logger *slog.Logger
}

// New creates a reranker over a shared cross-encoder. A nil shared
// encoder makes every call fall back to the fused order.
func New(shared *Shared, cfg Config, opts ...Option) *Reranker {
	d := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = d.K
	}
	if cfg.Weight < 0 || cfg.Weight > 1 {
		cfg.Weight = d.Weight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	r := &Reranker{shared: shared, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reranker")
	return r
}

// Available reports whether a cross-encoder could be acquired
func (r *Reranker) Available() bool {
	if r == nil || r.shared == nil {
		return false
	}
	enc, release, err := r.shared.Acquire()
	if err != nil {
		return false
	}
	release()
	return enc != nil
}

// Rerank rescores at most K leading candidates and returns finalN results.
// It never fails: any problem yields the fused order truncated to finalN.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []types.SearchResult, finalN int) Outcome {
	if finalN <= 0 || finalN > len(candidates) {
		finalN = len(candidates)
	}
	fallback := func(flag string) Outcome {
		out := make([]types.SearchResult, finalN)
		copy(out, candidates[:finalN])
		return Outcome{Results: out, Flag: flag}
	}

	if len(candidates) == 0 || ctx.Err() != nil {
		return fallback("")
	}
	if r == nil || r.shared == nil {
		return fallback(types.FlagRerankUnavailable)
	}

	enc, release, err := r.shared.Acquire()
	if err != nil {
		r.logger.Debug("cross-encoder unavailable", "error", err)
		return fallback(types.FlagRerankUnavailable)
	}

	k := r.cfg.K
	if k > len(candidates) {
		k = len(candidates)
	}
	head := candidates[:k]
	texts := make([]string, k)
	for i, c := range head {
		texts[i] = candidateText(c)
	}

	scores, err := r.score(ctx, enc, release, query, texts)
	if err != nil {
		flag := types.FlagRerankError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			flag = types.FlagRerankTimeout
		case errors.Is(err, ErrUnavailable):
			flag = types.FlagRerankUnavailable
		case errors.Is(err, context.Canceled):
			flag = ""
		}
		if flag != "" {
			r.logger.Warn("rerank skipped", "encoder", enc.Name(), "flag", flag, "error", err)
		}
		return fallback(flag)
	}
	if len(scores) != k {
		r.logger.Warn("rerank skipped: score count mismatch", "encoder", enc.Name(), "want", k, "got", len(scores))
		return fallback(types.FlagRerankError)
	}

	fused := make([]float64, k)
	for i, c := range head {
		fused[i] = c.FusedScore
	}
	normRerank := minMax(scores)
	normFused := minMax(fused)

	type scored struct {
		result   types.SearchResult
		combined float64
	}
	ranked := make([]scored, k)
	for i, c := range head {
		raw := scores[i]
		combined := r.cfg.Weight*normRerank[i] + (1-r.cfg.Weight)*normFused[i]
		c.RerankScore = &raw
		c.CombinedScore = &combined
		ranked[i] = scored{result: c, combined: combined}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].combined > ranked[j].combined
	})

	out := make([]types.SearchResult, 0, finalN)
	for _, s := range ranked {
		if len(out) == finalN {
			break
		}
		out = append(out, s.result)
	}
	for _, c := range candidates[k:] {
		if len(out) == finalN {
			break
		}
		out = append(out, c)
	}
	return Outcome{Results: out, Applied: true, Scored: k}
}

// score runs the encoder under the timeout budget even if the encoder
// ignores its context. The encoder reference is released once the call
// returns, which may be after score itself has given up.
func (r *Reranker) score(ctx context.Context, enc CrossEncoder, release func(), query string, texts []string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		scores []float64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer release()
		scores, err := enc.Score(ctx, query, texts)
		done <- result{scores, err}
	}()

	select {
	case res := <-done:
		return res.scores, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// minMax scales values into [0,1]; a constant list maps to 1
func minMax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (v - lo) / span
	}
	return out
}

// candidateText is the plain text a cross-encoder sees for a result
func candidateText(r types.SearchResult) string {
	snippet := strings.NewReplacer("<mark>", "", "</mark>", "").Replace(r.Snippet)
	snippet = html.UnescapeString(snippet)
	if r.Title == "" {
		return snippet
	}
	return r.Title + "\n" + snippet
}
