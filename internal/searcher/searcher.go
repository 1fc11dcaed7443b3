package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/notesearch/internal/keyword"
	"github.com/dshills/notesearch/internal/query"
	"github.com/dshills/notesearch/internal/reranker"
	"github.com/dshills/notesearch/internal/semantic"
	"github.com/dshills/notesearch/pkg/types"
)

// ErrInvalidRequest wraps every request validation failure
var ErrInvalidRequest = errors.New("invalid search request")

// KeywordSearcher is the lexical half of hybrid search
type KeywordSearcher interface {
	Search(ctx context.Context, q query.Query, limit int, filters types.Filters) ([]keyword.Hit, error)
}

// DocumentLoader resolves fused ids to indexed documents
type DocumentLoader interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error)
}

// Reranker refines the head of the fused list
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []types.SearchResult, finalN int) reranker.Outcome
}

// Config tunes fusion and time budgets
type Config struct {
	DefaultLimit    int
	MaxLimit        int
	CandidateLimit  int // Over-fetch per sub-search
	RRFConstant     float64
	Weights         types.Weights
	SnippetChars    int
	KeywordTimeout  time.Duration
	SemanticTimeout time.Duration
	RequestTimeout  time.Duration
}

// DefaultConfig returns limit 8, N=20, k=60, weights 0.3/0.7 and
// 500ms/1.5s/2s budgets
func DefaultConfig() Config {
	return Config{
		DefaultLimit:    8,
		MaxLimit:        100,
		CandidateLimit:  20,
		RRFConstant:     DefaultRRFConstant,
		Weights:         types.DefaultWeights(),
		SnippetChars:    keyword.DefaultSnippetChars,
		KeywordTimeout:  500 * time.Millisecond,
		SemanticTimeout: 1500 * time.Millisecond,
		RequestTimeout:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.Weights.Validate() != nil {
		c.Weights = d.Weights
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = d.SnippetChars
	}
	if c.KeywordTimeout <= 0 {
		c.KeywordTimeout = d.KeywordTimeout
	}
	if c.SemanticTimeout <= 0 {
		c.SemanticTimeout = d.SemanticTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Request contains parameters for a search operation
type Request struct {
	Query   string
	Mode    types.SearchMode // Empty means hybrid
	Filters types.Filters
	Weights *types.Weights // Nil uses the configured weights
	Limit   int
	Rerank  bool
}

// Response contains search results and metadata
type Response struct {
	Results       []types.SearchResult
	Query         query.Query
	Mode          types.SearchMode // As requested
	EffectiveMode types.SearchMode // What actually ran
	Degraded      bool
	Flags         []string
	KeywordHits   int
	SemanticHits  int
	Reranked      bool
	Duration      time.Duration
	EventID       string // Set when the search was recorded for analytics
}

func (r *Response) flag(f string) {
	if f == "" {
		return
	}
	for _, existing := range r.Flags {
		if existing == f {
			return
		}
	}
	r.Flags = append(r.Flags, f)
	r.Degraded = true
}

// Option configures a Searcher
type Option func(*Searcher)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReranker enables Request.Rerank
func WithReranker(r Reranker) Option {
	return func(s *Searcher) {
		s.reranker = r
	}
}

// Searcher is the hybrid fusion engine
type Searcher struct {
	keyword  KeywordSearcher
	semantic func() semantic.Provider
	docs     DocumentLoader
	reranker Reranker
	cfg      Config
	logger   *slog.Logger

	fallbackOnce sync.Once
}

// New creates a searcher. semantic is consulted per request so a
// reinitialized provider takes effect immediately.
func New(kw KeywordSearcher, sem func() semantic.Provider, docs DocumentLoader, cfg Config, opts ...Option) *Searcher {
	if sem == nil {
		unavailable := semantic.NewUnavailable(errors.New("no semantic provider configured"))
		sem = func() semantic.Provider { return unavailable }
	}
	s := &Searcher{
		keyword:  kw,
		semantic: sem,
		docs:     docs,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "searcher")
	return s
}

// Config returns the effective configuration
func (s *Searcher) Config() Config {
	return s.cfg
}

// subResult is what one sub-search produced
type subResult struct {
	keywordHits  []keyword.Hit
	keywordErr   error
	semanticHits []semantic.Hit
	semanticErr  error
}

// Search runs the request. Component failures degrade the response and set
// flags; only invalid requests and caller cancellation return an error.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	mode, weights, limit, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	q := query.Parse(req.Query)
	resp := &Response{
		Results:       []types.SearchResult{},
		Query:         q,
		Mode:          mode,
		EffectiveMode: mode,
	}
	if q.Empty {
		resp.Duration = time.Since(start)
		return resp, nil
	}
	filters := req.Filters.Merge(q.Tags)

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	provider := s.semantic()
	runKeyword := mode != types.ModeSemantic
	runSemantic := mode != types.ModeKeyword
	if runSemantic && !provider.Available() {
		s.fallbackOnce.Do(func() {
			s.logger.Warn("semantic search unavailable, using keyword results", "reason", provider.Reason())
		})
		resp.flag(types.FlagSemanticUnavailable)
		runSemantic = false
		runKeyword = true
	}

	fetch := s.cfg.CandidateLimit
	if limit > fetch {
		fetch = limit
	}

	res := s.runSubSearches(reqCtx, q, provider, runKeyword, runSemantic, fetch, filters)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Semantic mode falls back to keyword results when the vector side failed
	if mode == types.ModeSemantic && runSemantic && res.semanticErr != nil && reqCtx.Err() == nil {
		runKeyword = true
		kwCtx, kwCancel := context.WithTimeout(reqCtx, s.cfg.KeywordTimeout)
		res.keywordHits, res.keywordErr = s.keyword.Search(kwCtx, q, fetch, filters)
		kwCancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if runKeyword {
		if res.keywordErr != nil {
			resp.flag(keywordFlag(res.keywordErr))
			s.logger.Warn("keyword search degraded", "error", res.keywordErr)
			res.keywordHits = nil
		}
	}
	if runSemantic && res.semanticErr != nil {
		resp.flag(semanticFlag(res.semanticErr))
		s.logger.Warn("semantic search degraded", "error", res.semanticErr)
		res.semanticHits = nil
	}
	resp.KeywordHits = len(res.keywordHits)
	resp.SemanticHits = len(res.semanticHits)
	resp.EffectiveMode = effectiveMode(len(res.keywordHits) > 0 || (runKeyword && res.keywordErr == nil),
		len(res.semanticHits) > 0 || (runSemantic && res.semanticErr == nil), mode)

	// A single active list ranks by itself; in hybrid mode a failed side
	// simply contributes nothing
	fw := weights
	switch mode {
	case types.ModeKeyword:
		fw = types.Weights{Keyword: 1}
	case types.ModeSemantic:
		fw = types.Weights{Keyword: 1, Semantic: 1}
	}
	fused := fuse(res.keywordHits, res.semanticHits, fw, s.cfg.RRFConstant)

	results := s.materialize(reqCtx, q, fused, filters)

	if req.Rerank && len(results) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome := s.rerank(reqCtx, q, results, limit)
		results = outcome.Results
		resp.Reranked = outcome.Applied
		resp.flag(outcome.Flag)
	} else if len(results) > limit {
		results = results[:limit]
	}

	for i := range results {
		results[i].Rank = i + 1
	}
	resp.Results = results
	resp.Duration = time.Since(start)
	return resp, nil
}

func (s *Searcher) validate(req Request) (types.SearchMode, types.Weights, int, error) {
	mode, err := types.ParseMode(string(req.Mode))
	if err != nil {
		return "", types.Weights{}, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	weights := s.cfg.Weights
	if req.Weights != nil {
		weights = *req.Weights
		if err := weights.Validate(); err != nil {
			return "", types.Weights{}, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if req.Limit < 0 {
		return "", types.Weights{}, 0, fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return mode, weights, limit, nil
}

// runSubSearches runs the enabled sub-searches concurrently, each under its
// own budget. Errors are returned per side, never as a group failure.
func (s *Searcher) runSubSearches(ctx context.Context, q query.Query, provider semantic.Provider, runKeyword, runSemantic bool, fetch int, filters types.Filters) subResult {
	var res subResult
	var g errgroup.Group

	if runKeyword {
		g.Go(func() error {
			kwCtx, cancel := context.WithTimeout(ctx, s.cfg.KeywordTimeout)
			defer cancel()
			res.keywordHits, res.keywordErr = s.keyword.Search(kwCtx, q, fetch, filters)
			return nil
		})
	}
	if runSemantic {
		g.Go(func() error {
			semCtx, cancel := context.WithTimeout(ctx, s.cfg.SemanticTimeout)
			defer cancel()
			text := q.Text
			if text == "" {
				return nil
			}
			vector, err := provider.Embed(semCtx, text)
			if err != nil {
				res.semanticErr = err
				return nil
			}
			res.semanticHits, res.semanticErr = provider.Search(semCtx, vector, fetch, filters)
			return nil
		})
	}

	_ = g.Wait()
	return res
}

// materialize applies the structured post-filter and fills titles and
// snippets for documents found only by the semantic side
func (s *Searcher) materialize(ctx context.Context, q query.Query, fused []*candidate, filters types.Filters) []types.SearchResult {
	if len(fused) == 0 {
		return []types.SearchResult{}
	}

	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.documentID
	}

	var docs map[string]*types.Document
	if s.docs != nil {
		var err error
		docs, err = s.docs.GetDocuments(ctx, ids)
		if err != nil {
			// Filters were pushed down into both sub-searches, so the
			// candidates already satisfy them
			s.logger.Warn("loading documents for post-filter failed", "error", err)
			docs = nil
		}
	}

	terms := q.HighlightTerms()
	out := make([]types.SearchResult, 0, len(fused))
	for _, c := range fused {
		if docs != nil {
			doc, ok := docs[c.documentID]
			if !ok || !filters.Match(doc) {
				continue
			}
			if c.title == "" {
				c.title = doc.Title
			}
			if c.snippet == "" {
				text := doc.Body
				if text == "" {
					text = doc.Title
				}
				c.snippet = keyword.Snippet(text, terms, s.cfg.SnippetChars)
			}
		}
		out = append(out, types.SearchResult{
			DocumentID:    c.documentID,
			Title:         c.title,
			Snippet:       c.snippet,
			KeywordScore:  c.keywordScore,
			SemanticScore: c.semanticScore,
			FusedScore:    c.fused,
			MatchType:     c.matchType(),
		})
	}
	return out
}

func (s *Searcher) rerank(ctx context.Context, q query.Query, results []types.SearchResult, limit int) reranker.Outcome {
	if s.reranker == nil {
		if len(results) > limit {
			results = results[:limit]
		}
		return reranker.Outcome{Results: results, Flag: types.FlagRerankUnavailable}
	}
	return s.reranker.Rerank(ctx, q.Text, results, limit)
}

func keywordFlag(err error) string {
	switch {
	case errors.Is(err, keyword.ErrIndexUnavailable):
		return types.FlagKeywordUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return types.FlagKeywordTimeout
	default:
		return types.FlagKeywordError
	}
}

func semanticFlag(err error) string {
	switch {
	case errors.Is(err, semantic.ErrUnavailable):
		return types.FlagSemanticUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return types.FlagSemanticTimeout
	default:
		return types.FlagSemanticError
	}
}

// effectiveMode names the sources that actually contributed
func effectiveMode(keywordOK, semanticOK bool, requested types.SearchMode) types.SearchMode {
	switch {
	case keywordOK && semanticOK:
		return types.ModeHybrid
	case semanticOK:
		return types.ModeSemantic
	case keywordOK:
		return types.ModeKeyword
	default:
		return requested
	}
}
