// Package searcher implements hybrid note search combining BM25 keyword
// matching with vector similarity.
//
// The searcher provides three search modes:
//   - Hybrid: keyword and semantic sub-searches fused with weighted RRF (default)
//   - Semantic: vector similarity only
//   - Keyword: BM25 full-text search only
//
// # Basic Usage
//
//	s := searcher.New(keywordIndex, holder.Current, store, searcher.DefaultConfig(),
//	    searcher.WithReranker(rr))
//
//	resp, err := s.Search(ctx, searcher.Request{
//	    Query:  "machine learning data preprocessing",
//	    Mode:   types.ModeHybrid,
//	    Limit:  8,
//	    Rerank: true,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s (%.4f, %s)\n", r.Rank, r.Title, r.FusedScore, r.MatchType)
//	}
//
// # Weighted Reciprocal Rank Fusion
//
// Each sub-search over-fetches N = max(CandidateLimit, Limit) candidates.
// The lists are merged with
//
//	fused(d) = sum_i w_i / (k + rank_i(d))
//
// where rank_i is 1-based and a document missing from a list gets no term
// from it. Defaults are k = 60, keyword weight 0.3 and semantic weight 0.7.
// Ties go to documents found by both sides, then the higher BM25 score,
// then the lower id.
//
// # Filtering
//
// Tags (all required, including inline #tags from the query), type, status
// and a creation-date range are pushed down into both sub-searches and
// checked again over the fused set before truncation to Limit.
//
// # Degradation
//
// Search returns an error only for invalid requests and caller
// cancellation. Everything else degrades:
//
//   - Semantic provider unavailable: keyword results, flag semantic_unavailable
//   - Semantic timeout or error: keyword ranks only; the semantic weight is
//     dropped rather than given to keyword
//   - Keyword index unavailable (rebuilding), timeout or error: semantic ranks only
//   - Reranker unavailable, slow or failing: fused order, rerank_* flag
//
// Degraded responses set Degraded and list the reasons in Flags; analytics
// stores the same flags.
//
// # Time Budgets
//
// The whole request runs under RequestTimeout (2s). Inside it the keyword
// side has KeywordTimeout (500ms) and the semantic side, including the
// query embedding, has SemanticTimeout (1.5s). The reranker has its own
// shorter budget and is skipped once the caller has cancelled.
package searcher
