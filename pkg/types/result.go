package types

import (
	"fmt"
	"strings"
	"time"
)

// SearchMode defines which retrieval sources participate in a search
type SearchMode string

const (
	ModeKeyword  SearchMode = "keyword"  // BM25 full-text only
	ModeSemantic SearchMode = "semantic" // Vector similarity only
	ModeHybrid   SearchMode = "hybrid"   // Both, merged with weighted RRF
)

// ParseMode converts user input into a SearchMode, defaulting to hybrid
func ParseMode(s string) (SearchMode, error) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeHybrid, nil
	case ModeKeyword:
		return ModeKeyword, nil
	case ModeSemantic, "vector":
		return ModeSemantic, nil
	case ModeHybrid:
		return ModeHybrid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// MatchType records which sub-searches produced a result
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchSemantic MatchType = "semantic"
	MatchBoth     MatchType = "both"
)

// SearchResult represents a single ranked note
type SearchResult struct {
	DocumentID string
	Title      string
	Snippet    string
	Rank       int // Position in result set (1-based)

	KeywordScore  float64  // BM25, higher is better; 0 when absent
	SemanticScore float64  // Cosine similarity; 0 when absent
	FusedScore    float64  // Weighted RRF score
	RerankScore   *float64 // Raw cross-encoder score when reranked
	CombinedScore *float64 // Blend of normalized rerank and fused scores that orders reranked results

	MatchType MatchType
}

// Weights are the per-source RRF weights
type Weights struct {
	Keyword  float64
	Semantic float64
}

// DefaultWeights matches the production tuning: semantic evidence dominates
func DefaultWeights() Weights {
	return Weights{Keyword: 0.3, Semantic: 0.7}
}

// Validate rejects negative weights and an all-zero configuration
func (w Weights) Validate() error {
	if w.Keyword < 0 || w.Semantic < 0 {
		return ErrInvalidWeights
	}
	if w.Keyword == 0 && w.Semantic == 0 {
		return ErrInvalidWeights
	}
	return nil
}

// DateRange bounds a document's creation time; zero ends are open
type DateRange struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the range is unbounded on both ends
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether t falls inside the inclusive range
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Filters are the structured predicates applied to fused candidates
type Filters struct {
	Tags      []string // Document must carry all of them
	Type      string
	Status    Status
	DateRange DateRange // Applied to CreatedAt
}

// IsZero reports whether no predicate is set
func (f Filters) IsZero() bool {
	return len(f.Tags) == 0 && f.Type == "" && f.Status == "" && f.DateRange.IsZero()
}

// Merge returns f with inline tags from the query added
func (f Filters) Merge(tags []string) Filters {
	if len(tags) == 0 {
		return f
	}
	merged := f
	merged.Tags = NormalizeTags(append(append([]string{}, f.Tags...), tags...))
	return merged
}

// Match evaluates every predicate against doc
func (f Filters) Match(doc *Document) bool {
	if doc == nil {
		return false
	}
	if !doc.HasAllTags(f.Tags) {
		return false
	}
	if f.Type != "" && !strings.EqualFold(doc.Type, f.Type) {
		return false
	}
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	return f.DateRange.Contains(doc.CreatedAt)
}

// Degraded flags explain why a response is best-effort
const (
	FlagSemanticUnavailable = "semantic_unavailable"
	FlagSemanticTimeout     = "semantic_timeout"
	FlagSemanticError       = "semantic_error"
	FlagKeywordUnavailable  = "keyword_unavailable"
	FlagKeywordTimeout      = "keyword_timeout"
	FlagKeywordError        = "keyword_error"
	FlagRerankUnavailable   = "rerank_unavailable"
	FlagRerankTimeout       = "rerank_timeout"
	FlagRerankError         = "rerank_error"
)
