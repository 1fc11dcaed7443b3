package searcher

import (
	"sort"

	"github.com/dshills/notesearch/internal/keyword"
	"github.com/dshills/notesearch/internal/semantic"
	"github.com/dshills/notesearch/pkg/types"
)

// DefaultRRFConstant is the k in 1/(k + rank)
const DefaultRRFConstant = 60

// candidate is one document in the fused set
type candidate struct {
	documentID    string
	title         string
	snippet       string
	fused         float64
	keywordScore  float64
	semanticScore float64
	keywordRank   int // 1-based, 0 when absent
	semanticRank  int
}

func (c *candidate) inBoth() bool {
	return c.keywordRank > 0 && c.semanticRank > 0
}

func (c *candidate) matchType() types.MatchType {
	switch {
	case c.inBoth():
		return types.MatchBoth
	case c.semanticRank > 0:
		return types.MatchSemantic
	default:
		return types.MatchKeyword
	}
}

// fuse merges the ranked lists with weighted Reciprocal Rank Fusion:
// fused(d) = sum_i w_i / (k + rank_i(d)). A document absent from a list
// gets no term from it.
func fuse(keywordHits []keyword.Hit, semanticHits []semantic.Hit, w types.Weights, k float64) []*candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	byID := make(map[string]*candidate, len(keywordHits)+len(semanticHits))
	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{documentID: id}
			byID[id] = c
		}
		return c
	}

	for i, h := range keywordHits {
		c := get(h.DocumentID)
		if c.keywordRank > 0 {
			continue
		}
		c.keywordRank = i + 1
		c.keywordScore = h.Score
		c.title = h.Title
		c.snippet = h.Snippet
		c.fused += w.Keyword / (k + float64(c.keywordRank))
	}
	for i, h := range semanticHits {
		c := get(h.DocumentID)
		if c.semanticRank > 0 {
			continue
		}
		c.semanticRank = i + 1
		c.semanticScore = h.Similarity
		c.fused += w.Semantic / (k + float64(c.semanticRank))
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by fused score, then presence in both lists, then
// keyword score, then id
func sortCandidates(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if a.inBoth() != b.inBoth() {
			return a.inBoth()
		}
		if a.keywordScore != b.keywordScore {
			return a.keywordScore > b.keywordScore
		}
		return a.documentID < b.documentID
	})
}
