package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/dshills/notesearch/internal/storage"
)

// Summary aggregates search events over a time window
type Summary struct {
	From             time.Time      `json:"from,omitempty"`
	To               time.Time      `json:"to,omitempty"`
	Total            int            `json:"total"`
	ByMode           map[string]int `json:"by_mode"`
	ZeroResult       int            `json:"zero_result"`
	Degraded         int            `json:"degraded"`
	Flags            map[string]int `json:"flags"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	P50LatencyMs     int64          `json:"p50_latency_ms"`
	P95LatencyMs     int64          `json:"p95_latency_ms"`
	Clicks           int            `json:"clicks"`
	ClickThroughRate float64        `json:"click_through_rate"`
	TopQueries       []QueryCount   `json:"top_queries"`
	Dropped          int64          `json:"dropped"`
}

// QueryCount is how often a query text was searched
type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

const topQueries = 10

// Summarize computes the aggregate of events
func Summarize(events []storage.SearchEvent) *Summary {
	s := &Summary{
		Total:      len(events),
		ByMode:     make(map[string]int),
		Flags:      make(map[string]int),
		TopQueries: []QueryCount{},
	}
	if len(events) == 0 {
		return s
	}

	latencies := make([]int64, 0, len(events))
	queries := make(map[string]int)
	var sum int64
	for _, e := range events {
		s.ByMode[e.Mode]++
		if e.ResultCount == 0 {
			s.ZeroResult++
		}
		if len(e.DegradedFlags) > 0 {
			s.Degraded++
		}
		for _, f := range e.DegradedFlags {
			s.Flags[f]++
		}
		if e.ClickedDocumentID != "" {
			s.Clicks++
		}
		if e.QueryText != "" {
			queries[e.QueryText]++
		}
		latencies = append(latencies, e.LatencyMs)
		sum += e.LatencyMs
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.AvgLatencyMs = float64(sum) / float64(len(latencies))
	s.P50LatencyMs = percentile(latencies, 50)
	s.P95LatencyMs = percentile(latencies, 95)
	s.ClickThroughRate = float64(s.Clicks) / float64(s.Total)

	for q, n := range queries {
		s.TopQueries = append(s.TopQueries, QueryCount{Query: q, Count: n})
	}
	sort.Slice(s.TopQueries, func(i, j int) bool {
		if s.TopQueries[i].Count != s.TopQueries[j].Count {
			return s.TopQueries[i].Count > s.TopQueries[j].Count
		}
		return s.TopQueries[i].Query < s.TopQueries[j].Query
	})
	if len(s.TopQueries) > topQueries {
		s.TopQueries = s.TopQueries[:topQueries]
	}
	return s
}

// percentile uses the nearest-rank method over sorted values
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
