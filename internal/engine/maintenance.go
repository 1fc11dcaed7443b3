package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// ReindexReport summarizes a full reindex
type ReindexReport struct {
	Indexed  int      `json:"indexed"`
	Removed  int      `json:"removed"`
	Queued   int      `json:"queued"`
	Failures []string `json:"failures,omitempty"`
}

// Reindex re-syncs the keyword projection with the document store, drops
// entries for notes that no longer exist, queues embeddings that are
// missing or stale, and rebuilds the FTS index from the projection.
func (e *Engine) Reindex(ctx context.Context) (*ReindexReport, error) {
	docs, err := e.docs.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	report := &ReindexReport{}
	live := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d := e.prepare(ctx, doc)
		if d.Status == types.StatusDeleted {
			continue
		}
		if err := d.Validate(); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", d.ID, err))
			continue
		}
		live[d.ID] = struct{}{}

		if err := e.keyword.Index(ctx, &d); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", d.ID, err))
			continue
		}
		report.Indexed++
		_, created, err := e.queue.Enqueue(ctx, d.ID, d.ContentHash)
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", d.ID, err))
			continue
		}
		if created {
			report.Queued++
		}
	}

	indexed, err := e.store.ListDocumentIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range indexed {
		if _, ok := live[id]; ok {
			continue
		}
		if err := e.OnDocumentDeleted(ctx, id); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		report.Removed++
	}

	if err := e.keyword.Rebuild(ctx); err != nil {
		return report, fmt.Errorf("rebuild keyword index: %w", err)
	}

	e.logger.Info("reindex complete",
		"indexed", report.Indexed, "removed", report.Removed,
		"queued", report.Queued, "failures", len(report.Failures))
	return report, nil
}

// Status describes index contents and component health
type Status struct {
	Documents         int                       `json:"documents"`
	Embeddings        int                       `json:"embeddings"`
	Jobs              map[storage.JobStatus]int `json:"jobs"`
	IndexSizeMB       float64                   `json:"index_size_mb"`
	SchemaVersion     string                    `json:"schema_version"`
	KeywordAvailable  bool                      `json:"keyword_available"`
	KeywordHealthy    bool                      `json:"keyword_healthy"`
	SemanticAvailable bool                      `json:"semantic_available"`
	SemanticModel     string                    `json:"semantic_model,omitempty"`
	SemanticReason    string                    `json:"semantic_reason,omitempty"`
	RerankAvailable   bool                      `json:"rerank_available"`
	AnalyticsDropped  int64                     `json:"analytics_dropped"`
}

// Status reports counts and whether each component is serving
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	provider := e.semantic.Current()
	stats, err := e.store.Stats(ctx, provider.Model())
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}

	st := &Status{
		Documents:         stats.Documents,
		Embeddings:        stats.Embeddings,
		Jobs:              stats.Jobs,
		IndexSizeMB:       stats.IndexSizeMB,
		SchemaVersion:     stats.SchemaVersion,
		KeywordAvailable:  e.keyword.Available(),
		SemanticAvailable: provider.Available(),
		SemanticModel:     provider.Model(),
		RerankAvailable:   e.reranker.Available(),
		AnalyticsDropped:  e.analytics.Dropped(),
	}
	if reason := provider.Reason(); reason != nil {
		st.SemanticReason = reason.Error()
	}

	err = e.keyword.CheckIntegrity(ctx)
	switch {
	case err == nil:
		st.KeywordHealthy = true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		e.logger.Warn("keyword index integrity check failed", "error", err)
	}
	return st, nil
}
