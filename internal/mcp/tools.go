package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/notesearch/internal/analytics"
	"github.com/dshills/notesearch/internal/searcher"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound      = -32001 // Unknown document, job or search event
	ErrorCodeEmptyQuery    = -32004 // Query parameter is empty
)

const defaultAnalyticsWindow = 7 * 24 * time.Hour

// handleSearchNotes handles the search_notes tool invocation
func (s *Server) handleSearchNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", 0)
	if limit < 0 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	mode, err := types.ParseMode(getStringDefault(args, "mode", ""))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   args["mode"],
			"allowed": []string{"hybrid", "keyword", "semantic"},
		})
	}

	filters, err := parseFilters(args["filters"])
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid filters", map[string]interface{}{
			"param":  "filters",
			"reason": err.Error(),
		})
	}

	req := searcher.Request{
		Query:   query,
		Mode:    mode,
		Filters: filters,
		Limit:   limit,
		Rerank:  getBoolDefault(args, "rerank", false),
	}
	if raw, ok := args["weights"].(map[string]interface{}); ok {
		req.Weights = &types.Weights{
			Keyword:  getFloatDefault(raw, "keyword", 0),
			Semantic: getFloatDefault(raw, "semantic", 0),
		}
	}

	resp, err := s.engine.Search(ctx, req)
	if err != nil {
		if isInvalidParams(err) {
			return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
		}
		return nil, s.internalError("search failed", err)
	}

	results := make([]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		item := map[string]interface{}{
			"rank":           r.Rank,
			"document_id":    r.DocumentID,
			"title":          r.Title,
			"snippet":        r.Snippet,
			"match_type":     r.MatchType,
			"fused_score":    r.FusedScore,
			"keyword_score":  r.KeywordScore,
			"semantic_score": r.SemanticScore,
		}
		if r.RerankScore != nil {
			item["rerank_score"] = *r.RerankScore
		}
		if r.CombinedScore != nil {
			item["combined_score"] = *r.CombinedScore
		}
		results = append(results, item)
	}

	response := map[string]interface{}{
		"results":        results,
		"count":          len(results),
		"mode":           resp.Mode,
		"effective_mode": resp.EffectiveMode,
		"degraded":       resp.Degraded,
		"reranked":       resp.Reranked,
		"duration_ms":    resp.Duration.Milliseconds(),
	}
	if len(resp.Flags) > 0 {
		response["flags"] = resp.Flags
	}
	if resp.EventID != "" {
		response["event_id"] = resp.EventID
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSuggestNotes handles the suggest_notes tool invocation
func (s *Server) handleSuggestNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	prefix := getStringDefault(args, "prefix", "")
	limit := getIntDefault(args, "limit", 5)
	if limit < 1 || limit > 20 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 20", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	suggestions, err := s.engine.Suggest(ctx, prefix, limit)
	if err != nil {
		return nil, s.internalError("suggest failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"prefix":      prefix,
		"suggestions": suggestions,
	})), nil
}

// handleJobStatus handles the job_status tool invocation
func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	if id := getStringDefault(args, "document_id", ""); id != "" {
		job, err := s.engine.JobStatus(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newMCPError(ErrorCodeNotFound, "no embedding job for document", map[string]interface{}{
				"document_id": id,
			})
		}
		if err != nil {
			return nil, s.internalError("failed to get job", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"job": jobJSON(job)})), nil
	}

	status := storage.JobStatus(getStringDefault(args, "status", ""))
	if status != "" && !status.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid status", map[string]interface{}{
			"param":   "status",
			"value":   status,
			"allowed": []string{"pending", "processing", "complete", "failed"},
		})
	}
	limit := getIntDefault(args, "limit", 20)
	if limit < 1 || limit > 200 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 200", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	jobs, err := s.engine.Jobs(ctx, status, limit)
	if err != nil {
		return nil, s.internalError("failed to list jobs", err)
	}
	out := make([]interface{}, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobJSON(j))
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})), nil
}

// handleRetryJob handles the retry_embedding_job tool invocation
func (s *Server) handleRetryJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	id := getStringDefault(args, "document_id", "")
	if id == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "document_id parameter is required", map[string]interface{}{
			"param":  "document_id",
			"reason": "missing or empty",
		})
	}

	job, err := s.engine.RetryFailedJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newMCPError(ErrorCodeNotFound, "no failed embedding job for document", map[string]interface{}{
			"document_id": id,
		})
	}
	if err != nil {
		return nil, s.internalError("retry failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"job": jobJSON(job)})), nil
}

// handleSearchAnalytics handles the search_analytics tool invocation
func (s *Server) handleSearchAnalytics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	to := s.now()
	var err error
	if v := getStringDefault(args, "to", ""); v != "" {
		if to, err = parseTime(v, true); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid to", map[string]interface{}{"param": "to", "reason": err.Error()})
		}
	}
	from := to.Add(-defaultAnalyticsWindow)
	if v := getStringDefault(args, "from", ""); v != "" {
		if from, err = parseTime(v, false); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid from", map[string]interface{}{"param": "from", "reason": err.Error()})
		}
	}
	if from.After(to) {
		return nil, newMCPError(ErrorCodeInvalidParams, "from must not be after to", nil)
	}
	recent := getIntDefault(args, "recent", 0)
	if recent < 0 || recent > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "recent must be between 0 and 100", map[string]interface{}{
			"param": "recent",
			"value": recent,
		})
	}

	summary, err := s.engine.Analytics(ctx, from, to)
	if err != nil {
		return nil, s.internalError("failed to summarize searches", err)
	}
	response := map[string]interface{}{"summary": summary}

	if recent > 0 {
		events, err := s.engine.RecentSearches(ctx, recent)
		if err != nil {
			return nil, s.internalError("failed to list searches", err)
		}
		list := make([]interface{}, 0, len(events))
		for _, ev := range events {
			item := map[string]interface{}{
				"event_id":     ev.ID,
				"query":        ev.QueryText,
				"mode":         ev.Mode,
				"result_count": ev.ResultCount,
				"latency_ms":   ev.LatencyMs,
				"created_at":   ev.CreatedAt.Format(time.RFC3339),
			}
			if len(ev.DegradedFlags) > 0 {
				item["flags"] = ev.DegradedFlags
			}
			if ev.ClickedDocumentID != "" {
				item["clicked_document_id"] = ev.ClickedDocumentID
			}
			list = append(list, item)
		}
		response["recent"] = list
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRecordClick handles the record_click tool invocation
func (s *Server) handleRecordClick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	eventID := getStringDefault(args, "event_id", "")
	docID := getStringDefault(args, "document_id", "")
	for _, p := range [][2]string{{"event_id", eventID}, {"document_id", docID}} {
		if p[1] == "" {
			return nil, newMCPError(ErrorCodeInvalidParams, p[0]+" parameter is required", map[string]interface{}{
				"param":  p[0],
				"reason": "missing or empty",
			})
		}
	}

	err := s.engine.RecordClick(ctx, eventID, docID)
	if errors.Is(err, analytics.ErrEventNotFound) {
		return nil, newMCPError(ErrorCodeNotFound, "unknown search event", map[string]interface{}{
			"event_id": eventID,
		})
	}
	if err != nil {
		return nil, s.internalError("failed to record click", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"recorded": true})), nil
}

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.engine.Status(ctx)
	if err != nil {
		return nil, s.internalError("failed to get status", err)
	}

	jobs := make(map[string]interface{}, len(status.Jobs))
	for k, v := range status.Jobs {
		jobs[string(k)] = v
	}
	response := map[string]interface{}{
		"statistics": map[string]interface{}{
			"documents":      status.Documents,
			"embeddings":     status.Embeddings,
			"jobs":           jobs,
			"index_size_mb":  fmt.Sprintf("%.2f", status.IndexSizeMB),
			"schema_version": status.SchemaVersion,
		},
		"health": map[string]interface{}{
			"keyword_available":  status.KeywordAvailable,
			"keyword_healthy":    status.KeywordHealthy,
			"semantic_available": status.SemanticAvailable,
			"semantic_model":     status.SemanticModel,
			"semantic_reason":    status.SemanticReason,
			"rerank_available":   status.RerankAvailable,
			"analytics_dropped":  status.AnalyticsDropped,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleReindexNotes handles the reindex_notes tool invocation
func (s *Server) handleReindexNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := s.now()
	report, err := s.engine.Reindex(ctx)
	if err != nil {
		return nil, s.internalError("reindex failed", err)
	}

	response := map[string]interface{}{
		"indexed":     report.Indexed,
		"removed":     report.Removed,
		"queued":      report.Queued,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	}
	if n := len(report.Failures); n > 0 {
		// Include first few failures
		if n > 5 {
			response["failures"] = report.Failures[:5]
		} else {
			response["failures"] = report.Failures
		}
		response["failure_count"] = n
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

func (s *Server) internalError(message string, err error) error {
	s.logger.Error(message, "error", err)
	return newMCPError(ErrorCodeInternalError, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func isInvalidParams(err error) bool {
	return errors.Is(err, searcher.ErrInvalidRequest) ||
		errors.Is(err, types.ErrInvalidMode) ||
		errors.Is(err, types.ErrInvalidWeights)
}

func jobJSON(j *storage.Job) map[string]interface{} {
	out := map[string]interface{}{
		"document_id": j.DocumentID,
		"status":      j.Status,
		"attempts":    j.Attempts,
		"enqueued_at": j.EnqueuedAt.Format(time.RFC3339),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339),
	}
	if j.LastError != "" {
		out["last_error"] = j.LastError
	}
	if j.Status == storage.JobPending && !j.NextAttemptAt.IsZero() {
		out["next_attempt_at"] = j.NextAttemptAt.Format(time.RFC3339)
	}
	return out
}

// parseFilters reads the optional filters object
func parseFilters(raw interface{}) (types.Filters, error) {
	var f types.Filters
	if raw == nil {
		return f, nil
	}
	args, ok := raw.(map[string]interface{})
	if !ok {
		return f, errors.New("filters must be an object")
	}

	switch tags := args["tags"].(type) {
	case nil:
	case []interface{}:
		for _, t := range tags {
			s, ok := t.(string)
			if !ok {
				return f, errors.New("tags must be strings")
			}
			f.Tags = append(f.Tags, s)
		}
	case []string:
		f.Tags = append(f.Tags, tags...)
	default:
		return f, errors.New("tags must be an array")
	}
	f.Tags = types.NormalizeTags(f.Tags)
	f.Type = strings.ToLower(getStringDefault(args, "type", ""))

	if v := getStringDefault(args, "status", ""); v != "" {
		st := types.Status(strings.ToLower(v))
		if st != types.StatusActive && st != types.StatusArchived {
			return f, fmt.Errorf("status must be active or archived, got %q", v)
		}
		f.Status = st
	}

	var err error
	if v := getStringDefault(args, "from", ""); v != "" {
		if f.DateRange.From, err = parseTime(v, false); err != nil {
			return f, err
		}
	}
	if v := getStringDefault(args, "to", ""); v != "" {
		if f.DateRange.To, err = parseTime(v, true); err != nil {
			return f, err
		}
	}
	if !f.DateRange.From.IsZero() && !f.DateRange.To.IsZero() && f.DateRange.From.After(f.DateRange.To) {
		return f, errors.New("from must not be after to")
	}
	return f, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseTime(v string, end bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339 or YYYY-MM-DD", v)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
