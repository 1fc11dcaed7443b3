package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchNotesTool returns the tool definition for search_notes
func searchNotesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_notes",
		Description: "Search notes by keywords or meaning. Quoted phrases, -excluded terms and inline #tags are understood.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language, keywords, \"phrases\", -exclusions, #tags)",
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (keyword + semantic), keyword (BM25 only) or semantic (vector only)",
					"enum":        []string{"hybrid", "keyword", "semantic"},
					"default":     "hybrid",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     8,
					"minimum":     1,
					"maximum":     100,
				},
				"rerank": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, rescore the top candidates with the cross-encoder",
					"default":     false,
				},
				"weights": map[string]interface{}{
					"type":        "object",
					"description": "Per-source fusion weights; omitted uses the configured weights",
					"properties": map[string]interface{}{
						"keyword":  map[string]interface{}{"type": "number", "minimum": 0.0},
						"semantic": map[string]interface{}{"type": "number", "minimum": 0.0},
					},
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						"tags": map[string]interface{}{
							"type":        "array",
							"description": "Notes must carry every listed tag",
							"items":       map[string]interface{}{"type": "string"},
						},
						"type": map[string]interface{}{
							"type":        "string",
							"description": "Note type (e.g. meeting, journal)",
						},
						"status": map[string]interface{}{
							"type": "string",
							"enum": []string{"active", "archived"},
						},
						"from": map[string]interface{}{
							"type":        "string",
							"description": "Created on or after (RFC 3339 or YYYY-MM-DD)",
						},
						"to": map[string]interface{}{
							"type":        "string",
							"description": "Created on or before (RFC 3339 or YYYY-MM-DD)",
						},
					},
				},
			},
			Required: []string{"query"},
		},
	}
}

// suggestNotesTool returns the tool definition for suggest_notes
func suggestNotesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "suggest_notes",
		Description: "Complete a partially typed query from note titles and tags",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"prefix": map[string]interface{}{
					"type":        "string",
					"description": "Typed text; a leading # suggests tags only",
				},
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": 5,
					"minimum": 1,
					"maximum": 20,
				},
			},
			Required: []string{"prefix"},
		},
	}
}

// jobStatusTool returns the tool definition for job_status
func jobStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "job_status",
		Description: "Show the embedding job of one note, or list jobs by status",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document_id": map[string]interface{}{
					"type":        "string",
					"description": "Note id; omit to list jobs",
				},
				"status": map[string]interface{}{
					"type": "string",
					"enum": []string{"pending", "processing", "complete", "failed"},
				},
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": 20,
					"minimum": 1,
					"maximum": 200,
				},
			},
		},
	}
}

// retryJobTool returns the tool definition for retry_embedding_job
func retryJobTool() mcp.Tool {
	return mcp.Tool{
		Name:        "retry_embedding_job",
		Description: "Schedule a new embedding attempt for a note whose last job failed",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"document_id"},
		},
	}
}

// searchAnalyticsTool returns the tool definition for search_analytics
func searchAnalyticsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_analytics",
		Description: "Summarize recorded searches: volume, latency, zero-result and degraded queries, click-through",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"from": map[string]interface{}{
					"type":        "string",
					"description": "Window start (RFC 3339 or YYYY-MM-DD); default 7 days ago",
				},
				"to": map[string]interface{}{
					"type":        "string",
					"description": "Window end (RFC 3339 or YYYY-MM-DD); default now",
				},
				"recent": map[string]interface{}{
					"type":        "integer",
					"description": "Also return this many most recent searches",
					"default":     0,
					"minimum":     0,
					"maximum":     100,
				},
			},
		},
	}
}

// recordClickTool returns the tool definition for record_click
func recordClickTool() mcp.Tool {
	return mcp.Tool{
		Name:        "record_click",
		Description: "Record that a search result was opened",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"event_id": map[string]interface{}{
					"type":        "string",
					"description": "event_id returned by search_notes",
				},
				"document_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"event_id", "document_id"},
		},
	}
}

// indexStatusTool returns the tool definition for index_status
func indexStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_status",
		Description: "Report index size, embedding coverage and the health of each search source",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// reindexNotesTool returns the tool definition for reindex_notes
func reindexNotesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "reindex_notes",
		Description: "Re-read every note, drop removed ones and rebuild the keyword index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
