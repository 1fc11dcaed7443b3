// Package mcp implements the Model Context Protocol (MCP) server for notesearch.
//
// The server exposes the search engine to AI assistants as tools:
//   - search_notes: Ranked keyword, semantic or hybrid search over notes
//   - suggest_notes: Title and tag completion for a typed prefix
//   - job_status / retry_embedding_job: Inspect and retry embedding jobs
//   - search_analytics / record_click: Search analytics and click feedback
//   - index_status / reindex_notes: Index health and full resynchronization
//
// MCP is JSON-RPC 2.0 over stdio. The server is started with
//
//	notesearch serve --notes ~/notes
//
// and reads requests from stdin, writing responses to stdout. Logs go to
// stderr.
//
// # Tool: search_notes
//
//	Request:
//	{
//	  "name": "search_notes",
//	  "arguments": {
//	    "query": "release checklist #work -draft",
//	    "mode": "hybrid",
//	    "limit": 5,
//	    "rerank": true,
//	    "filters": {"status": "active", "from": "2024-01-01"}
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "document_id": "work/release",
//	      "title": "Release checklist",
//	      "snippet": "... the <mark>release</mark> <mark>checklist</mark> ...",
//	      "match_type": "both",
//	      "fused_score": 0.0161,
//	      "rerank_score": 3.41,
//	      "combined_score": 0.82
//	    }
//	  ],
//	  "count": 1,
//	  "mode": "hybrid",
//	  "effective_mode": "hybrid",
//	  "degraded": false,
//	  "reranked": true,
//	  "event_id": "5f1c..."
//	}
//
// A degraded response names what was skipped in "flags", for example
// "semantic_timeout" or "rerank_unavailable". Pass event_id to record_click
// when the user opens a result.
//
// # MCP Client Configuration
//
//	{
//	  "mcpServers": {
//	    "notesearch": {
//	      "command": "/usr/local/bin/notesearch",
//	      "args": ["serve", "--notes", "/home/me/notes"],
//	      "env": {
//	        "JINA_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
//
// # Error Handling
//
// Handlers return *MCPError values, which mcp-go encodes as JSON-RPC errors.
//
// Error codes:
//   - -32602: Invalid params (missing or invalid arguments)
//   - -32603: Internal error (storage, provider)
//   - -32001: Unknown document, job or search event
//   - -32004: Empty query
package mcp
