package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/notesearch/internal/analytics"
	"github.com/dshills/notesearch/internal/engine"
	"github.com/dshills/notesearch/internal/searcher"
	"github.com/dshills/notesearch/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "notesearch"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Engine is the search engine surface the tools call
type Engine interface {
	Search(ctx context.Context, req searcher.Request) (*searcher.Response, error)
	Suggest(ctx context.Context, prefix string, limit int) ([]string, error)
	JobStatus(ctx context.Context, documentID string) (*storage.Job, error)
	Jobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error)
	RetryFailedJob(ctx context.Context, documentID string) (*storage.Job, error)
	Analytics(ctx context.Context, from, to time.Time) (*analytics.Summary, error)
	RecentSearches(ctx context.Context, limit int) ([]storage.SearchEvent, error)
	RecordClick(ctx context.Context, eventID, documentID string) error
	Status(ctx context.Context) (*engine.Status, error)
	Reindex(ctx context.Context) (*engine.ReindexReport, error)
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion overrides the advertised server version
func WithVersion(version string) Option {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// Server wraps the MCP server with the search engine
type Server struct {
	mcp     *server.MCPServer
	engine  Engine
	logger  *slog.Logger
	version string
	now     func() time.Time
}

// NewServer creates an MCP server exposing eng as tools
func NewServer(eng Engine, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		logger:  slog.Default(),
		version: ServerVersion,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcp")

	s.mcp = server.NewMCPServer(
		ServerName,
		s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio until ctx is cancelled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving on stdio", "version", s.version)
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchNotesTool(), s.handleSearchNotes)
	s.mcp.AddTool(suggestNotesTool(), s.handleSuggestNotes)
	s.mcp.AddTool(jobStatusTool(), s.handleJobStatus)
	s.mcp.AddTool(retryJobTool(), s.handleRetryJob)
	s.mcp.AddTool(searchAnalyticsTool(), s.handleSearchAnalytics)
	s.mcp.AddTool(recordClickTool(), s.handleRecordClick)
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
	s.mcp.AddTool(reindexNotesTool(), s.handleReindexNotes)
}
