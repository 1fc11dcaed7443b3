package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dshills/notesearch/internal/config"
	"github.com/dshills/notesearch/internal/embedder"
	"github.com/dshills/notesearch/internal/engine"
	"github.com/dshills/notesearch/internal/mcp"
	"github.com/dshills/notesearch/internal/notesdir"
	"github.com/dshills/notesearch/internal/searcher"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// runtime is an opened index plus the components built on it
type runtime struct {
	cfg    *config.Config
	store  *storage.SQLiteStorage
	notes  *notesdir.Store
	engine *engine.Engine
}

func (r *runtime) Close() error {
	return errors.Join(r.engine.Close(), r.store.Close())
}

// loadConfig reads the config file and applies global flag overrides
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("db"); v != "" {
		cfg.Storage.Path = v
	}
	if v := c.String("notes"); v != "" {
		cfg.Notes.Dir = v
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	notes, err := notesdir.New(cfg.Notes.Dir, notesdir.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	embCfg := cfg.EmbedderConfig()
	embCfg.Logger = logger
	emb, err := embedder.New(embCfg)
	if err != nil {
		// Keyword search still works without embeddings
		logger.Warn("semantic search disabled", "error", err)
	} else {
		opts = append(opts, engine.WithEmbedder(emb))
	}

	eng, err := engine.New(ctx, store, notes, cfg.EngineConfig(), opts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return &runtime{cfg: cfg, store: store, notes: notes, engine: eng}, nil
}

func serveCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	// The watcher must finish before the engine closes
	watchDone := make(chan struct{})
	close(watchDone)
	defer func() {
		cancel()
		<-watchDone
		_ = rt.Close()
	}()
	logger := slog.Default()

	report, err := rt.engine.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("initial index: %w", err)
	}
	logger.Info("notes indexed", "indexed", report.Indexed, "removed", report.Removed,
		"queued", report.Queued, "failures", len(report.Failures))

	if err := rt.engine.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 2)
	if rt.cfg.Notes.Watch && !c.Bool("no-watch") {
		known, err := rt.store.ListDocumentIDs(ctx)
		if err != nil {
			return err
		}
		w, err := rt.notes.Watch(rt.engine, known, notesdir.WithDebounce(rt.cfg.Notes.Debounce.Std()))
		if err != nil {
			return err
		}
		watchDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("watcher: %w", err)
			}
		}(watchDone)
		logger.Info("watching notes", "dir", rt.notes.Root())
	}

	server := mcp.NewServer(rt.engine, mcp.WithLogger(logger), mcp.WithVersion(version))

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	logger.Info("server stopped")
	return nil
}

func indexCommand(c *cli.Context) error {
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	start := time.Now()
	report, err := rt.engine.Reindex(ctx)
	if err != nil {
		return err
	}
	embedded := 0
	if c.Bool("embed") {
		if embedded, err = rt.engine.DrainJobs(ctx); err != nil {
			return err
		}
	}

	w := c.App.Writer
	fmt.Fprintf(w, "indexed %d, removed %d, queued %d, embedded %d in %s\n",
		report.Indexed, report.Removed, report.Queued, embedded, time.Since(start).Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  failed: %s\n", f)
	}
	return nil
}

func searchCommand(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: notesearch search <query>")
	}
	mode, err := types.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}

	req := searcher.Request{
		Query:  text,
		Mode:   mode,
		Limit:  c.Int("limit"),
		Rerank: c.Bool("rerank"),
		Filters: types.Filters{
			Tags:   types.NormalizeTags(c.StringSlice("tag")),
			Type:   strings.ToLower(c.String("type")),
			Status: types.Status(strings.ToLower(c.String("status"))),
		},
	}
	if from := c.Timestamp("from"); from != nil {
		req.Filters.DateRange.From = *from
	}
	if to := c.Timestamp("to"); to != nil {
		req.Filters.DateRange.To = to.Add(24*time.Hour - time.Nanosecond)
	}

	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	resp, err := rt.engine.Search(ctx, req)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, resp)
	}
	printResults(c.App.Writer, resp)
	return nil
}

func printResults(w io.Writer, resp *searcher.Response) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "no results")
	}
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%2d. %s [%s] %.4f (%s)\n", r.Rank, r.Title, r.DocumentID, r.FusedScore, r.MatchType)
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", r.Snippet)
		}
	}
	if resp.Degraded {
		fmt.Fprintf(w, "degraded: %s\n", strings.Join(resp.Flags, ", "))
	}
}

func suggestCommand(c *cli.Context) error {
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	suggestions, err := rt.engine.Suggest(ctx, strings.Join(c.Args().Slice(), " "), c.Int("limit"))
	if err != nil {
		return err
	}
	for _, s := range suggestions {
		fmt.Fprintln(c.App.Writer, s)
	}
	return nil
}

func jobsListCommand(c *cli.Context) error {
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	jobs, err := rt.engine.Jobs(ctx, storage.JobStatus(c.String("status")), c.Int("limit"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.DocumentID, j.Status, j.Attempts,
			j.UpdatedAt.Local().Format(time.DateTime), j.LastError)
	}
	return tw.Flush()
}

func jobsRetryCommand(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("usage: notesearch jobs retry <document-id>")
	}
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	job, err := rt.engine.RetryFailedJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s has no failed embedding job", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %s\n", job.DocumentID, job.Status)
	return nil
}

func analyticsCommand(c *cli.Context) error {
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	to := time.Now()
	summary, err := rt.engine.Analytics(ctx, to.Add(-c.Duration("window")), to)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"summary": summary}
	if n := c.Int("recent"); n > 0 {
		recent, err := rt.engine.RecentSearches(ctx, n)
		if err != nil {
			return err
		}
		out["recent"] = recent
	}
	return writeJSON(c.App.Writer, out)
}

func statusCommand(c *cli.Context) error {
	ctx := c.Context
	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	status, err := rt.engine.Status(ctx)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, status)
}

func configInitCommand(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := config.Default().Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func configShowCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// Keys stay out of terminal scrollback
	if cfg.Embedding.APIKey != "" {
		cfg.Embedding.APIKey = "***"
	}
	if cfg.Rerank.APIKey != "" {
		cfg.Rerank.APIKey = "***"
	}
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(data)
	return err
}

func versionCommand(c *cli.Context) error {
	w := c.App.Writer
	fmt.Fprintf(w, "notesearch %s\n", version)
	fmt.Fprintf(w, "Build Time: %s\n", buildTime)
	fmt.Fprintf(w, "Build Mode: %s\n", storage.BuildMode)
	fmt.Fprintf(w, "SQLite Driver: %s\n", storage.DriverName)
	fmt.Fprintf(w, "Embedding Provider: %s\n", embedder.DetectProvider())
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
