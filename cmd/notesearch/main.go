package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "notesearch",
		Usage:   "Hybrid keyword and semantic search over a directory of notes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config.toml (default ~/.notesearch/config.toml)",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to the index database",
				EnvVars: []string{"NOTESEARCH_DB"},
			},
			&cli.StringFlag{
				Name:    "notes",
				Aliases: []string{"n"},
				Usage:   "Notes directory",
				EnvVars: []string{"NOTESEARCH_NOTES_DIR"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file",
				Value: ".env",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Index the notes, watch for changes and serve MCP on stdio",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-watch",
						Usage: "Do not watch the notes directory for changes",
					},
				},
			},
			{
				Name:   "index",
				Usage:  "Re-read every note and bring the index up to date",
				Action: indexCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "embed",
						Usage: "Run pending embedding jobs before exiting",
						Value: true,
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Search the notes",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "mode",
						Aliases: []string{"m"},
						Usage:   "hybrid, keyword or semantic",
						Value:   "hybrid",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of results",
					},
					&cli.BoolFlag{
						Name:  "rerank",
						Usage: "Rescore the top candidates with the cross-encoder",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Require a tag (repeatable)",
					},
					&cli.StringFlag{
						Name:  "type",
						Usage: "Require a note type",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "active or archived",
					},
					&cli.TimestampFlag{
						Name:   "from",
						Usage:  "Created on or after (YYYY-MM-DD)",
						Layout: "2006-01-02",
					},
					&cli.TimestampFlag{
						Name:   "to",
						Usage:  "Created on or before (YYYY-MM-DD)",
						Layout: "2006-01-02",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the response as JSON",
					},
				},
			},
			{
				Name:      "suggest",
				Usage:     "Complete a partially typed query",
				ArgsUsage: "<prefix>",
				Action:    suggestCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 5},
				},
			},
			{
				Name:  "jobs",
				Usage: "Inspect embedding jobs",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List jobs, most recently updated first",
						Action: jobsListCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "status", Usage: "pending, processing, complete or failed"},
							&cli.IntFlag{Name: "limit", Value: 20},
						},
					},
					{
						Name:      "retry",
						Usage:     "Retry the failed job of a note",
						ArgsUsage: "<document-id>",
						Action:    jobsRetryCommand,
					},
				},
			},
			{
				Name:   "analytics",
				Usage:  "Summarize recorded searches",
				Action: analyticsCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "window",
						Usage: "How far back to summarize",
						Value: 7 * 24 * time.Hour,
					},
					&cli.IntFlag{
						Name:  "recent",
						Usage: "Also list this many recent searches",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show index size and component health",
				Action: statusCommand,
			},
			{
				Name:  "config",
				Usage: "Manage the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Write the default configuration",
						Action: configInitCommand,
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
						},
					},
					{
						Name:   "show",
						Usage:  "Print the effective configuration",
						Action: configShowCommand,
					},
				},
			},
			{
				Name:   "version",
				Usage:  "Print build information",
				Action: versionCommand,
			},
		},
	}
}

// setup configures logging and loads the env file
func setup(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}
	if path := c.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	// stdout is reserved for the MCP protocol
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}
