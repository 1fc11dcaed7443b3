// Package config loads notesearch settings from a TOML file and the
// environment. Precedence is defaults, then the file, then environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/notesearch/internal/analytics"
	"github.com/dshills/notesearch/internal/embedder"
	"github.com/dshills/notesearch/internal/engine"
	"github.com/dshills/notesearch/internal/jobs"
	"github.com/dshills/notesearch/internal/reranker"
	"github.com/dshills/notesearch/internal/searcher"
	"github.com/dshills/notesearch/internal/storage"
	"github.com/dshills/notesearch/pkg/types"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is prepended to every environment override
const EnvPrefix = "NOTESEARCH_"

// Duration is a time.Duration written as "500ms" or "2s" in TOML
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete configuration
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Notes     NotesConfig     `toml:"notes"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Search    SearchConfig    `toml:"search"`
	Rerank    RerankConfig    `toml:"rerank"`
	Jobs      JobsConfig      `toml:"jobs"`
	Analytics AnalyticsConfig `toml:"analytics"`
}

// StorageConfig locates the index database
type StorageConfig struct {
	Path string `toml:"path"`
}

// NotesConfig locates the markdown notes
type NotesConfig struct {
	Dir      string   `toml:"dir"`
	Watch    bool     `toml:"watch"`
	Debounce Duration `toml:"debounce"`
}

// EmbeddingConfig selects the embedding model
type EmbeddingConfig struct {
	Provider          string   `toml:"provider"` // jina, openai, local, none; empty detects
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	Dimension         int      `toml:"dimension"`
	CacheSize         int      `toml:"cache_size"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	ProbeTimeout      Duration `toml:"probe_timeout"`
}

// SearchConfig tunes retrieval and fusion
type SearchConfig struct {
	DefaultLimit    int      `toml:"default_limit"`
	MaxLimit        int      `toml:"max_limit"`
	CandidateLimit  int      `toml:"candidate_limit"`
	RRFConstant     float64  `toml:"rrf_k"`
	KeywordWeight   float64  `toml:"keyword_weight"`
	SemanticWeight  float64  `toml:"semantic_weight"`
	SnippetChars    int      `toml:"snippet_chars"`
	KeywordTimeout  Duration `toml:"keyword_timeout"`
	SemanticTimeout Duration `toml:"semantic_timeout"`
	RequestTimeout  Duration `toml:"request_timeout"`
	TitleWeight     float64  `toml:"bm25_title"`
	BodyWeight      float64  `toml:"bm25_body"`
	TagsWeight      float64  `toml:"bm25_tags"`
	QueryCacheSize  int      `toml:"query_cache_size"`
}

// RerankConfig selects and tunes the cross-encoder
type RerankConfig struct {
	Provider          string   `toml:"provider"` // lexical, http, none
	URL               string   `toml:"url"`
	APIKey            string   `toml:"api_key"`
	Model             string   `toml:"model"`
	K                 int      `toml:"k"`
	Weight            float64  `toml:"weight"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// JobsConfig tunes the embedding workers
type JobsConfig struct {
	Workers        int      `toml:"workers"`
	PollInterval   Duration `toml:"poll_interval"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	MaxAttempts    int      `toml:"max_attempts"`
	BaseBackoff    Duration `toml:"base_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
}

// AnalyticsConfig tunes the event recorder
type AnalyticsConfig struct {
	BufferSize    int      `toml:"buffer_size"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	sc := searcher.DefaultConfig()
	jc := jobs.DefaultConfig()
	rc := reranker.DefaultConfig()
	ac := analytics.DefaultConfig()
	bm := storage.DefaultBM25Weights()

	return &Config{
		Storage: StorageConfig{Path: filepath.Join(defaultDir(), "notesearch.db")},
		Notes:   NotesConfig{Dir: ".", Watch: true, Debounce: Duration(250 * time.Millisecond)},
		Embedding: EmbeddingConfig{
			CacheSize:         10000,
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 5,
			ProbeTimeout:      Duration(10 * time.Second),
		},
		Search: SearchConfig{
			DefaultLimit:    sc.DefaultLimit,
			MaxLimit:        sc.MaxLimit,
			CandidateLimit:  sc.CandidateLimit,
			RRFConstant:     sc.RRFConstant,
			KeywordWeight:   sc.Weights.Keyword,
			SemanticWeight:  sc.Weights.Semantic,
			SnippetChars:    sc.SnippetChars,
			KeywordTimeout:  Duration(sc.KeywordTimeout),
			SemanticTimeout: Duration(sc.SemanticTimeout),
			RequestTimeout:  Duration(sc.RequestTimeout),
			TitleWeight:     bm.Title,
			BodyWeight:      bm.Body,
			TagsWeight:      bm.Tags,
			QueryCacheSize:  1000,
		},
		Rerank: RerankConfig{
			Provider:          reranker.ProviderLexical,
			K:                 rc.K,
			Weight:            rc.Weight,
			Timeout:           Duration(rc.Timeout),
			RequestsPerSecond: 5,
		},
		Jobs: JobsConfig{
			Workers:        jc.Workers,
			PollInterval:   Duration(jc.PollInterval),
			AttemptTimeout: Duration(jc.AttemptTimeout),
			MaxAttempts:    jc.MaxAttempts,
			BaseBackoff:    Duration(jc.BaseBackoff),
			MaxBackoff:     Duration(jc.MaxBackoff),
			Multiplier:     jc.Multiplier,
		},
		Analytics: AnalyticsConfig{
			BufferSize:    ac.BufferSize,
			BatchSize:     ac.BatchSize,
			FlushInterval: Duration(ac.FlushInterval),
		},
	}
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notesearch"
	}
	return filepath.Join(home, ".notesearch")
}

// DefaultPath is where Load looks when no path is given
func DefaultPath() string {
	return filepath.Join(defaultDir(), "config.toml")
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Encode renders c as TOML
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// ApplyEnv overrides fields from NOTESEARCH_* variables. JINA_API_KEY and
// OPENAI_API_KEY fill the embedding key when the file leaves it empty.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("DB", &c.Storage.Path)
	str("NOTES_DIR", &c.Notes.Dir)
	boolean("WATCH", &c.Notes.Watch)
	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("EMBEDDING_URL", &c.Embedding.BaseURL)
	str("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	integer("EMBEDDING_DIMENSION", &c.Embedding.Dimension)
	str("RERANK_PROVIDER", &c.Rerank.Provider)
	str("RERANK_URL", &c.Rerank.URL)
	str("RERANK_API_KEY", &c.Rerank.APIKey)
	str("RERANK_MODEL", &c.Rerank.Model)
	integer("WORKERS", &c.Jobs.Workers)

	if c.Embedding.APIKey == "" {
		var keyVar string
		switch strings.ToLower(c.Embedding.Provider) {
		case embedder.ProviderJina:
			keyVar = "JINA_API_KEY"
		case embedder.ProviderOpenAI:
			keyVar = "OPENAI_API_KEY"
		}
		if keyVar != "" {
			if v, ok := lookup(keyVar); ok {
				c.Embedding.APIKey = strings.TrimSpace(v)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) expandPaths() {
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Notes.Dir = expandHome(c.Notes.Dir)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		bad("storage.path is required")
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "", embedder.ProviderJina, embedder.ProviderOpenAI, embedder.ProviderLocal, embedder.ProviderNone:
	default:
		bad("embedding.provider %q is not one of jina, openai, local, none", c.Embedding.Provider)
	}
	switch strings.ToLower(c.Rerank.Provider) {
	case "", reranker.ProviderLexical, reranker.ProviderHTTP, reranker.ProviderNone:
	default:
		bad("rerank.provider %q is not one of lexical, http, none", c.Rerank.Provider)
	}
	if strings.EqualFold(c.Rerank.Provider, reranker.ProviderHTTP) && c.Rerank.URL == "" {
		bad("rerank.url is required for the http provider")
	}

	w := types.Weights{Keyword: c.Search.KeywordWeight, Semantic: c.Search.SemanticWeight}
	if err := w.Validate(); err != nil {
		bad("search weights: %v", err)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		bad("search.default_limit must be positive and at most max_limit")
	}
	if c.Search.RRFConstant <= 0 {
		bad("search.rrf_k must be positive")
	}
	if c.Search.TitleWeight < 0 || c.Search.BodyWeight < 0 || c.Search.TagsWeight < 0 {
		bad("bm25 weights must be non-negative")
	}
	if c.Rerank.Weight < 0 || c.Rerank.Weight > 1 {
		bad("rerank.weight must be within [0, 1]")
	}
	if c.Jobs.Workers < 0 || c.Jobs.MaxAttempts < 0 {
		bad("jobs.workers and jobs.max_attempts must not be negative")
	}
	if c.Jobs.Multiplier != 0 && c.Jobs.Multiplier < 1 {
		bad("jobs.multiplier must be at least 1")
	}
	for name, d := range map[string]Duration{
		"search.keyword_timeout":  c.Search.KeywordTimeout,
		"search.semantic_timeout": c.Search.SemanticTimeout,
		"search.request_timeout":  c.Search.RequestTimeout,
		"rerank.timeout":          c.Rerank.Timeout,
		"jobs.attempt_timeout":    c.Jobs.AttemptTimeout,
	} {
		if d < 0 {
			bad("%s must not be negative", name)
		}
	}
	return errors.Join(errs...)
}

// EngineConfig converts to the engine's component settings
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Search: searcher.Config{
			DefaultLimit:    c.Search.DefaultLimit,
			MaxLimit:        c.Search.MaxLimit,
			CandidateLimit:  c.Search.CandidateLimit,
			RRFConstant:     c.Search.RRFConstant,
			Weights:         types.Weights{Keyword: c.Search.KeywordWeight, Semantic: c.Search.SemanticWeight},
			SnippetChars:    c.Search.SnippetChars,
			KeywordTimeout:  c.Search.KeywordTimeout.Std(),
			SemanticTimeout: c.Search.SemanticTimeout.Std(),
			RequestTimeout:  c.Search.RequestTimeout.Std(),
		},
		Jobs: jobs.Config{
			Workers:        c.Jobs.Workers,
			PollInterval:   c.Jobs.PollInterval.Std(),
			AttemptTimeout: c.Jobs.AttemptTimeout.Std(),
			MaxAttempts:    c.Jobs.MaxAttempts,
			BaseBackoff:    c.Jobs.BaseBackoff.Std(),
			MaxBackoff:     c.Jobs.MaxBackoff.Std(),
			Multiplier:     c.Jobs.Multiplier,
		},
		Rerank: reranker.Config{
			K:       c.Rerank.K,
			Weight:  c.Rerank.Weight,
			Timeout: c.Rerank.Timeout.Std(),
		},
		Encoder: reranker.EncoderConfig{
			Provider:          c.Rerank.Provider,
			URL:               c.Rerank.URL,
			APIKey:            c.Rerank.APIKey,
			Model:             c.Rerank.Model,
			Timeout:           c.Rerank.Timeout.Std(),
			RequestsPerSecond: c.Rerank.RequestsPerSecond,
		},
		Analytics: analytics.Config{
			BufferSize:    c.Analytics.BufferSize,
			BatchSize:     c.Analytics.BatchSize,
			FlushInterval: c.Analytics.FlushInterval.Std(),
		},
		BM25:           storage.BM25Weights{Title: c.Search.TitleWeight, Body: c.Search.BodyWeight, Tags: c.Search.TagsWeight},
		ProbeTimeout:   c.Embedding.ProbeTimeout.Std(),
		QueryCacheSize: c.Search.QueryCacheSize,
	}
}

// EmbedderConfig converts to the embedder factory settings
func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:          c.Embedding.Provider,
		APIKey:            c.Embedding.APIKey,
		BaseURL:           c.Embedding.BaseURL,
		Model:             c.Embedding.Model,
		Dimension:         c.Embedding.Dimension,
		CacheSize:         c.Embedding.CacheSize,
		Timeout:           c.Embedding.Timeout.Std(),
		RequestsPerSecond: c.Embedding.RequestsPerSecond,
	}
}
