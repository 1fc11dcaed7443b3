package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// EnvProvider selects the provider when no configuration file sets one
const EnvProvider = "NOTESEARCH_EMBEDDING_PROVIDER"

// Config holds embedder configuration
type Config struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	Dimension         int
	CacheSize         int
	Timeout           time.Duration
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// New creates an embedder with explicit configuration. An empty provider is
// detected from the environment.
func New(cfg Config) (Embedder, error) {
	opts := ProviderOptions{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		Dimension:         cfg.Dimension,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            cfg.Logger,
	}
	if cfg.CacheSize > 0 {
		opts.Cache = NewCache(cfg.CacheSize)
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = DetectProvider()
	}

	switch provider {
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderLocal:
		return NewLocalProvider(opts)
	case ProviderNone:
		return nil, fmt.Errorf("%w: provider disabled", ErrNoProviderEnabled)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider picks a provider from the environment:
// 1. NOTESEARCH_EMBEDDING_PROVIDER (jina, openai, local, none)
// 2. JINA_API_KEY, then OPENAI_API_KEY
// 3. local otherwise
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}

	return ProviderLocal
}
