package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
	ProviderNone   = "none"

	// Environment variables holding API keys
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hashing-v1"

	// Default endpoints
	DefaultJinaURL   = "https://api.jina.ai/v1/embeddings"
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	MaxBatchSize = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// ProviderOptions configures a provider. Zero values select defaults.
type ProviderOptions struct {
	APIKey            string
	BaseURL           string
	Model             string
	Dimension         int
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
	Cache             *Cache
	Retry             *RetryConfig
	Logger            *slog.Logger
}

func (o ProviderOptions) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

func (o ProviderOptions) retry(logger *slog.Logger) RetryConfig {
	cfg := DefaultRetryConfig()
	if o.Retry != nil {
		cfg = *o.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return cfg
}

func (o ProviderOptions) limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(o.RequestsPerSecond))
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
}

// remote holds what every network-backed provider shares: cache lookups,
// rate limiting and retries around a raw batch call
type remote struct {
	provider string
	model    string
	cache    *Cache
	limiter  *rate.Limiter
	retry    RetryConfig
	logger   *slog.Logger
	call     func(ctx context.Context, texts []string) ([][]float32, error)
}

func (r *remote) generateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	out := make([]*Embedding, len(req.Texts))
	var missing []string
	var missingIdx []int
	for i, text := range req.Texts {
		if r.cache != nil {
			if vec, ok := r.cache.Get(r.model, text); ok {
				out[i] = newEmbedding(r.provider, r.model, text, vec)
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := retryWithBackoff(ctx, r.retry, func() ([][]float32, error) {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return r.call(ctx, missing)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderFailed, r.retry.MaxRetries, err)
		}
		if len(vectors) != len(missing) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderFailed, len(missing), len(vectors))
		}

		for j, vector := range vectors {
			text := missing[j]
			if r.cache != nil {
				r.cache.Put(r.model, text, vector)
			}
			out[missingIdx[j]] = newEmbedding(r.provider, r.model, text, vector)
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   r.provider,
		Model:      r.model,
	}, nil
}

func (r *remote) generateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := r.generateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// JinaProvider implements Embedder using the Jina AI API
type JinaProvider struct {
	remote
	apiKey     string
	url        string
	dimension  int
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts ProviderOptions) (*JinaProvider, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	j := &JinaProvider{
		apiKey:     apiKey,
		url:        firstNonEmpty(opts.BaseURL, DefaultJinaURL),
		dimension:  opts.Dimension,
		httpClient: &http.Client{Timeout: timeout},
	}
	if j.dimension <= 0 {
		j.dimension = JinaDimension
	}
	logger := opts.logger("jina-embedder")
	j.remote = remote{
		provider: ProviderJina,
		model:    firstNonEmpty(opts.Model, DefaultJinaModel),
		cache:    opts.Cache,
		limiter:  opts.limiter(),
		retry:    opts.retry(logger),
		logger:   logger,
	}
	j.remote.call = j.callAPI
	return j, nil
}

func (j *JinaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return j.generateEmbedding(ctx, req)
}

func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return j.generateBatch(ctx, req)
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": j.model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanent(apiErr)
		}
		return nil, apiErr
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors := make([][]float32, len(apiResp.Data))
	for i, data := range apiResp.Data {
		idx := data.Index
		if idx < 0 || idx >= len(vectors) {
			idx = i
		}
		vectors[idx] = data.Embedding
	}
	return vectors, nil
}

func (j *JinaProvider) Dimension() int {
	return j.dimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder against any OpenAI-compatible
// embeddings endpoint through langchaingo
type OpenAIProvider struct {
	remote
	embedder  embeddings.Embedder
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedder. A custom BaseURL without
// an API key targets local OpenAI-compatible servers.
func NewOpenAIProvider(opts ProviderOptions) (*OpenAIProvider, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if apiKey == "" {
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
		}
		apiKey = "none"
	}

	model := firstNonEmpty(opts.Model, DefaultOpenAIModel)
	client, err := openai.New(
		openai.WithBaseURL(firstNonEmpty(opts.BaseURL, DefaultOpenAIURL)),
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}

	o := &OpenAIProvider{
		embedder:  emb,
		dimension: opts.Dimension,
	}
	if o.dimension <= 0 {
		o.dimension = OpenAIDimension
	}
	logger := opts.logger("openai-embedder")
	o.remote = remote{
		provider: ProviderOpenAI,
		model:    model,
		cache:    opts.Cache,
		limiter:  opts.limiter(),
		retry:    opts.retry(logger),
		logger:   logger,
	}
	o.remote.call = o.embedder.EmbedDocuments
	return o, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return o.generateEmbedding(ctx, req)
}

func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return o.generateBatch(ctx, req)
}

func (o *OpenAIProvider) Dimension() int {
	return o.dimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

// LocalProvider embeds text offline with feature hashing: every word and
// its character trigrams are hashed into a fixed-size signed vector that is
// then L2-normalized. Texts sharing vocabulary land close together, which
// is enough for semantic recall without a model download.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a new local hashing embedder
func NewLocalProvider(opts ProviderOptions) (*LocalProvider, error) {
	l := &LocalProvider{
		model:     firstNonEmpty(opts.Model, DefaultLocalModel),
		dimension: opts.Dimension,
		cache:     opts.Cache,
	}
	if l.dimension <= 0 {
		l.dimension = LocalDimension
	}
	return l, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.cache != nil {
		if vec, ok := l.cache.Get(l.model, req.Text); ok {
			return newEmbedding(ProviderLocal, l.model, req.Text, vec), nil
		}
	}

	vec := l.hashText(req.Text)
	if l.cache != nil {
		l.cache.Put(l.model, req.Text, vec)
	}
	return newEmbedding(ProviderLocal, l.model, req.Text, vec), nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	out := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

// hashText builds the normalized feature-hashed vector for text
func (l *LocalProvider) hashText(text string) []float32 {
	vector := make([]float32, l.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		l.addFeature(vector, "w:"+w, 1.0)
		runes := []rune("^" + w + "$")
		for i := 0; i+3 <= len(runes); i++ {
			l.addFeature(vector, "g:"+string(runes[i:i+3]), 0.25)
		}
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) addFeature(vector []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vector)))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vector[idx] += weight
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
