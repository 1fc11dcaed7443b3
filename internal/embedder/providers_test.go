package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

func jinaServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			http.Error(w, "unavailable", status)
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		// Reverse order to exercise index-based placement
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(i), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJinaProvider(t *testing.T) {
	var calls atomic.Int32
	srv := jinaServer(t, &calls, http.StatusOK)

	p, err := NewJinaProvider(ProviderOptions{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Cache:   NewCache(10),
		Retry:   fastRetry,
	})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"first", "second"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{0, 1}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{1, 1}, resp.Embeddings[1].Vector)
	assert.Equal(t, DefaultJinaModel, resp.Model)

	emb, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "first"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, emb.Vector)
	assert.Equal(t, int32(1), calls.Load(), "second request is served from cache")
}

func TestJinaProviderFailure(t *testing.T) {
	var calls atomic.Int32
	srv := jinaServer(t, &calls, http.StatusServiceUnavailable)

	p, err := NewJinaProvider(ProviderOptions{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJinaProviderRejectedKey(t *testing.T) {
	var calls atomic.Int32
	srv := jinaServer(t, &calls, http.StatusUnauthorized)

	p, err := NewJinaProvider(ProviderOptions{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestJinaProviderBatchLimit(t *testing.T) {
	p, err := NewJinaProvider(ProviderOptions{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	texts := make([]string, MaxBatchSize+1)
	for i := range texts {
		texts[i] = "t"
	}
	_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: texts})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestOpenAIProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{0.5, float32(i)},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderOptions{BaseURL: srv.URL, Model: "nomic-embed-text", Dimension: 2, Retry: fastRetry})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, ProviderOpenAI, p.Provider())
	assert.Equal(t, "nomic-embed-text", p.Model())
	assert.Equal(t, 2, p.Dimension())

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{0.5, 0}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{0.5, 1}, resp.Embeddings[1].Vector)
	assert.Positive(t, calls.Load())
}

func TestOpenAIProviderRequiresKeyOrURL(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "")
	_, err := NewOpenAIProvider(ProviderOptions{})
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
}

func TestProviderOptionsLimiter(t *testing.T) {
	assert.Nil(t, ProviderOptions{}.limiter())

	lim := ProviderOptions{RequestsPerSecond: 0.5}.limiter()
	require.NotNil(t, lim)
	assert.Equal(t, 1, lim.Burst())

	// The burst token is spent; the next wait would exceed the deadline
	require.True(t, lim.Allow())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, lim.Wait(ctx))
}
