package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/notesearch/internal/query"
)

// Cross-encoder providers
const (
	ProviderLexical = "lexical"
	ProviderHTTP    = "http"
	ProviderNone    = "none"
)

// EncoderConfig selects and configures a cross-encoder
type EncoderConfig struct {
	Provider          string
	URL               string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NewCrossEncoder builds the configured encoder. "none" yields ErrUnavailable.
func NewCrossEncoder(cfg EncoderConfig) (CrossEncoder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderLexical:
		return NewLexicalEncoder(), nil
	case ProviderHTTP:
		return NewHTTPEncoder(cfg)
	case ProviderNone:
		return nil, fmt.Errorf("%w: disabled by configuration", ErrUnavailable)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrUnavailable, cfg.Provider)
	}
}

// LexicalEncoder is an offline cross-encoder: it scores how completely and
// how contiguously the query terms occur in the candidate text
type LexicalEncoder struct{}

// NewLexicalEncoder creates the offline scorer
func NewLexicalEncoder() *LexicalEncoder {
	return &LexicalEncoder{}
}

func (LexicalEncoder) Name() string { return ProviderLexical }

func (LexicalEncoder) Close() error { return nil }

// Score returns coverage of distinct query terms plus a bonus for query
// bigrams that appear adjacently, discounted slightly for long texts
func (LexicalEncoder) Score(ctx context.Context, q string, texts []string) ([]float64, error) {
	terms := dedupe(query.Tokenize(q))
	scores := make([]float64, len(texts))
	if len(terms) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words := query.Tokenize(text)

		matched := 0
		for _, t := range terms {
			for _, w := range words {
				if termMatches(t, w) {
					matched++
					break
				}
			}
		}
		coverage := float64(matched) / float64(len(terms))

		var proximity float64
		if len(terms) > 1 {
			adjacent := 0
			for j := 0; j+1 < len(terms); j++ {
				if hasBigram(words, terms[j], terms[j+1]) {
					adjacent++
				}
			}
			proximity = float64(adjacent) / float64(len(terms)-1)
		}

		lengthPenalty := 1 / (1 + math.Log1p(float64(len(words)))/20)
		scores[i] = (coverage + 0.25*proximity) * lengthPenalty
	}
	return scores, nil
}

// termMatches treats shared stems of four or more runes as a match
func termMatches(term, word string) bool {
	if term == word {
		return true
	}
	n := commonPrefix(term, word)
	shorter := len([]rune(term))
	if w := len([]rune(word)); w < shorter {
		shorter = w
	}
	return n >= 4 && n >= shorter-3
}

func commonPrefix(a, b string) int {
	ar, br := []rune(a), []rune(b)
	n := 0
	for n < len(ar) && n < len(br) && ar[n] == br[n] {
		n++
	}
	return n
}

func hasBigram(words []string, first, second string) bool {
	for i := 0; i+1 < len(words); i++ {
		if termMatches(first, words[i]) && termMatches(second, words[i+1]) {
			return true
		}
	}
	return false
}

func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// HTTPEncoder calls a rerank endpoint speaking either the text-embeddings-
// inference format ([{index, score}]) or the Jina/Cohere format
// ({results: [{index, relevance_score}]})
type HTTPEncoder struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPEncoder creates a remote cross-encoder
func NewHTTPEncoder(cfg EncoderConfig) (*HTTPEncoder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rerank url not set", ErrUnavailable)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &HTTPEncoder{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return h, nil
}

func (h *HTTPEncoder) Name() string { return ProviderHTTP }

func (h *HTTPEncoder) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Documents []string `json:"documents"`
}

type rerankItem struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

func (h *HTTPEncoder) Score(ctx context.Context, q string, texts []string) ([]float64, error) {
	if h.limiter != nil {
		// Waiting past the deadline is a timeout, not an error
		if err := h.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limit: %w", context.DeadlineExceeded)
		}
	}

	body, err := json.Marshal(rerankRequest{Model: h.model, Query: q, Texts: texts, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("rerank api error %d: %s", resp.StatusCode, string(raw))
	}

	items, err := decodeRerank(raw)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(texts))
	seen := 0
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(texts) {
			continue
		}
		switch {
		case it.Score != nil:
			scores[it.Index] = *it.Score
		case it.RelevanceScore != nil:
			scores[it.Index] = *it.RelevanceScore
		default:
			continue
		}
		seen++
	}
	if seen != len(texts) {
		return nil, fmt.Errorf("rerank api scored %d of %d texts", seen, len(texts))
	}
	return scores, nil
}

func decodeRerank(raw []byte) ([]rerankItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []rerankItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return items, nil
	}
	var wrapped struct {
		Results []rerankItem `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return wrapped.Results, nil
}
