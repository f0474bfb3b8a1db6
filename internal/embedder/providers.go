package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultGeminiModel = "text-embedding-004"
	DefaultLocalModel  = "hashed-ngrams-v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	GeminiDimension = 768
	LocalDimension  = 384

	// Endpoints
	JinaEndpoint   = "https://api.jina.ai/v1/embeddings"
	OpenAIEndpoint = "https://api.openai.com/v1/embeddings"

	// Environment keys
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// HTTPProvider implements Embedder for the OpenAI-style /v1/embeddings API,
// which both OpenAI and Jina AI serve.
type HTTPProvider struct {
	provider   string
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
	cache      *Cache
	retry      RetryConfig
}

// HTTPOptions overrides defaults for an HTTPProvider
type HTTPOptions struct {
	Endpoint  string
	Model     string
	Dimension int
	Timeout   time.Duration
}

func newHTTPProvider(provider, apiKey, envKey string, defaults HTTPOptions, opts HTTPOptions, cache *Cache) (*HTTPProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, envKey)
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaults.Endpoint
	}
	if opts.Model == "" {
		opts.Model = defaults.Model
	}
	if opts.Dimension <= 0 {
		opts.Dimension = defaults.Dimension
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		provider:   provider,
		endpoint:   opts.Endpoint,
		apiKey:     apiKey,
		model:      opts.Model,
		dimension:  opts.Dimension,
		httpClient: &http.Client{Timeout: opts.Timeout},
		cache:      cache,
		retry:      DefaultRetryConfig(),
	}, nil
}

// NewJinaProvider creates a Jina AI embedder
func NewJinaProvider(apiKey string, opts HTTPOptions, cache *Cache) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderJina, apiKey, EnvJinaAPIKey,
		HTTPOptions{Endpoint: JinaEndpoint, Model: DefaultJinaModel, Dimension: JinaDimension}, opts, cache)
}

// NewOpenAIProvider creates an OpenAI embedder
func NewOpenAIProvider(apiKey string, opts HTTPOptions, cache *Cache) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderOpenAI, apiKey, EnvOpenAIAPIKey,
		HTTPOptions{Endpoint: OpenAIEndpoint, Model: DefaultOpenAIModel, Dimension: OpenAIDimension}, opts, cache)
}

func (h *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, h, req)
}

func (h *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	return cachedBatch(ctx, h.cache, h.provider, h.model, h.dimension, req.Texts, func(ctx context.Context, texts []string) ([][]float32, error) {
		vectors, err := retryWithBackoff(ctx, h.retry, func() ([][]float32, error) {
			return h.callAPI(ctx, texts)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProviderFailed, h.provider, err)
		}
		return vectors, nil
	})
}

func (h *HTTPProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": h.model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		// 429 and 5xx are worth retrying
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, permanent(err)
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

	// the API may return items out of order
	sort.SliceStable(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})
	vectors := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (h *HTTPProvider) Dimension() int {
	return h.dimension
}

func (h *HTTPProvider) Provider() string {
	return h.provider
}

func (h *HTTPProvider) Model() string {
	return h.model
}

func (h *HTTPProvider) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
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
