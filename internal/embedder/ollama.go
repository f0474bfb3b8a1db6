package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaHost is used when neither config nor OLLAMA_HOST set a host
const DefaultOllamaHost = "http://localhost:11434"

// OllamaProvider embeds through a local Ollama server's /api/embed endpoint
type OllamaProvider struct {
	client     *api.Client
	httpClient *http.Client
	model      string
	dimension  int
	cache      *Cache
	retry      RetryConfig
}

// NewOllamaProvider creates an Ollama embedder. dimension must match the
// model's output; zero selects OllamaDimension.
func NewOllamaProvider(host, model string, dimension int, cache *Cache) (*OllamaProvider, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ollama host %q: %v", ErrInvalidInput, host, err)
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if dimension <= 0 {
		dimension = OllamaDimension
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	return &OllamaProvider{
		client:     api.NewClient(u, httpClient),
		httpClient: httpClient,
		model:      model,
		dimension:  dimension,
		cache:      cache,
		retry:      DefaultRetryConfig(),
	}, nil
}

func (o *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, o, req)
}

func (o *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	return cachedBatch(ctx, o.cache, ProviderOllama, o.model, o.dimension, req.Texts, func(ctx context.Context, texts []string) ([][]float32, error) {
		vectors, err := retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
			resp, err := o.client.Embed(ctx, &api.EmbedRequest{
				Model: o.model,
				Input: texts,
			})
			if err != nil {
				return nil, err
			}
			return resp.Embeddings, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: ollama: %v", ErrProviderFailed, err)
		}
		return vectors, nil
	})
}

func (o *OllamaProvider) Dimension() int {
	return o.dimension
}

func (o *OllamaProvider) Provider() string {
	return ProviderOllama
}

func (o *OllamaProvider) Model() string {
	return o.model
}

func (o *OllamaProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}
