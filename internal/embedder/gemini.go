package embedder

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider embeds through the Gemini API
type GeminiProvider struct {
	client    *genai.Client
	model     string
	dimension int
	cache     *Cache
	retry     RetryConfig
}

// NewGeminiProvider creates a Gemini embedder
func NewGeminiProvider(ctx context.Context, apiKey, model string, dimension int, cache *Cache) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvGeminiAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if dimension <= 0 {
		dimension = GeminiDimension
	}
	return &GeminiProvider{
		client:    client,
		model:     model,
		dimension: dimension,
		cache:     cache,
		retry:     DefaultRetryConfig(),
	}, nil
}

func (g *GeminiProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, g, req)
}

func (g *GeminiProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	return cachedBatch(ctx, g.cache, ProviderGemini, g.model, g.dimension, req.Texts, func(ctx context.Context, texts []string) ([][]float32, error) {
		contents := make([]*genai.Content, len(texts))
		for i, text := range texts {
			contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
		}
		dim := int32(g.dimension)
		cfg := &genai.EmbedContentConfig{
			TaskType:             "RETRIEVAL_DOCUMENT",
			OutputDimensionality: &dim,
		}

		vectors, err := retryWithBackoff(ctx, g.retry, func() ([][]float32, error) {
			resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
			if err != nil {
				return nil, err
			}
			out := make([][]float32, len(resp.Embeddings))
			for i, e := range resp.Embeddings {
				out[i] = e.Values
			}
			return out, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: gemini: %v", ErrProviderFailed, err)
		}
		return vectors, nil
	})
}

func (g *GeminiProvider) Dimension() int {
	return g.dimension
}

func (g *GeminiProvider) Provider() string {
	return ProviderGemini
}

func (g *GeminiProvider) Model() string {
	return g.model
}

func (g *GeminiProvider) Close() error {
	return nil
}
