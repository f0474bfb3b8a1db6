package embedder

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/convsearch-mcp/internal/config"
)

// EnvProvider selects the provider for NewFromEnv
const EnvProvider = "CONVSEARCH_EMBEDDING_PROVIDER"

// New creates an embedder from configuration
func New(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		return NewJinaProvider(firstNonEmpty(cfg.APIKey, os.Getenv(EnvJinaAPIKey)),
			HTTPOptions{Endpoint: cfg.BaseURL, Model: cfg.Model, Dimension: cfg.Dimension}, cache)
	case ProviderOpenAI:
		return NewOpenAIProvider(firstNonEmpty(cfg.APIKey, os.Getenv(EnvOpenAIAPIKey)),
			HTTPOptions{Endpoint: cfg.BaseURL, Model: cfg.Model, Dimension: cfg.Dimension}, cache)
	case ProviderOllama:
		return NewOllamaProvider(firstNonEmpty(cfg.BaseURL, os.Getenv(EnvOllamaHost)), cfg.Model, cfg.Dimension, cache)
	case ProviderGemini:
		return NewGeminiProvider(ctx, firstNonEmpty(cfg.APIKey, os.Getenv(EnvGeminiAPIKey)), cfg.Model, cfg.Dimension, cache)
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// NewFromEnv creates an embedder from environment variables alone.
// Priority:
//  1. CONVSEARCH_EMBEDDING_PROVIDER names the provider explicitly
//  2. Otherwise the first API key found: JINA_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY
//  3. Otherwise the offline local provider
func NewFromEnv(ctx context.Context) (Embedder, error) {
	return New(ctx, config.EmbeddingConfig{
		Provider:  DetectProvider(),
		CacheSize: 10000,
	})
}

// DetectProvider returns the provider NewFromEnv would use
func DetectProvider() string {
	if provider := os.Getenv(EnvProvider); provider != "" {
		return strings.ToLower(provider)
	}
	switch {
	case os.Getenv(EnvJinaAPIKey) != "":
		return ProviderJina
	case os.Getenv(EnvOpenAIAPIKey) != "":
		return ProviderOpenAI
	case os.Getenv(EnvGeminiAPIKey) != "":
		return ProviderGemini
	}
	return ProviderLocal
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
