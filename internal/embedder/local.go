package embedder

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LocalProvider produces deterministic embeddings offline by hashing word
// unigrams and character trigrams into a fixed number of buckets. Texts that
// share vocabulary land close together, which is enough for tests and for
// running without an API key.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a local embedder. dimension <= 0 selects LocalDimension.
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
		cache:     cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, l, req)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	return cachedBatch(ctx, l.cache, ProviderLocal, l.model, l.dimension, req.Texts, func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = l.embed(text)
		}
		return out, nil
	})
}

func (l *LocalProvider) embed(text string) []float32 {
	vec := make([]float32, l.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		l.add(vec, "w:"+w, 1.0)
		runes := []rune(" " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			l.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}
	return NormalizeVector(vec)
}

// add hashes a feature into a bucket with a hash-derived sign
func (l *LocalProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
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
