// Package embedder maps conversation chunks to fixed-dimension vectors.
//
// Providers: openai and jina (OpenAI-style HTTP API), ollama (local server),
// gemini (Google GenAI SDK) and local (deterministic hashed n-grams, no
// network). Every provider shares the LRU cache keyed by content hash and
// the retry helper with exponential backoff.
//
// # Batching
//
// Callers embed through EncodeBatch, which splits input into provider-sized
// batches and checks that each vector has the expected dimension:
//
//	vectors, err := embedder.EncodeBatch(ctx, emb, texts, cfg.BatchSize)
//
// # Identity
//
// Identity(e) is "provider/model:dimension". The index records it at build
// time and refuses to serve queries with a different identity, because
// vectors from different models are not comparable.
//
// # Provider Selection
//
// New builds a provider from config.EmbeddingConfig. NewFromEnv picks one
// from the environment:
//
//  1. CONVSEARCH_EMBEDDING_PROVIDER, when set
//  2. JINA_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, first one present
//  3. local
package embedder
