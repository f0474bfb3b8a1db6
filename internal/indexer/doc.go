// Package indexer is the only writer of an index directory.
//
// # Basic Usage
//
//	idx, err := indexer.New(indexer.ConfigFrom(cfg), registry, emb)
//	defer idx.Close()
//
//	stats, err := idx.IndexAll(ctx, false)          // first build
//	upd, err := idx.IndexAppendOnly(ctx, paths)     // add new files
//
// # Index Directory
//
//	conversations.db   metadata store (package storage)
//	vectors.bin        vector file (package vectorindex)
//	index_meta.json    bookkeeping (package indexmeta)
//
// # Pipeline
//
//  1. Discover: ask the connector registry for candidate files
//  2. Parse: read bytes, hash, hand to the owning connector (parallel)
//  3. Chunk: character windows over the conversation's full text
//  4. Embed: one batched call sequence per project group
//  5. Store: append vectors, then commit rows in one SQLite transaction
//  6. Metadata: persisted last
//
// A failed commit truncates the vector file back to its previous length.
// A crash between steps 5 and 6 leaves extra vectors or stale counters;
// Open repairs both before checking that the stores agree.
//
// # Append-Only Updates
//
// IndexAppendOnly never deletes and never updates. A path that already has a
// conversation row is skipped even if the file changed since. Only IndexAll
// with force clears an existing index, and vector ids keep increasing across
// rebuilds.
//
// # Concurrency
//
// One run at a time: a second IndexAll or IndexAppendOnly fails with
// types.ErrIndexingInProgress. RequestShutdown defers to an active run unless
// forced, in which case the run stops after the conversation being written.
package indexer
