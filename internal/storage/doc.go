// Package storage is the metadata store of the conversation index.
//
// It persists conversation records, their messages and the chunk rows that
// map vector ids back to text, and it owns the FTS5 index used by keyword
// search. Vectors themselves live in the vector file managed by package
// vectorindex; a chunk row's vector_id is the join key between the two.
//
// # Database Schema
//
// Tables:
//   - conversations: one row per source file, unique by file_path
//   - messages: ordered messages of a conversation
//   - chunks: chunk text keyed by vector_id
//   - conversations_fts: FTS5 external-content index over title and full_text
//   - schema_version: applied migrations
//
// The FTS table is kept in sync by triggers on conversations. Timestamps are
// stored as unix milliseconds.
//
// # Filters
//
// SearchFilters compile to a single SELECT over conversations (see
// filters.go). Keyword search restricts its MATCH by that subquery and
// semantic search turns it into an allow-set of vector ids, so both modes
// apply exactly the same predicate.
//
// # Build Modes
//
// The pure Go driver (modernc.org/sqlite) is the default. Building with the
// cgo_sqlite tag switches to github.com/mattn/go-sqlite3.
//
// # Concurrency
//
// The database runs in WAL mode with a single open connection, so readers
// never observe a half-committed conversation.
package storage
