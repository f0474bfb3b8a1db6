package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a file path is already indexed
	ErrAlreadyExists = errors.New("already exists")
)

// Storage is the metadata store: conversations, messages and chunk rows
type Storage interface {
	// Conversation operations
	HasFilePath(ctx context.Context, filePath string) (bool, error)
	ExistingFilePaths(ctx context.Context, filePaths []string) (map[string]bool, error)
	InsertConversation(ctx context.Context, rec *types.ConversationRecord) error
	GetConversation(ctx context.Context, id int64) (*types.ConversationRecord, error)
	GetConversationByPath(ctx context.Context, filePath string) (*types.ConversationRecord, error)
	GetConversationsByRef(ctx context.Context, refs []int64) (map[int64]*types.ConversationRecord, error)

	// Chunk operations
	InsertChunks(ctx context.Context, chunks []types.ChunkMetadata) error
	GetChunks(ctx context.Context, vectorIDs []int64) (map[int64]*types.ChunkMetadata, error)
	ChunksForConversation(ctx context.Context, ref int64) ([]types.ChunkMetadata, error)
	ChunkIDRange(ctx context.Context) (IDRange, error)

	// Search operations
	KeywordSearch(ctx context.Context, q KeywordQuery) ([]KeywordHit, error)
	FilteredVectorIDs(ctx context.Context, q *types.ParsedQuery, filters *types.SearchFilters) (map[int64]struct{}, error)

	// Status operations
	Counts(ctx context.Context) (Counts, error)
	LatestUpdate(ctx context.Context) (time.Time, error)
	SizeBytes(ctx context.Context) (int64, error)
	SchemaVersion(ctx context.Context) (string, error)

	// ClearAll removes every row. Only a forced rebuild calls it.
	ClearAll(ctx context.Context) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is the write path of a single conversation: its row, messages and
// chunks commit together or not at all.
type Tx interface {
	Commit() error
	Rollback() error
	HasFilePath(ctx context.Context, filePath string) (bool, error)
	InsertConversation(ctx context.Context, rec *types.ConversationRecord) error
	InsertChunks(ctx context.Context, chunks []types.ChunkMetadata) error
}

// IDRange summarizes the vector ids present in the chunks table
type IDRange struct {
	Count int64
	MinID int64 // zero when Count is zero
	MaxID int64
}

// Counts are row totals for the stats surface
type Counts struct {
	Conversations int64
	Messages      int64
	Chunks        int64
}

// KeywordQuery is a compiled keyword sub-search
type KeywordQuery struct {
	Query   *types.ParsedQuery
	Filters *types.SearchFilters
	Limit   int
}

// KeywordHit is one conversation matched by full-text search
type KeywordHit struct {
	ConversationRef int64
	Score           float64 // normalized to [0, 1), higher is better
	BM25            float64 // raw FTS5 rank, lower is better
	Snippet         string
}
