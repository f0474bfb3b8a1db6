package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConversation(path, project, title string, updated time.Time, contents ...string) *types.ConversationRecord {
	msgs := make([]types.MessageRecord, 0, len(contents))
	for i, c := range contents {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.MessageRecord{
			Sequence:  i,
			Role:      role,
			Content:   c,
			Timestamp: updated.Add(time.Duration(i-len(contents)+1) * time.Minute),
		})
	}
	full, _ := types.BuildFullText(msgs)
	return &types.ConversationRecord{
		ConversationID: "conv-" + title,
		ProjectID:      project,
		Tool:           "claude-code",
		FilePath:       path,
		Title:          title,
		CreatedAt:      updated.Add(-time.Hour),
		UpdatedAt:      updated,
		MessageCount:   len(msgs),
		Messages:       msgs,
		FullText:       full,
		FileHash:       "hash-" + title,
	}
}

func insertWithChunks(t *testing.T, s *SQLiteStorage, rec *types.ConversationRecord, firstVectorID int64, n int) {
	t.Helper()
	ctx := context.Background()
	rec.EmbeddingID = firstVectorID
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertConversation(ctx, rec))
	chunks := make([]types.ChunkMetadata, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, types.ChunkMetadata{
			VectorID:          firstVectorID + int64(i),
			ConversationRef:   rec.ID,
			ConversationID:    rec.ConversationID,
			ProjectID:         rec.ProjectID,
			ChunkIndex:        i,
			ChunkText:         fmt.Sprintf("chunk %d of %s", i, rec.Title),
			MessageStartIndex: 0,
			MessageEndIndex:   rec.MessageCount - 1,
			CreatedAt:         baseTime,
		})
	}
	require.NoError(t, tx.InsertChunks(ctx, chunks))
	require.NoError(t, tx.Commit())
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	version, err := storage.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestInsertConversation(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	rec := testConversation("/logs/p1/a.jsonl", "p1", "docker setup", baseTime,
		"how do I run docker", "use docker compose\n```yaml\nservices: {}\n```")
	rec.Messages[1].HasCode = true
	rec.Messages[1].CodeBlocks = []string{"services: {}"}
	rec.HasCode = true

	require.NoError(t, storage.InsertConversation(ctx, rec))
	assert.Greater(t, rec.ID, int64(0))
	assert.False(t, rec.IndexedAt.IsZero())

	got, err := storage.GetConversation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ConversationID, got.ConversationID)
	assert.Equal(t, rec.FullText, got.FullText)
	assert.True(t, got.HasCode)
	assert.True(t, got.UpdatedAt.Equal(baseTime))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, types.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, []string{"services: {}"}, got.Messages[1].CodeBlocks)
	assert.Nil(t, got.Messages[0].CodeBlocks)

	byPath, err := storage.GetConversationByPath(ctx, rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byPath.ID)

	// duplicate file path
	dup := testConversation("/logs/p1/a.jsonl", "p1", "other", baseTime, "hi")
	err = storage.InsertConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInsertConversation_Invalid(t *testing.T) {
	storage := setupTestDB(t)
	rec := testConversation("/logs/x.jsonl", "p1", "t", baseTime, "a")
	rec.MessageCount = 5

	err := storage.InsertConversation(context.Background(), rec)
	require.Error(t, err)

	ok, err := storage.HasFilePath(context.Background(), rec.FilePath)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetConversation_NotFound(t *testing.T) {
	storage := setupTestDB(t)
	_, err := storage.GetConversation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExistingFilePaths(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, storage.InsertConversation(ctx, testConversation("/a.jsonl", "p", "a", baseTime, "x")))
	require.NoError(t, storage.InsertConversation(ctx, testConversation("/b.jsonl", "p", "b", baseTime, "y")))

	got, err := storage.ExistingFilePaths(ctx, []string{"/a.jsonl", "/c.jsonl", "/b.jsonl"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"/a.jsonl": true, "/b.jsonl": true}, got)

	ok, err := storage.HasFilePath(ctx, "/c.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunks(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	a := testConversation("/a.jsonl", "p1", "alpha", baseTime, "one", "two")
	b := testConversation("/b.jsonl", "p2", "beta", baseTime, "three")
	insertWithChunks(t, storage, a, 1, 3)
	insertWithChunks(t, storage, b, 4, 2)

	r, err := storage.ChunkIDRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, IDRange{Count: 5, MinID: 1, MaxID: 5}, r)

	chunks, err := storage.ChunksForConversation(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, int64(i+1), c.VectorID)
		assert.Equal(t, "p1", c.ProjectID)
	}

	got, err := storage.GetChunks(ctx, []int64{2, 5, 99})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[5].ConversationRef)
	assert.Equal(t, "chunk 1 of beta", got[5].ChunkText)

	counts, err := storage.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Conversations: 2, Messages: 3, Chunks: 5}, counts)
}

func TestInsertChunks_RequiresVectorID(t *testing.T) {
	storage := setupTestDB(t)
	err := storage.InsertChunks(context.Background(), []types.ChunkMetadata{{ConversationID: "c"}})
	assert.Error(t, err)
}

func TestChunkIDRange_Empty(t *testing.T) {
	storage := setupTestDB(t)
	r, err := storage.ChunkIDRange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IDRange{}, r)
}

func TestBeginTx_Rollback(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	rec := testConversation("/a.jsonl", "p", "a", baseTime, "x")
	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertConversation(ctx, rec))

	inTx, err := tx.HasFilePath(ctx, rec.FilePath)
	require.NoError(t, err)
	assert.True(t, inTx)

	require.NoError(t, tx.Rollback())

	ok, err := storage.HasFilePath(ctx, rec.FilePath)
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := storage.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestClearAll(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	insertWithChunks(t, storage, testConversation("/a.jsonl", "p", "docker", baseTime, "docker"), 1, 2)

	require.NoError(t, storage.ClearAll(ctx))

	counts, err := storage.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)

	hits, err := storage.KeywordSearch(ctx, KeywordQuery{Query: &types.ParsedQuery{ShouldInclude: []string{"docker"}}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStatus(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	latest, err := storage.LatestUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	rec := testConversation("/a.jsonl", "p", "a", baseTime, "x")
	rec.IndexedAt = baseTime.Add(time.Hour)
	require.NoError(t, storage.InsertConversation(ctx, rec))

	latest, err = storage.LatestUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Equal(baseTime.Add(time.Hour)))

	size, err := storage.SizeBytes(ctx)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
