package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexmeta"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/internal/vectorindex"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

type msg struct {
	role string
	text string
}

func claudeLines(session string, start time.Time, msgs ...msg) string {
	var b strings.Builder
	for i, m := range msgs {
		line, _ := json.Marshal(map[string]interface{}{
			"type":      m.role,
			"sessionId": session,
			"timestamp": start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"message":   map[string]interface{}{"role": m.role, "content": m.text},
		})
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func writeSession(t *testing.T, root, project, session string, msgs ...msg) string {
	t.Helper()
	path := filepath.Join(root, project, session+".jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := claudeLines(session, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), msgs...)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type fixture struct {
	root  string
	dir   string
	files map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), dir: t.TempDir(), files: map[string]string{}}
	f.files["docker"] = writeSession(t, f.root, "proj-a", "s-docker",
		msg{"user", "How do I set up docker compose networking?"},
		msg{"assistant", "Define a network block in the compose file."})
	f.files["long"] = writeSession(t, f.root, "proj-a", "s-long",
		msg{"user", "Explain goroutines " + strings.Repeat("and channels ", 40)},
		msg{"assistant", "Goroutines are cheap threads " + strings.Repeat("scheduled by the runtime ", 20)})
	f.files["rust"] = writeSession(t, f.root, "proj-b", "s-rust",
		msg{"user", "What are rust lifetimes?"},
		msg{"assistant", "They bound how long references live."})
	// no messages, counted as a failure
	empty := filepath.Join(f.root, "proj-b", "s-empty.jsonl")
	require.NoError(t, os.WriteFile(empty, []byte("{\"type\":\"summary\"}\n"), 0o644))
	f.files["empty"] = empty
	return f
}

func (f *fixture) registry() *connector.Registry {
	return connector.NewDefaultRegistry(config.ConnectorsConfig{ClaudeCodeDir: f.root})
}

func localEmbedder(t *testing.T, dim int) embedder.Embedder {
	t.Helper()
	e, err := embedder.NewLocalProvider(dim, nil)
	require.NoError(t, err)
	return e
}

func newTestIndexer(t *testing.T, f *fixture, emb embedder.Embedder) *Indexer {
	t.Helper()
	idx, err := New(Config{
		IndexDir:       f.dir,
		ChunkSize:      200,
		ChunkOverlap:   50,
		Workers:        2,
		EmbedBatchSize: 8,
	}, f.registry(), emb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func assertConsistent(t *testing.T, idx *Indexer) {
	t.Helper()
	rows, err := idx.store.ChunkIDRange(context.Background())
	require.NoError(t, err)
	require.NoError(t, indexmeta.CheckConsistency(
		indexmeta.Snapshot{Count: rows.Count, MinID: rows.MinID, MaxID: rows.MaxID},
		vectorSnapshot(idx.vectors),
		idx.meta.NextVectorID,
	))
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := New(Config{}, f.registry(), localEmbedder(t, 32))
	assert.Error(t, err)

	_, err = New(Config{IndexDir: f.dir}, nil, localEmbedder(t, 32))
	assert.Error(t, err)

	_, err = New(Config{IndexDir: f.dir, ChunkSize: 10, ChunkOverlap: 10}, f.registry(), localEmbedder(t, 32))
	assert.Error(t, err)
}

func TestIndexAll_FirstBuild(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	stats, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 4, stats.FilesFound)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.ErrorMessages, 1)
	assert.Contains(t, stats.ErrorMessages[0], "s-empty.jsonl")
	assert.Equal(t, 6, stats.Messages)
	assert.Greater(t, stats.ChunksCreated, 3)

	meta, err := indexmeta.Load(f.dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.TotalConversations)
	assert.Equal(t, int64(6), meta.TotalMessages)
	assert.Equal(t, int64(stats.ChunksCreated), meta.TotalChunks)
	assert.Equal(t, indexmeta.FirstVectorID+int64(stats.ChunksCreated), meta.NextVectorID)
	assert.Equal(t, "local/hashed-ngrams-v1:32", meta.EmbeddingModel)
	assertConsistent(t, idx)

	rec, err := idx.store.GetConversationByPath(ctx, f.files["long"])
	require.NoError(t, err)
	assert.Equal(t, "proj-a", rec.ProjectID)
	assert.Len(t, rec.FileHash, 64)
	chunks, err := idx.store.ChunksForConversation(ctx, rec.ID)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, rec.EmbeddingID, chunks[0].VectorID)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].VectorID+1, chunks[i].VectorID)
	}
	assert.Equal(t, 0, chunks[0].MessageStartIndex)
	assert.Equal(t, 1, chunks[len(chunks)-1].MessageEndIndex)
}

func TestIndexAll_RequiresForce(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	first, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	firstNext := idx.meta.NextVectorID

	_, err = idx.IndexAll(ctx, false)
	assert.ErrorIs(t, err, types.ErrRebuildRequiresForce)

	second, err := idx.IndexAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, first.Indexed, second.Indexed)

	rows, err := idx.store.ChunkIDRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(second.ChunksCreated), rows.Count)
	// ids are never reused across rebuilds
	assert.Equal(t, firstNext, rows.MinID)
	assert.Equal(t, firstNext+int64(second.ChunksCreated), idx.meta.NextVectorID)
	assertConsistent(t, idx)

	// survives a restart
	require.NoError(t, idx.Close())
	reopened := newTestIndexer(t, f, localEmbedder(t, 32))
	require.NoError(t, reopened.Open(ctx))
	_, err = reopened.IndexAll(ctx, false)
	assert.ErrorIs(t, err, types.ErrRebuildRequiresForce)
}

func TestIndexAppendOnly_NeverDeletesOrUpdates(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	_, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	before, err := idx.store.GetConversationByPath(ctx, f.files["docker"])
	require.NoError(t, err)
	beforeChunks, err := idx.store.ChunksForConversation(ctx, before.ID)
	require.NoError(t, err)

	// change an indexed file, add a new one, remove another from disk
	writeSession(t, f.root, "proj-a", "s-docker",
		msg{"user", "completely different content"}, msg{"assistant", "ok"}, msg{"user", "more"})
	added := writeSession(t, f.root, "proj-c", "s-new",
		msg{"user", "How do I profile Go code?"}, msg{"assistant", "Use pprof."})
	require.NoError(t, os.Remove(f.files["rust"]))

	stats, err := idx.IndexAppendOnly(ctx, []string{f.files["docker"], added, added, f.files["long"]})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewConversations)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)
	assert.GreaterOrEqual(t, stats.UpdateTime, 0.0)

	after, err := idx.store.GetConversationByPath(ctx, f.files["docker"])
	require.NoError(t, err)
	assert.Equal(t, before.FileHash, after.FileHash)
	assert.Equal(t, before.FullText, after.FullText)
	assert.Equal(t, before.Messages, after.Messages)
	afterChunks, err := idx.store.ChunksForConversation(ctx, after.ID)
	require.NoError(t, err)
	assert.Equal(t, beforeChunks, afterChunks)

	ok, err := idx.store.HasFilePath(ctx, f.files["rust"])
	require.NoError(t, err)
	assert.True(t, ok, "conversation of a deleted file must survive")

	counts, err := idx.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Conversations)
	assertConsistent(t, idx)
}

func TestIndexAppendOnly_Idempotent(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	paths := []string{f.files["docker"], f.files["rust"], f.files["empty"]}
	first, err := idx.IndexAppendOnly(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewConversations)
	assert.Equal(t, 1, first.Failed)

	meta, err := indexmeta.Load(f.dir)
	require.NoError(t, err)
	countsBefore, err := idx.store.Counts(ctx)
	require.NoError(t, err)

	second, err := idx.IndexAppendOnly(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewConversations)
	assert.Equal(t, 2, second.Skipped)

	countsAfter, err := idx.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, countsBefore, countsAfter)
	assert.Equal(t, meta.NextVectorID, idx.meta.NextVectorID)
	assertConsistent(t, idx)
}

func TestIndexMissing(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	_, err := idx.IndexAppendOnly(ctx, []string{f.files["docker"]})
	require.NoError(t, err)

	stats, err := idx.IndexMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NewConversations)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
}

func TestOpen_VersionMismatch(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	_, err := idx.IndexAll(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	other := newTestIndexer(t, f, localEmbedder(t, 64))
	err = other.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrVersionMismatch)

	_, err = other.IndexAppendOnly(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrVersionMismatch)
}

func TestIndexAll_ForceRebuildsAcrossModelChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	_, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	_, oldMax := idx.vectors.IDRange()
	require.NoError(t, idx.Close())

	other := newTestIndexer(t, f, localEmbedder(t, 64))
	_, err = other.IndexAll(ctx, false)
	assert.ErrorIs(t, err, types.ErrVersionMismatch)

	stats, err := other.IndexAll(ctx, true)
	require.NoError(t, err)
	assert.Positive(t, stats.ChunksCreated)

	newMin, _ := other.vectors.IDRange()
	assert.Greater(t, newMin, oldMax)
	assert.Equal(t, embedder.Identity(localEmbedder(t, 64)), other.meta.EmbeddingModel)
	assertConsistent(t, other)
	require.NoError(t, other.Close())

	r, err := vectorindex.Load(filepath.Join(f.dir, vectorindex.FileName), vectorindex.Options{Dimension: 64})
	require.NoError(t, err)
	assert.Equal(t, int64(stats.ChunksCreated), r.Count())
	require.NoError(t, r.Close())

	// the old model is now the mismatched one
	stale := newTestIndexer(t, f, localEmbedder(t, 32))
	_, err = stale.IndexAppendOnly(ctx, nil)
	assert.ErrorIs(t, err, types.ErrVersionMismatch)
}

func TestOpen_RepairsOrphanVectors(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()
	stats, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	next := idx.meta.NextVectorID
	require.NoError(t, idx.Close())

	// a crash after the vector append but before the row commit
	w, err := vectorindex.OpenWriter(filepath.Join(f.dir, vectorindex.FileName), 32)
	require.NoError(t, err)
	require.NoError(t, w.Append([]int64{next, next + 1}, [][]float32{make([]float32, 32), make([]float32, 32)}))
	require.NoError(t, w.Close())

	reopened := newTestIndexer(t, f, localEmbedder(t, 32))
	require.NoError(t, reopened.Open(ctx))
	assert.Equal(t, int64(stats.ChunksCreated), reopened.vectors.Count())
	assertConsistent(t, reopened)
}

func TestOpen_DetectsMissingVectors(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	_, err := idx.IndexAll(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	w, err := vectorindex.OpenWriter(filepath.Join(f.dir, vectorindex.FileName), 32)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(w.Count()-1))
	require.NoError(t, w.Close())

	reopened := newTestIndexer(t, f, localEmbedder(t, 32))
	err = reopened.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrCorruptIndex)
}

func TestOpen_AdvancesStaleNextVectorID(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()
	_, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	want := idx.meta.NextVectorID
	require.NoError(t, idx.Close())

	// metadata write lost after rows were committed
	meta, err := indexmeta.Load(f.dir)
	require.NoError(t, err)
	meta.NextVectorID = 1
	require.NoError(t, indexmeta.Save(f.dir, meta))

	reopened := newTestIndexer(t, f, localEmbedder(t, 32))
	require.NoError(t, reopened.Open(ctx))
	assert.Equal(t, want, reopened.meta.NextVectorID)
}

type blockingEmbedder struct {
	embedder.Embedder
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Embedder.GenerateBatch(ctx, req)
}

func TestRequestShutdown(t *testing.T) {
	f := newFixture(t)
	emb := &blockingEmbedder{
		Embedder: localEmbedder(t, 32),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	idx := newTestIndexer(t, f, emb)
	ctx := context.Background()

	assert.NoError(t, idx.RequestShutdown(false), "nothing to defer when idle")

	type result struct {
		stats *Statistics
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := idx.IndexAll(ctx, false)
		done <- result{stats, err}
	}()
	<-emb.started

	assert.True(t, idx.InProgress())
	assert.ErrorIs(t, idx.RequestShutdown(false), types.ErrIndexingInProgress)
	_, err := idx.IndexAppendOnly(ctx, []string{f.files["docker"]})
	assert.ErrorIs(t, err, types.ErrIndexingInProgress)
	assert.ErrorIs(t, idx.Close(), types.ErrIndexingInProgress)

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Indexing)

	require.NoError(t, idx.RequestShutdown(true))
	close(emb.release)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.stats.Aborted)
	assert.Equal(t, 0, res.stats.Indexed)
	assert.False(t, idx.InProgress())

	ok, err := indexmeta.Exists(f.dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assertConsistent(t, idx)
}

type failingEmbedder struct {
	embedder.Embedder
}

func (failingEmbedder) GenerateBatch(context.Context, embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	return nil, errors.New("provider down")
}

func TestIndexAll_EmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, failingEmbedder{localEmbedder(t, 32)})
	ctx := context.Background()

	stats, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 4, stats.Failed)
	assert.Equal(t, int64(0), idx.vectors.Count())
	assert.Equal(t, indexmeta.FirstVectorID, idx.meta.NextVectorID)
	for _, m := range stats.ErrorMessages {
		assert.True(t, strings.Contains(m, "provider down") || strings.Contains(m, "s-empty"), m)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Conversations)
	assert.True(t, stats.LastUpdated.IsZero())

	built, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)

	stats, err = idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Conversations)
	assert.Equal(t, int64(6), stats.Messages)
	assert.Equal(t, int64(built.ChunksCreated), stats.Chunks)
	assert.Equal(t, stats.Chunks, stats.Vectors)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.False(t, stats.LastUpdated.IsZero())
	assert.False(t, stats.Indexing)
	assert.Equal(t, f.dir, stats.IndexDir)
	assert.Equal(t, storage.CurrentSchemaVersion, stats.SchemaVersion)
}

func TestGroupByProject(t *testing.T) {
	mk := func(project string, n int) *types.ConversationRecord {
		return &types.ConversationRecord{ProjectID: project, ConversationID: fmt.Sprintf("%s-%d", project, n)}
	}
	recs := []*types.ConversationRecord{mk("a", 1), nil, mk("b", 1), mk("a", 2), mk("a", 3)}
	groups := groupByProject(recs, 2)
	require.Len(t, groups, 3)
	assert.Equal(t, "a-1", groups[0][0].ConversationID)
	assert.Equal(t, "a-2", groups[0][1].ConversationID)
	assert.Equal(t, "a-3", groups[1][0].ConversationID)
	assert.Equal(t, "b-1", groups[2][0].ConversationID)
}

type txFailingStore struct {
	storage.Storage
}

func (txFailingStore) BeginTx(context.Context) (storage.Tx, error) {
	return nil, errors.New("database is locked")
}

func TestIndexAll_FailedCommitKeepsIDsConsumed(t *testing.T) {
	f := newFixture(t)
	idx := newTestIndexer(t, f, localEmbedder(t, 32))
	ctx := context.Background()

	require.NoError(t, idx.Open(ctx))
	store := idx.store
	idx.store = txFailingStore{store}

	stats, err := idx.IndexAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Positive(t, stats.Failed)
	assert.Equal(t, int64(0), idx.vectors.Count())
	consumed := idx.meta.NextVectorID
	assert.Greater(t, consumed, indexmeta.FirstVectorID)
	assertConsistent(t, idx)

	idx.store = store
	update, err := idx.IndexMissing(ctx)
	require.NoError(t, err)
	assert.Positive(t, update.NewConversations)

	lo, _ := idx.vectors.IDRange()
	assert.GreaterOrEqual(t, lo, consumed)
	assertConsistent(t, idx)
}
