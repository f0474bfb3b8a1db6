package searcher

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convsearch-mcp/internal/chunker"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/indexmeta"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/internal/vectorindex"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type conv struct {
	id      string
	project string
	tool    string
	age     time.Duration
	msgs    []string
}

var fixtures = []conv{
	{"conv-py", "alpha", "claude-code", 24 * time.Hour, []string{
		"How do I train a neural network with python and tensorflow?",
		"Use tf.keras: build a Sequential model, compile it and call fit on your training data.",
	}},
	{"conv-java", "alpha", "claude-code", 48 * time.Hour, []string{
		"My java spring boot service fails to start.",
		"Check the bean wiring in your spring configuration and the application.properties file.",
	}},
	{"conv-go", "beta", "codex", 10 * 24 * time.Hour, []string{
		"Explain golang channels and goroutines for concurrency.",
		"Goroutines are lightweight threads; channels let goroutines communicate safely.",
	}},
	{"conv-pyjava", "beta", "claude-code", 40 * 24 * time.Hour, []string{
		"Can python call java code through jython?",
		"Jython runs python on the JVM so java classes are importable directly.",
	}},
}

func localEmbedder(t *testing.T, dim int) embedder.Embedder {
	t.Helper()
	e, err := embedder.NewLocalProvider(dim, nil)
	require.NoError(t, err)
	return e
}

// appendConversations writes convs into the index in dir the way the indexer
// does: vectors first, then rows, then metadata.
func appendConversations(t *testing.T, dir string, emb embedder.Embedder, convs ...conv) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, indexer.DBFileName))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	w, err := vectorindex.OpenWriter(filepath.Join(dir, vectorindex.FileName), emb.Dimension())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	exp := indexmeta.Expected{
		EmbeddingModel:     embedder.Identity(emb),
		SchemaVersion:      storage.CurrentSchemaVersion,
		IndexFormatVersion: vectorindex.FormatVersion,
	}
	meta := indexmeta.New(exp, 60, 10, baseTime)
	if ok, _ := indexmeta.Exists(dir); ok {
		meta, err = indexmeta.Load(dir)
		require.NoError(t, err)
	}
	ch, err := chunker.New(60, 10)
	require.NoError(t, err)

	for _, c := range convs {
		updated := baseTime.Add(-c.age)
		msgs := make([]types.MessageRecord, len(c.msgs))
		for i, m := range c.msgs {
			role := types.RoleUser
			if i%2 == 1 {
				role = types.RoleAssistant
			}
			msgs[i] = types.MessageRecord{Sequence: i, Role: role, Content: m, Timestamp: updated}
		}
		full, spans := types.BuildFullText(msgs)
		rec := &types.ConversationRecord{
			ConversationID: c.id,
			ProjectID:      c.project,
			Tool:           c.tool,
			FilePath:       filepath.Join("/logs", c.project, c.id+".jsonl"),
			Title:          c.msgs[0],
			CreatedAt:      updated.Add(-time.Hour),
			UpdatedAt:      updated,
			MessageCount:   len(msgs),
			Messages:       msgs,
			FullText:       full,
			FileHash:       "hash-" + c.id,
			EmbeddingID:    meta.NextVectorID,
		}

		chunks := ch.ChunkConversation(rec, spans)
		texts := make([]string, len(chunks))
		ids := make([]int64, len(chunks))
		for i := range chunks {
			chunks[i].VectorID = meta.NextVectorID + int64(i)
			ids[i] = chunks[i].VectorID
			texts[i] = chunks[i].ChunkText
		}
		vecs, err := embedder.EncodeBatch(ctx, emb, texts, 16)
		require.NoError(t, err)
		require.NoError(t, w.Append(ids, vecs))

		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertConversation(ctx, rec))
		for i := range chunks {
			chunks[i].ConversationRef = rec.ID
		}
		require.NoError(t, tx.InsertChunks(ctx, chunks))
		require.NoError(t, tx.Commit())

		meta.NextVectorID += int64(len(chunks))
		meta.TotalConversations++
		meta.TotalMessages += int64(len(msgs))
		meta.TotalChunks += int64(len(chunks))
	}
	require.NoError(t, indexmeta.Save(dir, meta))
}

func buildIndex(t *testing.T, emb embedder.Embedder) string {
	t.Helper()
	dir := t.TempDir()
	appendConversations(t, dir, emb, fixtures...)
	return dir
}

func newLoaded(t *testing.T, dir string, emb embedder.Embedder, cfg Config) *Searcher {
	t.Helper()
	s := New(cfg, emb)
	s.now = func() time.Time { return baseTime }
	require.NoError(t, s.Load(context.Background(), dir))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ids(res *types.SearchResults) []string {
	out := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		out = append(out, r.ConversationID)
	}
	return out
}

func sortedIDs(res *types.SearchResults) []string {
	out := ids(res)
	sort.Strings(out)
	return out
}

func TestSearch_NotReady(t *testing.T) {
	ctx := context.Background()
	s := New(DefaultConfig(), localEmbedder(t, 32))
	for _, mode := range []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic, types.SearchModeHybrid} {
		_, err := s.Search(ctx, Request{Query: "python", Mode: mode})
		assert.ErrorIs(t, err, types.ErrNotReady, mode)
	}

	err := s.Load(ctx, t.TempDir())
	assert.ErrorIs(t, err, types.ErrNotReady)
	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Reload(ctx), types.ErrNotReady)
}

func TestSearch_KeywordWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	dir := buildIndex(t, localEmbedder(t, 32))
	s := newLoaded(t, dir, nil, DefaultConfig())

	res, err := s.Search(ctx, Request{Query: "+python -java", Mode: types.SearchModeKeyword})
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-py"}, ids(res))
	assert.Equal(t, []types.SearchMode{types.SearchModeKeyword}, res.Results[0].MatchedBy)
	assert.False(t, res.Results[0].HasMessageRange)
	assert.Greater(t, res.Results[0].Score, 0.0)

	_, err = s.Search(ctx, Request{Query: "python", Mode: types.SearchModeSemantic})
	assert.ErrorIs(t, err, types.ErrNotReady)
	_, err = s.Search(ctx, Request{Query: "python", Mode: types.SearchModeHybrid})
	assert.ErrorIs(t, err, types.ErrNotReady)
}

func TestSearch_EmptyIsNotAnError(t *testing.T) {
	emb := localEmbedder(t, 32)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	res, err := s.Search(context.Background(), Request{Query: "kubernetes", Mode: types.SearchModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Total)
}

func TestSearch_Semantic(t *testing.T) {
	emb := localEmbedder(t, 64)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	res, err := s.Search(context.Background(), Request{
		Query:      "golang goroutines channels concurrency",
		Mode:       types.SearchModeSemantic,
		MaxResults: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	top := res.Results[0]
	assert.Equal(t, "conv-go", top.ConversationID)
	assert.True(t, top.HasMessageRange)
	assert.LessOrEqual(t, top.MessageStartIndex, top.MessageEndIndex)
	assert.Less(t, top.MessageEndIndex, top.MessageCount)
	assert.NotEmpty(t, top.Snippet)
	assert.Equal(t, []types.SearchMode{types.SearchModeSemantic}, top.MatchedBy)
	for _, r := range res.Results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.NoError(t, r.Validate())
	}
}

func TestSearch_HybridDedupesConversations(t *testing.T) {
	emb := localEmbedder(t, 64)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	res, err := s.Search(context.Background(), Request{Query: "python", Mode: types.SearchModeHybrid, MaxResults: 10})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, r := range res.Results {
		assert.False(t, seen[r.ConversationID], "duplicate %s", r.ConversationID)
		seen[r.ConversationID] = true
	}
	assert.True(t, seen["conv-py"])
	assert.True(t, seen["conv-pyjava"])

	for _, r := range res.Results {
		if r.ConversationID == "conv-py" {
			assert.ElementsMatch(t, []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic}, r.MatchedBy)
			assert.InDelta(t, 0.3*r.KeywordScore+0.7*r.SemanticScore, r.Score, 1e-9)
		}
	}
	for i := 1; i < len(res.Results); i++ {
		assert.GreaterOrEqual(t, res.Results[i-1].Score, res.Results[i].Score)
	}
}

func TestSearch_FilterInvarianceAcrossModes(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 64)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	filters := &types.SearchFilters{ProjectIDs: []string{"beta"}}
	want := []string{"conv-go", "conv-pyjava"}

	// no positive terms: keyword mode lists everything the filter admits
	res, err := s.Search(ctx, Request{Mode: types.SearchModeKeyword, Filters: filters, MaxResults: 100})
	require.NoError(t, err)
	assert.Equal(t, want, sortedIDs(res))

	for _, mode := range []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic, types.SearchModeHybrid} {
		res, err := s.Search(ctx, Request{
			Query:      "python java golang channels",
			Mode:       mode,
			Filters:    filters,
			MaxResults: 100,
		})
		require.NoError(t, err, mode)
		assert.Equal(t, want, sortedIDs(res), mode)
		for _, r := range res.Results {
			assert.Equal(t, "beta", r.ProjectID)
		}
	}

	hasCode := false
	codexOnly := &types.SearchFilters{Tool: "codex", MinMessages: 2, HasCode: &hasCode}
	for _, mode := range []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic, types.SearchModeHybrid} {
		res, err := s.Search(ctx, Request{Query: "python golang", Mode: mode, Filters: codexOnly, MaxResults: 100})
		require.NoError(t, err, mode)
		assert.Equal(t, []string{"conv-go"}, ids(res), mode)
	}
}

func TestSearch_QueryConstraintsAcrossModes(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 64)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	tests := []struct {
		query   string
		must    string
		allowed []string
	}{
		{query: "python -java", must: "conv-py", allowed: []string{"conv-py", "conv-go"}},
		{query: "+jython python", must: "conv-pyjava", allowed: []string{"conv-pyjava"}},
		{query: `"spring boot" service`, must: "conv-java", allowed: []string{"conv-java"}},
	}

	for _, tt := range tests {
		for _, mode := range []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic, types.SearchModeHybrid} {
			res, err := s.Search(ctx, Request{Query: tt.query, Mode: mode, MaxResults: 100})
			require.NoError(t, err, "%s %s", tt.query, mode)
			got := ids(res)
			assert.Contains(t, got, tt.must, "%s %s", tt.query, mode)
			assert.Subset(t, tt.allowed, got, "%s %s", tt.query, mode)
		}
	}

	res, err := s.Search(ctx, Request{Query: "python -java", Mode: types.SearchModeKeyword, MaxResults: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-py"}, ids(res))
}

func TestSearch_QueryDateNarrowsFilters(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 64)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	for _, mode := range []types.SearchMode{types.SearchModeKeyword, types.SearchModeHybrid} {
		res, err := s.Search(ctx, Request{Query: "python last week", Mode: mode, MaxResults: 100})
		require.NoError(t, err)
		assert.Equal(t, []string{"conv-py"}, ids(res), mode)
		require.NotNil(t, res.Query.DateFilter)
	}

	// an explicit range intersects with the phrase
	old := &types.SearchFilters{DateRange: &types.DateFilter{ToDate: baseTime.Add(-30 * 24 * time.Hour)}}
	res, err := s.Search(ctx, Request{Query: "python last week", Mode: types.SearchModeKeyword, Filters: old})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.True(t, old.DateRange.FromDate.IsZero(), "caller filters are not mutated")
}

func TestSearch_SemanticWithoutTerms(t *testing.T) {
	emb := localEmbedder(t, 32)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	res, err := s.Search(context.Background(), Request{Query: "-java", Mode: types.SearchModeSemantic})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestSearch_OrderingTieBreaks(t *testing.T) {
	emb := localEmbedder(t, 32)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())

	// every score is zero, so recency decides
	res, err := s.Search(context.Background(), Request{Mode: types.SearchModeKeyword, MaxResults: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-py", "conv-java", "conv-go"}, ids(res))
}

func TestSearch_Cache(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 32)
	dir := buildIndex(t, emb)
	s := newLoaded(t, dir, emb, DefaultConfig())

	req := Request{Query: "spring", Mode: types.SearchModeHybrid}
	first, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, ids(first), ids(second))

	second.Results[0].Title = "mutated"
	third, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", third.Results[0].Title)

	require.NoError(t, s.Reload(ctx))
	fourth, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
}

func TestReload_SeesNewConversations(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 64)
	dir := buildIndex(t, emb)
	s := newLoaded(t, dir, emb, DefaultConfig())

	appendConversations(t, dir, emb, conv{"conv-rust", "gamma", "codex", time.Hour, []string{
		"What is the rust borrow checker complaining about?",
		"The borrow checker rejects two mutable references alive at once.",
	}})

	before, err := s.Search(ctx, Request{Query: "rust borrow checker", Mode: types.SearchModeSemantic, MaxResults: 10})
	require.NoError(t, err)
	assert.NotContains(t, ids(before), "conv-rust")

	require.NoError(t, s.Reload(ctx))
	after, err := s.Search(ctx, Request{Query: "rust borrow checker", Mode: types.SearchModeSemantic, MaxResults: 10})
	require.NoError(t, err)
	require.NotEmpty(t, after.Results)
	assert.Equal(t, "conv-rust", after.Results[0].ConversationID)
	assert.Equal(t, int64(5), s.Metadata().TotalConversations)
}

func TestLoad_VersionMismatchKeepsPreviousView(t *testing.T) {
	ctx := context.Background()
	emb := localEmbedder(t, 32)
	dir := buildIndex(t, emb)
	s := newLoaded(t, dir, emb, DefaultConfig())

	other := New(DefaultConfig(), localEmbedder(t, 16))
	assert.ErrorIs(t, other.Load(ctx, dir), types.ErrVersionMismatch)
	assert.False(t, other.Ready())

	meta, err := indexmeta.Load(dir)
	require.NoError(t, err)
	meta.SchemaVersion = "0.9.0"
	require.NoError(t, indexmeta.Save(dir, meta))

	assert.ErrorIs(t, s.Reload(ctx), types.ErrVersionMismatch)
	assert.True(t, s.Ready())
	_, err = s.Search(ctx, Request{Query: "python", Mode: types.SearchModeHybrid})
	assert.NoError(t, err)
}

func TestLoad_HidesInFlightVectors(t *testing.T) {
	emb := localEmbedder(t, 32)
	dir := buildIndex(t, emb)

	meta, err := indexmeta.Load(dir)
	require.NoError(t, err)
	w, err := vectorindex.OpenWriter(filepath.Join(dir, vectorindex.FileName), emb.Dimension())
	require.NoError(t, err)
	vec := make([]float32, emb.Dimension())
	vec[0] = 1
	require.NoError(t, w.Append([]int64{meta.NextVectorID}, [][]float32{vec}))
	require.NoError(t, w.Close())

	for _, useMmap := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.UseMmap = useMmap
		s := newLoaded(t, dir, emb, cfg)
		res, err := s.Search(context.Background(), Request{Query: "python", Mode: types.SearchModeSemantic, MaxResults: 100})
		require.NoError(t, err)
		assert.Len(t, res.Results, len(fixtures))
	}
}

func TestLoad_DetectsMissingVectors(t *testing.T) {
	emb := localEmbedder(t, 32)
	dir := buildIndex(t, emb)

	w, err := vectorindex.OpenWriter(filepath.Join(dir, vectorindex.FileName), emb.Dimension())
	require.NoError(t, err)
	require.NoError(t, w.Truncate(w.Count()-1))
	require.NoError(t, w.Close())

	s := New(DefaultConfig(), emb)
	assert.ErrorIs(t, s.Load(context.Background(), dir), types.ErrCorruptIndex)
	assert.False(t, s.Ready())
}

func TestSearch_InvalidMode(t *testing.T) {
	emb := localEmbedder(t, 32)
	s := newLoaded(t, buildIndex(t, emb), emb, DefaultConfig())
	_, err := s.Search(context.Background(), Request{Query: "x", Mode: "fuzzy"})
	assert.Error(t, err)
}
