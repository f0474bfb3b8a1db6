package searcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/indexmeta"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/internal/parser"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/internal/vectorindex"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

const (
	// MaxResultsLimit caps a single request
	MaxResultsLimit = 100

	// minCandidates is the floor on how many hits each sub-search fetches
	minCandidates = 50
	// candidateFactor oversamples sub-searches so that per-conversation
	// dedupe still leaves enough distinct conversations
	candidateFactor = 5

	snippetRunes = 200
)

// Fusion strategies
const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

// DecayConfig controls the opt-in age penalty
type DecayConfig struct {
	Enabled bool
	Factor  float64 // per day
	Weight  float64 // share of the score subject to decay, 0..1
}

// Config tunes ranking and loading
type Config struct {
	DefaultMode    types.SearchMode
	MaxResults     int
	Fusion         string
	KeywordWeight  float64
	SemanticWeight float64
	RRFConstant    float64
	Decay          DecayConfig
	UseMmap        bool
	CacheSize      int
	CacheTTL       time.Duration
}

// DefaultConfig returns the built-in ranking settings
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom extracts the search settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	s := cfg.Search
	return Config{
		DefaultMode:    types.SearchMode(s.DefaultMode),
		MaxResults:     s.MaxResults,
		Fusion:         s.Fusion,
		KeywordWeight:  s.KeywordWeight,
		SemanticWeight: s.SemanticWeight,
		RRFConstant:    s.RRFConstant,
		Decay: DecayConfig{
			Enabled: s.TemporalDecay.Enabled,
			Factor:  s.TemporalDecay.Factor,
			Weight:  s.TemporalDecay.Weight,
		},
		UseMmap:   s.UseMmap,
		CacheSize: s.CacheSize,
		CacheTTL:  s.CacheTTL.Duration,
	}
}

// Request is one search call
type Request struct {
	Query      string
	Mode       types.SearchMode // empty selects Config.DefaultMode
	Filters    *types.SearchFilters
	MaxResults int // zero selects Config.MaxResults
}

// handles is one loaded, consistent view of an index directory
type handles struct {
	dir     string
	store   storage.Storage
	vectors *vectorindex.Reader
	meta    *indexmeta.Metadata

	// queries hold mu for reading; closing takes it for writing
	mu     sync.RWMutex
	closed bool
}

func (h *handles) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return multierr.Combine(h.store.Close(), h.vectors.Close())
}

// Searcher serves queries. It is safe for concurrent use.
type Searcher struct {
	cfg      Config
	embedder embedder.Embedder

	current atomic.Pointer[handles]
	// reloadMu serializes Load, Reload and Close
	reloadMu sync.Mutex

	cache *expirable.LRU[string, *types.SearchResults]
	now   func() time.Time
}

// New creates a Searcher with nothing loaded. emb may be nil, in which case
// only keyword search is available.
func New(cfg Config, emb embedder.Embedder) *Searcher {
	def := DefaultConfig()
	if !cfg.DefaultMode.Valid() {
		cfg.DefaultMode = def.DefaultMode
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.Fusion == "" {
		cfg.Fusion = def.Fusion
	}
	if cfg.KeywordWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.KeywordWeight, cfg.SemanticWeight = def.KeywordWeight, def.SemanticWeight
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = def.RRFConstant
	}

	s := &Searcher{cfg: cfg, embedder: emb, now: time.Now}
	if cfg.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, *types.SearchResults](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return s
}

// Ready reports whether an index is loaded
func (s *Searcher) Ready() bool {
	return s.current.Load() != nil
}

// Metadata returns a copy of the loaded index metadata, or nil
func (s *Searcher) Metadata() *indexmeta.Metadata {
	h := s.current.Load()
	if h == nil {
		return nil
	}
	m := *h.meta
	return &m
}

// Load opens the index in dir and swaps it in. It fails closed: on any
// version or consistency error the previous view stays active.
func (s *Searcher) Load(ctx context.Context, dir string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	h, err := s.open(ctx, dir)
	if err != nil {
		return err
	}

	old := s.current.Swap(h)
	if s.cache != nil {
		s.cache.Purge()
	}
	logging.FromContext(ctx).Info("search index loaded",
		zap.String("dir", dir),
		zap.Int64("conversations", h.meta.TotalConversations),
		zap.Int64("vectors", h.vectors.Count()))

	if old != nil {
		// waits for in-flight queries on the old view
		if err := old.close(); err != nil {
			logging.FromContext(ctx).Warn("failed to close previous index view", zap.Error(err))
		}
	}
	return nil
}

// Reload reopens the currently loaded directory
func (s *Searcher) Reload(ctx context.Context) error {
	h := s.current.Load()
	if h == nil {
		return types.ErrNotReady
	}
	return s.Load(ctx, h.dir)
}

// Close releases the loaded view. Later searches fail with ErrNotReady.
func (s *Searcher) Close() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	old := s.current.Swap(nil)
	if old == nil {
		return nil
	}
	return old.close()
}

func (s *Searcher) expected(meta *indexmeta.Metadata) indexmeta.Expected {
	exp := indexmeta.Expected{
		EmbeddingModel:     meta.EmbeddingModel,
		SchemaVersion:      storage.CurrentSchemaVersion,
		IndexFormatVersion: vectorindex.FormatVersion,
	}
	if s.embedder != nil {
		exp.EmbeddingModel = embedder.Identity(s.embedder)
	}
	return exp
}

func (s *Searcher) open(ctx context.Context, dir string) (*handles, error) {
	exists, err := indexmeta.Exists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: no index in %s", types.ErrNotReady, dir)
	}
	meta, err := indexmeta.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := meta.Validate(s.expected(meta)); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, indexer.DBFileName))
	if err != nil {
		return nil, err
	}
	h := &handles{dir: dir, store: store, meta: meta}
	if err := s.openVectors(ctx, h); err != nil {
		_ = store.Close()
		return nil, err
	}
	return h, nil
}

// openVectors loads the vector file against the chunk rows. Rows are read
// first: a writer appends vectors before it commits rows, so any extra
// records belong to a write still in flight and are hidden.
func (s *Searcher) openVectors(ctx context.Context, h *handles) error {
	rows, err := h.store.ChunkIDRange(ctx)
	if err != nil {
		return err
	}

	dim := 0
	if s.embedder != nil {
		dim = s.embedder.Dimension()
	}
	reader, err := vectorindex.Load(filepath.Join(h.dir, vectorindex.FileName), vectorindex.Options{
		Mmap:      s.cfg.UseMmap,
		Dimension: dim,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: vector file missing: %v", types.ErrCorruptIndex, err)
		}
		return err
	}

	if reader.Count() > rows.Count {
		if rows.Count > 0 {
			last, err := reader.IDAt(rows.Count - 1)
			if err != nil || last != rows.MaxID {
				_ = reader.Close()
				return fmt.Errorf("%w: vector file does not line up with chunk rows", types.ErrCorruptIndex)
			}
		}
		if err := reader.Limit(rows.Count); err != nil {
			_ = reader.Close()
			return err
		}
	}

	lo, hi := reader.IDRange()
	err = indexmeta.CheckConsistency(
		indexmeta.Snapshot{Count: rows.Count, MinID: rows.MinID, MaxID: rows.MaxID},
		indexmeta.Snapshot{Count: reader.Count(), MinID: lo, MaxID: hi},
		// the metadata file may lag a run that is still writing
		max(h.meta.NextVectorID, rows.MaxID+1),
	)
	if err != nil {
		_ = reader.Close()
		return err
	}
	h.vectors = reader
	return nil
}

// acquire pins the current view for one query. The caller must RUnlock.
func (s *Searcher) acquire() (*handles, error) {
	for {
		h := s.current.Load()
		if h == nil {
			return nil, types.ErrNotReady
		}
		h.mu.RLock()
		if !h.closed {
			return h, nil
		}
		h.mu.RUnlock()
	}
}

// Search runs a query. An empty result is not an error; a missing index or
// embedder is ErrNotReady.
func (s *Searcher) Search(ctx context.Context, req Request) (*types.SearchResults, error) {
	start := s.now()

	mode := req.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unsupported search mode: %q", mode)
	}
	limit := req.MaxResults
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}
	if limit > MaxResultsLimit {
		limit = MaxResultsLimit
	}
	if mode != types.SearchModeKeyword && s.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured for %s search", types.ErrNotReady, mode)
	}

	h, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer h.mu.RUnlock()

	pq := parser.ParseAt(req.Query, start)
	filters := effectiveFilters(req.Filters, pq.DateFilter)

	key := cacheKey(req.Query, mode, limit, filters)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			out := copyResults(cached)
			out.CacheHit = true
			out.Duration = s.now().Sub(start)
			return out, nil
		}
	}

	cands, kwHits, semHits, err := s.gather(ctx, h, mode, pq, filters, limit)
	if err != nil {
		return nil, err
	}

	results, err := s.resolve(ctx, h, cands, mode, start)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}

	out := &types.SearchResults{
		Results:      results,
		Query:        *pq,
		Mode:         mode,
		Total:        len(results),
		KeywordHits:  kwHits,
		SemanticHits: semHits,
		Duration:     s.now().Sub(start),
	}
	if s.cache != nil {
		s.cache.Add(key, copyResults(out))
	}

	logging.FromContext(ctx).Debug("search complete",
		zap.String("mode", string(mode)),
		zap.Int("results", out.Total),
		zap.Int("keyword_hits", kwHits),
		zap.Int("semantic_hits", semHits),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// effectiveFilters merges a date phrase from the query into the caller's
// filters without mutating them
func effectiveFilters(f *types.SearchFilters, dates *types.DateFilter) *types.SearchFilters {
	out := &types.SearchFilters{}
	if f != nil {
		*out = *f
	}
	out.DateRange = out.DateRange.Intersect(dates)
	return out
}

// gather runs the sub-searches for mode concurrently under the same filters
// and merges them per conversation
func (s *Searcher) gather(ctx context.Context, h *handles, mode types.SearchMode, pq *types.ParsedQuery, filters *types.SearchFilters, limit int) (map[int64]*candidate, int, int, error) {
	k := max(limit*candidateFactor, minCandidates)

	var (
		kw  []storage.KeywordHit
		sem []semanticHit
	)
	g, gctx := errgroup.WithContext(ctx)
	if mode != types.SearchModeSemantic {
		g.Go(func() error {
			var err error
			kw, err = h.store.KeywordSearch(gctx, storage.KeywordQuery{Query: pq, Filters: filters, Limit: k})
			return err
		})
	}
	if mode != types.SearchModeKeyword {
		g.Go(func() error {
			var err error
			sem, err = s.semanticSearch(gctx, h, pq, filters, k)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, 0, err
	}

	cands := make(map[int64]*candidate, len(kw)+len(sem))
	get := func(ref int64) *candidate {
		c, ok := cands[ref]
		if !ok {
			c = &candidate{ref: ref}
			cands[ref] = c
		}
		return c
	}
	for i, hit := range kw {
		c := get(hit.ConversationRef)
		c.keyword = true
		c.keywordScore = hit.Score
		c.keywordRank = i + 1
		c.snippet = hit.Snippet
	}
	for i, hit := range sem {
		c := get(hit.chunk.ConversationRef)
		c.semantic = true
		c.semanticScore = hit.score
		c.semanticRank = i + 1
		c.chunk = hit.chunk
	}
	return cands, len(kw), len(sem), nil
}

type semanticHit struct {
	chunk *types.ChunkMetadata
	score float64
}

// semanticSearch returns the best chunk of each conversation, best first
func (s *Searcher) semanticSearch(ctx context.Context, h *handles, pq *types.ParsedQuery, filters *types.SearchFilters, k int) ([]semanticHit, error) {
	text := strings.Join(pq.Terms(), " ")
	if strings.TrimSpace(text) == "" || h.vectors.Count() == 0 {
		return nil, nil
	}

	allowed, err := h.store.FilteredVectorIDs(ctx, pq, filters)
	if err != nil {
		return nil, err
	}
	if allowed != nil && len(allowed) == 0 {
		return nil, nil
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	var allow func(int64) bool
	if allowed != nil {
		allow = func(id int64) bool {
			_, ok := allowed[id]
			return ok
		}
	}
	hits, err := h.vectors.Search(emb.Vector, k, allow)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	chunks, err := h.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	var out []semanticHit
	for _, hit := range hits {
		ch, ok := chunks[hit.ID]
		if !ok {
			return nil, fmt.Errorf("%w: vector %d has no chunk row", types.ErrCorruptIndex, hit.ID)
		}
		if _, dup := seen[ch.ConversationRef]; dup {
			continue
		}
		seen[ch.ConversationRef] = struct{}{}
		out = append(out, semanticHit{chunk: ch, score: clamp01(hit.Score)})
	}
	return out, nil
}

// resolve scores candidates, joins them with their conversation rows and
// returns them ranked
func (s *Searcher) resolve(ctx context.Context, h *handles, cands map[int64]*candidate, mode types.SearchMode, now time.Time) ([]types.SearchResult, error) {
	if len(cands) == 0 {
		return []types.SearchResult{}, nil
	}
	refs := make([]int64, 0, len(cands))
	for ref := range cands {
		refs = append(refs, ref)
	}
	recs, err := h.store.GetConversationsByRef(ctx, refs)
	if err != nil {
		return nil, err
	}

	list := make([]*candidate, 0, len(cands))
	for ref, c := range cands {
		rec, ok := recs[ref]
		if !ok {
			return nil, fmt.Errorf("%w: conversation row %d missing", types.ErrCorruptIndex, ref)
		}
		c.rec = rec
		list = append(list, c)
	}

	s.score(list, mode, now)
	sortCandidates(list)

	out := make([]types.SearchResult, len(list))
	for i, c := range list {
		out[i] = c.result()
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
