package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dshills/convsearch-mcp/internal/chunker"
	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexmeta"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/internal/vectorindex"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

// DBFileName is the metadata store inside an index directory
const DBFileName = "conversations.db"

// Config contains configuration for the indexer
type Config struct {
	IndexDir       string
	ChunkSize      int
	ChunkOverlap   int
	Workers        int // parse concurrency (default: runtime.NumCPU())
	EmbedBatchSize int // texts per provider call
}

// ConfigFrom extracts the indexer settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		IndexDir:       cfg.IndexDir,
		ChunkSize:      cfg.Chunking.Size,
		ChunkOverlap:   cfg.Chunking.Overlap,
		Workers:        cfg.Indexer.Workers,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}
}

// Statistics contains statistics about a full build
type Statistics struct {
	RunID         string
	FilesFound    int
	Indexed       int
	Skipped       int
	Failed        int
	Messages      int
	ChunksCreated int
	Duration      time.Duration
	Aborted       bool
	ErrorMessages []string
}

// UpdateStats reports an append-only run
type UpdateStats struct {
	RunID            string
	NewConversations int
	UpdateTime       float64 // seconds
	Skipped          int
	Failed           int
	Aborted          bool
	Errors           []string
}

// IndexStats is the read-only status of an index directory
type IndexStats struct {
	IndexDir       string
	Conversations  int64
	Messages       int64
	Chunks         int64
	Vectors        int64
	SizeBytes      int64
	LastUpdated    time.Time
	EmbeddingModel string
	SchemaVersion  string
	Indexing       bool
}

// Indexer coordinates the pipeline: discover -> parse -> chunk -> embed -> store.
// All writes to an index directory go through one Indexer.
type Indexer struct {
	cfg      Config
	registry *connector.Registry
	embedder embedder.Embedder
	chunker  *chunker.Chunker
	expected indexmeta.Expected

	lock  IndexLock
	abort atomic.Bool

	// mu guards opening and closing the handles. While lock is held the
	// handles are stable and meta is owned by the running build.
	mu      sync.Mutex
	store   storage.Storage
	vectors *vectorindex.Writer
	meta    *indexmeta.Metadata // nil until the first build

	now func() time.Time
}

// New creates an Indexer. Stores are opened lazily, or by Open.
func New(cfg Config, registry *connector.Registry, emb embedder.Embedder) (*Indexer, error) {
	if cfg.IndexDir == "" {
		return nil, errors.New("index directory is required")
	}
	if registry == nil || emb == nil {
		return nil, errors.New("registry and embedder are required")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		cfg:      cfg,
		registry: registry,
		embedder: emb,
		chunker:  ch,
		expected: indexmeta.Expected{
			EmbeddingModel:     embedder.Identity(emb),
			SchemaVersion:      storage.CurrentSchemaVersion,
			IndexFormatVersion: vectorindex.FormatVersion,
		},
		now: time.Now,
	}, nil
}

// Open opens the stores under the index directory, validates the metadata
// and repairs a vector tail left by an interrupted write. Calling it again
// is a no-op.
func (idx *Indexer) Open(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.openLocked(ctx)
}

func (idx *Indexer) openLocked(ctx context.Context) error {
	if idx.store != nil {
		return nil
	}
	log := logging.FromContext(ctx)

	if err := os.MkdirAll(idx.cfg.IndexDir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	exists, err := indexmeta.Exists(idx.cfg.IndexDir)
	if err != nil {
		return err
	}
	var meta *indexmeta.Metadata
	if exists {
		meta, err = indexmeta.Load(idx.cfg.IndexDir)
		if err != nil {
			return err
		}
		if err := meta.Validate(idx.expected); err != nil {
			return err
		}
		if meta.ChunkSize != idx.cfg.ChunkSize || meta.ChunkOverlap != idx.cfg.ChunkOverlap {
			log.Warn("chunking settings differ from the index, new conversations use the new settings",
				zap.Int("index_chunk_size", meta.ChunkSize),
				zap.Int("chunk_size", idx.cfg.ChunkSize))
		}
	}

	store, err := storage.NewSQLiteStorage(filepath.Join(idx.cfg.IndexDir, DBFileName))
	if err != nil {
		return err
	}
	vectors, err := vectorindex.OpenWriter(filepath.Join(idx.cfg.IndexDir, vectorindex.FileName), idx.embedder.Dimension())
	if err != nil {
		_ = store.Close()
		return err
	}

	if meta != nil {
		if err := repair(ctx, store, vectors, meta); err != nil {
			_ = multierr.Combine(store.Close(), vectors.Close())
			return err
		}
	}

	idx.store, idx.vectors, idx.meta = store, vectors, meta
	return nil
}

// repair drops orphaned vectors, brings counters in line with the stores
// and then requires both stores to agree.
func repair(ctx context.Context, store storage.Storage, vectors *vectorindex.Writer, meta *indexmeta.Metadata) error {
	log := logging.FromContext(ctx)

	rows, err := store.ChunkIDRange(ctx)
	if err != nil {
		return err
	}
	rowSnap := indexmeta.Snapshot{Count: rows.Count, MinID: rows.MinID, MaxID: rows.MaxID}

	var lastRowID int64
	if rows.Count > 0 && vectors.Count() >= rows.Count {
		if lastRowID, err = vectors.IDAt(rows.Count - 1); err != nil {
			return err
		}
	}
	orphans, err := indexmeta.OrphanTail(rowSnap, vectorSnapshot(vectors), lastRowID)
	if err != nil {
		return err
	}
	if orphans > 0 {
		log.Warn("dropping vectors without chunk rows", zap.Int64("count", orphans))
		if err := vectors.Truncate(rows.Count); err != nil {
			return err
		}
	}

	if rows.Count > 0 && rows.MaxID >= meta.NextVectorID {
		log.Warn("advancing next vector id past stored chunks",
			zap.Int64("next_vector_id", meta.NextVectorID), zap.Int64("max_id", rows.MaxID))
		meta.NextVectorID = rows.MaxID + 1
	}
	return indexmeta.CheckConsistency(rowSnap, vectorSnapshot(vectors), meta.NextVectorID)
}

// openForRebuild opens the stores for a forced rebuild and returns the first
// vector id the rebuild may use. An index written by an incompatible engine
// or embedding model, or one whose stores disagree, is discarded instead of
// rejected; only the ids it handed out are carried over.
func (idx *Indexer) openForRebuild(ctx context.Context) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.openLocked(ctx)
	switch types.KindOf(err) {
	case types.KindNone:
		if idx.meta != nil {
			return idx.meta.NextVectorID, nil
		}
		return indexmeta.FirstVectorID, nil
	case types.KindVersion, types.KindConsistency:
		logging.FromContext(ctx).Warn("discarding incompatible index", zap.Error(err))
		return idx.discardLocked(ctx)
	default:
		return 0, err
	}
}

// discardLocked empties the index directory's stores and recreates the
// vector file for the current embedder. The returned id is past every id
// recorded in the old metadata, chunk rows or vector file.
func (idx *Indexer) discardLocked(ctx context.Context) (int64, error) {
	next := indexmeta.FirstVectorID
	if meta, err := indexmeta.Load(idx.cfg.IndexDir); err == nil && meta.NextVectorID > next {
		next = meta.NextVectorID
	}

	vecPath := filepath.Join(idx.cfg.IndexDir, vectorindex.FileName)
	if old, err := vectorindex.Load(vecPath, vectorindex.Options{}); err == nil {
		if _, hi := old.IDRange(); old.Count() > 0 && hi >= next {
			next = hi + 1
		}
		_ = old.Close()
	}

	store, err := storage.NewSQLiteStorage(filepath.Join(idx.cfg.IndexDir, DBFileName))
	if err != nil {
		return 0, err
	}
	rows, err := store.ChunkIDRange(ctx)
	if err != nil {
		_ = store.Close()
		return 0, err
	}
	if rows.Count > 0 && rows.MaxID >= next {
		next = rows.MaxID + 1
	}
	if err := store.ClearAll(ctx); err != nil {
		_ = store.Close()
		return 0, err
	}

	if err := os.Remove(vecPath); err != nil && !os.IsNotExist(err) {
		_ = store.Close()
		return 0, fmt.Errorf("failed to remove vector file: %w", err)
	}
	vectors, err := vectorindex.OpenWriter(vecPath, idx.embedder.Dimension())
	if err != nil {
		_ = store.Close()
		return 0, err
	}

	idx.store, idx.vectors, idx.meta = store, vectors, nil
	return next, nil
}

func vectorSnapshot(w *vectorindex.Writer) indexmeta.Snapshot {
	lo, hi := w.IDRange()
	return indexmeta.Snapshot{Count: w.Count(), MinID: lo, MaxID: hi}
}

// Close releases the stores. It fails while a run is active.
func (idx *Indexer) Close() error {
	if idx.lock.InProgress() {
		return types.ErrIndexingInProgress
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.store == nil {
		return nil
	}
	err := multierr.Combine(idx.store.Close(), idx.vectors.Close())
	idx.store, idx.vectors, idx.meta = nil, nil, nil
	return err
}

// InProgress reports whether an indexing run is active
func (idx *Indexer) InProgress() bool {
	return idx.lock.InProgress()
}

// RequestShutdown asks the indexer to stop. While a run is active it returns
// types.ErrIndexingInProgress unless force is set; a forced request makes the
// run stop after the conversation it is writing and persist its metadata.
func (idx *Indexer) RequestShutdown(force bool) error {
	if !idx.lock.InProgress() {
		return nil
	}
	if !force {
		return types.ErrIndexingInProgress
	}
	idx.abort.Store(true)
	return nil
}

// IndexAll builds the index from every discovered file. An existing index is
// only rebuilt when force is set; vector ids keep increasing across rebuilds.
// A forced rebuild also replaces an index the current engine cannot open.
func (idx *Indexer) IndexAll(ctx context.Context, force bool) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, types.ErrIndexingInProgress
	}
	defer idx.lock.Release()
	idx.abort.Store(false)

	run := newRun(ctx)
	ctx, log := run.ctx, run.log
	start := idx.now()

	var nextID int64
	if force {
		id, err := idx.openForRebuild(ctx)
		if err != nil {
			return nil, err
		}
		nextID = id
	} else {
		if err := idx.Open(ctx); err != nil {
			return nil, err
		}
		if idx.meta != nil {
			return nil, types.ErrRebuildRequiresForce
		}
		nextID = indexmeta.FirstVectorID
	}
	log.Info("rebuilding index", zap.Bool("force", force), zap.Int64("next_vector_id", nextID))

	if err := idx.store.ClearAll(ctx); err != nil {
		return nil, err
	}
	if err := idx.vectors.Reset(); err != nil {
		return nil, err
	}
	meta := indexmeta.New(idx.expected, idx.cfg.ChunkSize, idx.cfg.ChunkOverlap, start)
	meta.NextVectorID = nextID
	if err := indexmeta.Save(idx.cfg.IndexDir, meta); err != nil {
		return nil, err
	}
	idx.meta = meta

	paths, err := idx.registry.DiscoverAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	res, err := idx.indexPaths(ctx, paths)
	if err != nil {
		return nil, err
	}
	if err := idx.saveMetadata(ctx); err != nil {
		return nil, err
	}

	stats := &Statistics{
		RunID:         run.id,
		FilesFound:    len(paths),
		Indexed:       res.indexed,
		Failed:        res.failed,
		Messages:      res.messages,
		ChunksCreated: res.chunks,
		Duration:      idx.now().Sub(start),
		Aborted:       res.aborted,
		ErrorMessages: res.errors,
	}
	log.Info("index rebuilt",
		zap.Int("files", stats.FilesFound),
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed),
		zap.Int("chunks", stats.ChunksCreated),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// IndexAppendOnly indexes the given files whose path is not stored yet.
// Stored paths are skipped even when their content changed, and nothing is
// ever deleted.
func (idx *Indexer) IndexAppendOnly(ctx context.Context, paths []string) (*UpdateStats, error) {
	if !idx.lock.TryAcquire() {
		return nil, types.ErrIndexingInProgress
	}
	defer idx.lock.Release()
	idx.abort.Store(false)

	run := newRun(ctx)
	ctx, log := run.ctx, run.log
	start := idx.now()

	if err := idx.Open(ctx); err != nil {
		return nil, err
	}
	if idx.meta == nil {
		idx.meta = indexmeta.New(idx.expected, idx.cfg.ChunkSize, idx.cfg.ChunkOverlap, start)
	}

	stats := &UpdateStats{RunID: run.id}

	seen := make(map[string]bool, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if seen[abs] {
			stats.Skipped++
			continue
		}
		seen[abs] = true
		unique = append(unique, abs)
	}

	existing, err := idx.store.ExistingFilePaths(ctx, unique)
	if err != nil {
		return nil, err
	}
	pending := unique[:0]
	for _, p := range unique {
		if existing[p] {
			stats.Skipped++
			continue
		}
		pending = append(pending, p)
	}

	res, err := idx.indexPaths(ctx, pending)
	if err != nil {
		return nil, err
	}
	stats.Skipped += res.skipped
	if err := idx.saveMetadata(ctx); err != nil {
		return nil, err
	}

	stats.NewConversations = res.indexed
	stats.Failed = res.failed
	stats.Aborted = res.aborted
	stats.Errors = res.errors
	stats.UpdateTime = idx.now().Sub(start).Seconds()

	log.Info("append-only update finished",
		zap.Int("requested", len(paths)),
		zap.Int("new", stats.NewConversations),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Float64("seconds", stats.UpdateTime))
	return stats, nil
}

// IndexMissing discovers every file and appends the ones not indexed yet
func (idx *Indexer) IndexMissing(ctx context.Context) (*UpdateStats, error) {
	paths, err := idx.registry.DiscoverAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}
	return idx.IndexAppendOnly(ctx, paths)
}

// saveMetadata refreshes the totals from the store and persists metadata.
// It is always the last write of a run.
func (idx *Indexer) saveMetadata(ctx context.Context) error {
	counts, err := idx.store.Counts(ctx)
	if err != nil {
		return err
	}
	idx.meta.TotalConversations = counts.Conversations
	idx.meta.TotalMessages = counts.Messages
	idx.meta.TotalChunks = counts.Chunks
	idx.meta.Touch(idx.expected, idx.now())
	return indexmeta.Save(idx.cfg.IndexDir, idx.meta)
}

// Stats reports the state of the index directory. It does not wait for an
// active run.
func (idx *Indexer) Stats(ctx context.Context) (*IndexStats, error) {
	if err := idx.Open(ctx); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	store, vectors := idx.store, idx.vectors
	idx.mu.Unlock()

	stats := &IndexStats{
		IndexDir:       idx.cfg.IndexDir,
		EmbeddingModel: idx.expected.EmbeddingModel,
		Indexing:       idx.lock.InProgress(),
		Vectors:        vectors.Count(),
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats.Conversations = counts.Conversations
	stats.Messages = counts.Messages
	stats.Chunks = counts.Chunks

	if stats.LastUpdated, err = store.LatestUpdate(ctx); err != nil {
		return nil, err
	}
	if stats.SchemaVersion, err = store.SchemaVersion(ctx); err != nil {
		return nil, err
	}
	stats.SizeBytes = dirSize(idx.cfg.IndexDir)
	return stats, nil
}

// dirSize sums the regular files directly inside dir
func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}
