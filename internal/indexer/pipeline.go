package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

// conversations embedded per provider round trip group
const embedGroupSize = 16

type runInfo struct {
	id  string
	ctx context.Context
	log *zap.Logger
}

func newRun(ctx context.Context) *runInfo {
	id := uuid.NewString()
	ctx = logging.With(ctx, zap.String("run_id", id))
	return &runInfo{id: id, ctx: ctx, log: logging.FromContext(ctx)}
}

type runResult struct {
	indexed  int
	skipped  int
	failed   int
	messages int
	chunks   int
	aborted  bool
	errors   []string
}

func (r *runResult) fail(ctx context.Context, path string, err error) {
	r.failed++
	r.errors = append(r.errors, fmt.Sprintf("%s: %v", path, err))
	logging.FromContext(ctx).Warn("skipping conversation file",
		zap.String("path", path),
		zap.String("kind", types.KindOf(err).String()),
		zap.Error(err))
}

// prepared is a parsed conversation with its chunks and their vectors
type prepared struct {
	rec     *types.ConversationRecord
	chunks  []types.ChunkMetadata
	vectors [][]float32
}

// indexPaths parses paths concurrently, then embeds and writes them one
// project group at a time. Per-file failures are counted, not returned.
func (idx *Indexer) indexPaths(ctx context.Context, paths []string) (*runResult, error) {
	res := &runResult{}
	if len(paths) == 0 {
		return res, nil
	}

	recs, err := idx.parseAll(ctx, paths, res)
	if err != nil {
		return nil, err
	}

	for _, group := range groupByProject(recs, embedGroupSize) {
		if idx.abort.Load() {
			res.aborted = true
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := idx.embedGroup(ctx, group)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			for _, rec := range group {
				res.fail(ctx, rec.FilePath, err)
			}
			continue
		}

		for _, p := range batch {
			if idx.abort.Load() {
				res.aborted = true
				break
			}
			err := idx.write(ctx, p)
			switch {
			case err == nil:
				res.indexed++
				res.messages += p.rec.MessageCount
				res.chunks += len(p.chunks)
			case errors.Is(err, storage.ErrAlreadyExists):
				res.skipped++
			case types.IsFatal(err):
				return nil, err
			default:
				res.fail(ctx, p.rec.FilePath, err)
			}
		}
	}
	if res.aborted {
		logging.FromContext(ctx).Info("indexing stopped on shutdown request", zap.Int("indexed", res.indexed))
	}
	return res, nil
}

// parseAll returns one record per path in input order, nil where parsing failed
func (idx *Indexer) parseAll(ctx context.Context, paths []string, res *runResult) ([]*types.ConversationRecord, error) {
	recs := make([]*types.ConversationRecord, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs[i], errs[i] = idx.parseOne(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, err := range errs {
		if err != nil {
			res.fail(ctx, paths[i], err)
		}
	}
	return recs, nil
}

func (idx *Indexer) parseOne(path string) (*types.ConversationRecord, error) {
	c, ok := idx.registry.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoConnector, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec, err := c.ParseBytes(path, data, info.ModTime(), 0)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	rec.FileHash = hex.EncodeToString(sum[:])
	return rec, nil
}

// groupByProject drops failed entries and groups the rest by project in
// order of first appearance, at most size conversations per group.
func groupByProject(recs []*types.ConversationRecord, size int) [][]*types.ConversationRecord {
	order := []string{}
	byProject := map[string][]*types.ConversationRecord{}
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if _, ok := byProject[rec.ProjectID]; !ok {
			order = append(order, rec.ProjectID)
		}
		byProject[rec.ProjectID] = append(byProject[rec.ProjectID], rec)
	}

	var groups [][]*types.ConversationRecord
	for _, project := range order {
		all := byProject[project]
		for start := 0; start < len(all); start += size {
			groups = append(groups, all[start:min(start+size, len(all))])
		}
	}
	return groups
}

// embedGroup chunks every conversation of a group and embeds all chunks in
// provider-sized batches. A chunk without text is embedded by its title.
func (idx *Indexer) embedGroup(ctx context.Context, group []*types.ConversationRecord) ([]prepared, error) {
	out := make([]prepared, 0, len(group))
	var texts []string
	for _, rec := range group {
		_, spans := types.BuildFullText(rec.Messages)
		chunks := idx.chunker.ChunkConversation(rec, spans)
		for _, c := range chunks {
			text := c.ChunkText
			if strings.TrimSpace(text) == "" {
				text = rec.Title
			}
			texts = append(texts, text)
		}
		out = append(out, prepared{rec: rec, chunks: chunks})
	}

	vectors, err := embedder.EncodeBatch(ctx, idx.embedder, texts, idx.cfg.EmbedBatchSize)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	offset := 0
	for i := range out {
		n := len(out[i].chunks)
		out[i].vectors = vectors[offset : offset+n]
		offset += n
	}
	return out, nil
}

// write assigns vector ids, appends the vectors and commits the rows. When
// the transaction fails the vector file is truncated back; the ids stay
// consumed so a vector id is never assigned twice.
func (idx *Indexer) write(ctx context.Context, p prepared) error {
	first := idx.meta.NextVectorID
	ids := make([]int64, len(p.chunks))
	for i := range p.chunks {
		ids[i] = first + int64(i)
		p.chunks[i].VectorID = ids[i]
	}
	p.rec.EmbeddingID = first
	p.rec.IndexedAt = idx.now().UTC()

	before := idx.vectors.Count()
	if err := idx.vectors.Append(ids, p.vectors); err != nil {
		return err
	}
	idx.meta.NextVectorID = first + int64(len(ids))

	if err := idx.commitRows(ctx, p); err != nil {
		if terr := idx.vectors.Truncate(before); terr != nil {
			return fmt.Errorf("%w: rolling back vectors after %v: %v", types.ErrCorruptIndex, err, terr)
		}
		return err
	}
	return nil
}

func (idx *Indexer) commitRows(ctx context.Context, p prepared) error {
	tx, err := idx.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := tx.InsertConversation(ctx, p.rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i := range p.chunks {
		p.chunks[i].ConversationRef = p.rec.ID
	}
	if err := tx.InsertChunks(ctx, p.chunks); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	return nil
}
