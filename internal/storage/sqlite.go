package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

const (
	// rows per multi-row INSERT, keeps bound parameters under SQLite's limit
	insertBatchSize = 200
	// ids per IN (...) lookup
	lookupBatchSize = 500
	// DefaultKeywordLimit caps keyword hits when the query sets no limit
	DefaultKeywordLimit = 50
	snippetTokens       = 24
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the metadata store at dbPath and
// applies pending migrations. ":memory:" is accepted for tests.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) HasFilePath(ctx context.Context, filePath string) (bool, error) {
	return hasFilePathWithQuerier(ctx, t.tx, filePath)
}

func (t *sqliteTx) InsertConversation(ctx context.Context, rec *types.ConversationRecord) error {
	return insertConversationWithQuerier(ctx, t.tx, rec)
}

func (t *sqliteTx) InsertChunks(ctx context.Context, chunks []types.ChunkMetadata) error {
	return insertChunksWithQuerier(ctx, t.tx, chunks)
}

// Conversation operations

func hasFilePathWithQuerier(ctx context.Context, q querier, filePath string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE file_path = ? LIMIT 1", filePath).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check file path: %w", err)
	}
	return true, nil
}

// HasFilePath reports whether a conversation from filePath is stored
func (s *SQLiteStorage) HasFilePath(ctx context.Context, filePath string) (bool, error) {
	return hasFilePathWithQuerier(ctx, s.db, filePath)
}

// ExistingFilePaths returns the subset of filePaths already stored
func (s *SQLiteStorage) ExistingFilePaths(ctx context.Context, filePaths []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(filePaths); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(filePaths))
		where := map[string]interface{}{
			"_custom_paths": builder.In{"file_path": toInterfaces(filePaths[start:end])},
		}
		sqlStr, args, err := builder.BuildSelect("conversations", where, []string{"file_path"})
		if err != nil {
			return nil, err
		}
		rows, err := s.db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query file paths: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[p] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertConversationWithQuerier(ctx context.Context, q querier, rec *types.ConversationRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid conversation %s: %w", rec.FilePath, err)
	}
	exists, err := hasFilePathWithQuerier(ctx, q, rec.FilePath)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("conversation %s: %w", rec.FilePath, ErrAlreadyExists)
	}
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now().UTC()
	}

	data := map[string]interface{}{
		"conversation_id": rec.ConversationID,
		"project_id":      rec.ProjectID,
		"tool":            rec.Tool,
		"file_path":       rec.FilePath,
		"title":           rec.Title,
		"created_at":      toMillis(rec.CreatedAt),
		"updated_at":      toMillis(rec.UpdatedAt),
		"message_count":   rec.MessageCount,
		"has_code":        boolToInt(rec.HasCode),
		"full_text":       rec.FullText,
		"embedding_id":    rec.EmbeddingID,
		"file_hash":       rec.FileHash,
		"indexed_at":      toMillis(rec.IndexedAt),
	}
	sqlStr, args, err := builder.BuildInsert("conversations", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	result, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id

	for start := 0; start < len(rec.Messages); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rec.Messages))
		rows := make([]map[string]interface{}, 0, end-start)
		for _, m := range rec.Messages[start:end] {
			blocks := m.CodeBlocks
			if blocks == nil {
				blocks = []string{}
			}
			encoded, err := json.Marshal(blocks)
			if err != nil {
				return fmt.Errorf("failed to encode code blocks: %w", err)
			}
			rows = append(rows, map[string]interface{}{
				"conversation_ref": id,
				"sequence":         m.Sequence,
				"role":             string(m.Role),
				"content":          m.Content,
				"timestamp":        toMillis(m.Timestamp),
				"has_code":         boolToInt(m.HasCode),
				"code_blocks":      string(encoded),
			})
		}
		sqlStr, args, err := builder.BuildInsert("messages", rows)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("failed to insert messages: %w", err)
		}
	}
	return nil
}

// InsertConversation stores rec and its messages and sets rec.ID.
// A file path that is already stored yields ErrAlreadyExists.
func (s *SQLiteStorage) InsertConversation(ctx context.Context, rec *types.ConversationRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.InsertConversation(ctx, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var conversationFields = []string{
	"id", "conversation_id", "project_id", "tool", "file_path", "title",
	"created_at", "updated_at", "message_count", "has_code",
	"embedding_id", "file_hash", "indexed_at",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation reads conversationFields, plus full_text when extra is set
func scanConversation(r rowScanner, extra ...interface{}) (*types.ConversationRecord, error) {
	var (
		rec                       types.ConversationRecord
		created, updated, indexed int64
		hasCode                   int
	)
	dest := []interface{}{
		&rec.ID, &rec.ConversationID, &rec.ProjectID, &rec.Tool, &rec.FilePath, &rec.Title,
		&created, &updated, &rec.MessageCount, &hasCode,
		&rec.EmbeddingID, &rec.FileHash, &indexed,
	}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.IndexedAt = fromMillis(indexed)
	rec.HasCode = hasCode != 0
	return &rec, nil
}

func (s *SQLiteStorage) getConversationWhere(ctx context.Context, where map[string]interface{}) (*types.ConversationRecord, error) {
	fields := append(append([]string{}, conversationFields...), "full_text")
	sqlStr, args, err := builder.BuildSelect("conversations", where, fields)
	if err != nil {
		return nil, err
	}
	var fullText string
	rec, err := scanConversation(s.db.QueryRowContext(ctx, sqlStr, args...), &fullText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	rec.FullText = fullText

	msgs, err := s.messages(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Messages = msgs
	return rec, nil
}

// GetConversation returns a full record, messages included
func (s *SQLiteStorage) GetConversation(ctx context.Context, id int64) (*types.ConversationRecord, error) {
	return s.getConversationWhere(ctx, map[string]interface{}{"id": id})
}

// GetConversationByPath returns the record indexed from filePath
func (s *SQLiteStorage) GetConversationByPath(ctx context.Context, filePath string) (*types.ConversationRecord, error) {
	return s.getConversationWhere(ctx, map[string]interface{}{"file_path": filePath})
}

func (s *SQLiteStorage) messages(ctx context.Context, ref int64) ([]types.MessageRecord, error) {
	where := map[string]interface{}{
		"conversation_ref": ref,
		"_orderby":         "sequence asc",
	}
	sqlStr, args, err := builder.BuildSelect("messages", where,
		[]string{"sequence", "role", "content", "timestamp", "has_code", "code_blocks"})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.MessageRecord
	for rows.Next() {
		var (
			m       types.MessageRecord
			role    string
			ts      int64
			hasCode int
			blocks  string
		)
		if err := rows.Scan(&m.Sequence, &role, &m.Content, &ts, &hasCode, &blocks); err != nil {
			return nil, err
		}
		m.Role = types.Role(role)
		m.Timestamp = fromMillis(ts)
		m.HasCode = hasCode != 0
		if err := json.Unmarshal([]byte(blocks), &m.CodeBlocks); err != nil {
			return nil, fmt.Errorf("failed to decode code blocks: %w", err)
		}
		if len(m.CodeBlocks) == 0 {
			m.CodeBlocks = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetConversationsByRef loads summary records (no messages or full text)
// keyed by row id. Unknown ids are absent from the map.
func (s *SQLiteStorage) GetConversationsByRef(ctx context.Context, refs []int64) (map[int64]*types.ConversationRecord, error) {
	out := make(map[int64]*types.ConversationRecord, len(refs))
	for start := 0; start < len(refs); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(refs))
		where := map[string]interface{}{
			"_custom_ids": builder.In{"id": int64sToInterfaces(refs[start:end])},
		}
		sqlStr, args, err := builder.BuildSelect("conversations", where, conversationFields)
		if err != nil {
			return nil, err
		}
		rows, err := s.db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query conversations: %w", err)
		}
		for rows.Next() {
			rec, err := scanConversation(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[rec.ID] = rec
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Chunk operations

func insertChunksWithQuerier(ctx context.Context, q querier, chunks []types.ChunkMetadata) error {
	for start := 0; start < len(chunks); start += insertBatchSize {
		end := min(start+insertBatchSize, len(chunks))
		rows := make([]map[string]interface{}, 0, end-start)
		for _, c := range chunks[start:end] {
			if c.VectorID <= 0 {
				return fmt.Errorf("chunk %d of conversation %s has no vector id", c.ChunkIndex, c.ConversationID)
			}
			rows = append(rows, map[string]interface{}{
				"vector_id":           c.VectorID,
				"conversation_ref":    c.ConversationRef,
				"conversation_id":     c.ConversationID,
				"project_id":          c.ProjectID,
				"chunk_index":         c.ChunkIndex,
				"chunk_text":          c.ChunkText,
				"message_start_index": c.MessageStartIndex,
				"message_end_index":   c.MessageEndIndex,
				"created_at":          toMillis(c.CreatedAt),
			})
		}
		sqlStr, args, err := builder.BuildInsert("chunks", rows)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}
	return nil
}

// InsertChunks stores chunk rows. Vector ids must already be assigned.
func (s *SQLiteStorage) InsertChunks(ctx context.Context, chunks []types.ChunkMetadata) error {
	return insertChunksWithQuerier(ctx, s.db, chunks)
}

var chunkFields = []string{
	"vector_id", "conversation_ref", "conversation_id", "project_id", "chunk_index",
	"chunk_text", "message_start_index", "message_end_index", "created_at",
}

func scanChunk(r rowScanner) (*types.ChunkMetadata, error) {
	var (
		c       types.ChunkMetadata
		created int64
	)
	if err := r.Scan(&c.VectorID, &c.ConversationRef, &c.ConversationID, &c.ProjectID, &c.ChunkIndex,
		&c.ChunkText, &c.MessageStartIndex, &c.MessageEndIndex, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

func (s *SQLiteStorage) queryChunks(ctx context.Context, where map[string]interface{}, fn func(*types.ChunkMetadata)) error {
	sqlStr, args, err := builder.BuildSelect("chunks", where, chunkFields)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		fn(c)
	}
	return rows.Err()
}

// GetChunks loads chunk rows by vector id. Unknown ids are absent.
func (s *SQLiteStorage) GetChunks(ctx context.Context, vectorIDs []int64) (map[int64]*types.ChunkMetadata, error) {
	out := make(map[int64]*types.ChunkMetadata, len(vectorIDs))
	for start := 0; start < len(vectorIDs); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(vectorIDs))
		where := map[string]interface{}{
			"_custom_ids": builder.In{"vector_id": int64sToInterfaces(vectorIDs[start:end])},
		}
		if err := s.queryChunks(ctx, where, func(c *types.ChunkMetadata) { out[c.VectorID] = c }); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ChunksForConversation returns a conversation's chunks in chunk order
func (s *SQLiteStorage) ChunksForConversation(ctx context.Context, ref int64) ([]types.ChunkMetadata, error) {
	where := map[string]interface{}{
		"conversation_ref": ref,
		"_orderby":         "chunk_index asc",
	}
	var out []types.ChunkMetadata
	err := s.queryChunks(ctx, where, func(c *types.ChunkMetadata) { out = append(out, *c) })
	return out, err
}

// ChunkIDRange returns the count and bounds of stored vector ids
func (s *SQLiteStorage) ChunkIDRange(ctx context.Context) (IDRange, error) {
	var (
		r      IDRange
		lo, hi sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(vector_id), MAX(vector_id) FROM chunks").Scan(&r.Count, &lo, &hi)
	if err != nil {
		return IDRange{}, fmt.Errorf("failed to read chunk id range: %w", err)
	}
	r.MinID = lo.Int64
	r.MaxID = hi.Int64
	return r, nil
}

// Search operations

// KeywordSearch runs full-text search restricted by the query's filters.
// Hits are ordered by relevance, then recency. A query with no positive
// terms lists the filtered conversations that avoid every excluded term,
// newest first, with a zero score.
func (s *SQLiteStorage) KeywordSearch(ctx context.Context, kq KeywordQuery) ([]KeywordHit, error) {
	limit := kq.Limit
	if limit <= 0 {
		limit = DefaultKeywordLimit
	}
	subSQL, subArgs, filtered, err := filterSubquery(kq.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter: %w", err)
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	if expr := fullExpression(kq.Query); expr != "" {
		fmt.Fprintf(&b, `SELECT c.id, bm25(conversations_fts, %.1f, %.1f) AS score,
			snippet(conversations_fts, 1, '', '', '...', %d)
			FROM conversations_fts
			JOIN conversations c ON c.id = conversations_fts.rowid
			WHERE conversations_fts MATCH ?`, titleWeight, fullTextWeight, snippetTokens)
		args = append(args, expr)
		if filtered {
			b.WriteString(" AND c.id IN (" + subSQL + ")")
			args = append(args, subArgs...)
		}
		b.WriteString(" ORDER BY score, c.updated_at DESC, c.conversation_id LIMIT ?")
	} else {
		b.WriteString("SELECT c.id, 0.0, '' FROM conversations c WHERE 1=1")
		if ex := ExcludeExpression(kq.Query); ex != "" {
			b.WriteString(" AND c.id NOT IN (SELECT rowid FROM conversations_fts WHERE conversations_fts MATCH ?)")
			args = append(args, ex)
		}
		if filtered {
			b.WriteString(" AND c.id IN (" + subSQL + ")")
			args = append(args, subArgs...)
		}
		b.WriteString(" ORDER BY c.updated_at DESC, c.conversation_id LIMIT ?")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ConversationRef, &h.BM25, &h.Snippet); err != nil {
			return nil, err
		}
		h.Score = normalizeBM25(h.BM25)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FilteredVectorIDs returns the allow-set of vector ids whose conversations
// pass filters and the hard constraints of q: required terms, exact phrases
// and exclusions. A nil map means no restriction.
func (s *SQLiteStorage) FilteredVectorIDs(ctx context.Context, q *types.ParsedQuery, filters *types.SearchFilters) (map[int64]struct{}, error) {
	subSQL, subArgs, filtered, err := filterSubquery(filters)
	if err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString("SELECT vector_id FROM chunks WHERE 1=1")
	if filtered {
		b.WriteString(" AND conversation_ref IN (" + subSQL + ")")
		args = append(args, subArgs...)
	}
	if req := RequiredExpression(q); req != "" {
		b.WriteString(" AND conversation_ref IN (SELECT rowid FROM conversations_fts WHERE conversations_fts MATCH ?)")
		args = append(args, req)
	}
	if ex := ExcludeExpression(q); ex != "" {
		b.WriteString(" AND conversation_ref NOT IN (SELECT rowid FROM conversations_fts WHERE conversations_fts MATCH ?)")
		args = append(args, ex)
	}
	if len(args) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to apply filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allowed := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		allowed[id] = struct{}{}
	}
	return allowed, rows.Err()
}

// Status operations

// Counts returns row totals
func (s *SQLiteStorage) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM chunks)`).Scan(&c.Conversations, &c.Messages, &c.Chunks)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// LatestUpdate returns when a conversation was last indexed, zero if none
func (s *SQLiteStorage) LatestUpdate(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(indexed_at) FROM conversations").Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("failed to read last update: %w", err)
	}
	return fromMillis(ms.Int64), nil
}

// SizeBytes returns the database size as SQLite accounts it
func (s *SQLiteStorage) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to read database size: %w", err)
	}
	return size, nil
}

// SchemaVersion returns the newest applied migration
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (string, error) {
	v, err := currentVersion(ctx, s.db)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// ClearAll deletes every conversation, message and chunk
func (s *SQLiteStorage) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		"DELETE FROM chunks",
		"DELETE FROM messages",
		"DELETE FROM conversations",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to clear index: %w", err)
		}
	}
	return tx.Commit()
}
