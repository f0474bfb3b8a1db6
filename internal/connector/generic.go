package connector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// GenericJSONName is the tool name for exported JSON conversations
const GenericJSONName = "generic-json"

// GenericJSON reads one conversation per .json document:
//
//	{"id": "...", "project": "...", "tool": "...",
//	 "messages": [{"role": "user", "content": "...", "timestamp": "..."}]}
//
// project defaults to the parent directory name, id to the file stem.
type GenericJSON struct {
	roots []string
}

// NewGenericJSON creates a connector over the given directories
func NewGenericJSON(roots ...string) *GenericJSON {
	return &GenericJSON{roots: absPaths(roots)}
}

func (g *GenericJSON) Name() string { return GenericJSONName }

func (g *GenericJSON) Roots() []string { return g.roots }

func (g *GenericJSON) CanParse(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return false
	}
	abs := absPath(path)
	for _, root := range g.roots {
		if _, ok := relativeTo(root, abs); ok {
			return true
		}
	}
	return false
}

func (g *GenericJSON) DiscoverFiles(ctx context.Context, fn func(path string) error) error {
	return walkRoots(ctx, g.roots, g.CanParse, fn)
}

func (g *GenericJSON) Parse(path string, embeddingID int64) (*types.ConversationRecord, error) {
	return parseFile(g, path, embeddingID)
}

type genericDocument struct {
	ID        string           `json:"id"`
	Project   string           `json:"project"`
	CreatedAt flexTime         `json:"created_at"`
	UpdatedAt flexTime         `json:"updated_at"`
	Messages  []genericMessage `json:"messages"`
}

type genericMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp flexTime        `json:"timestamp"`
}

func (g *GenericJSON) ParseBytes(path string, data []byte, modTime time.Time, embeddingID int64) (*types.ConversationRecord, error) {
	path = absPath(path)

	var doc genericDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewParseError(path, 0, "invalid JSON: %v", err)
	}
	if doc.Messages == nil {
		return nil, types.NewParseError(path, 0, "missing messages array")
	}

	rec := &types.ConversationRecord{
		ConversationID: doc.ID,
		ProjectID:      doc.Project,
		Tool:           GenericJSONName,
		FilePath:       path,
		CreatedAt:      doc.CreatedAt.Time,
		UpdatedAt:      doc.UpdatedAt.Time,
		EmbeddingID:    embeddingID,
	}
	if rec.ConversationID == "" {
		rec.ConversationID = fileStem(path)
	}
	if rec.ProjectID == "" {
		rec.ProjectID = filepath.Base(filepath.Dir(path))
	}

	for _, m := range doc.Messages {
		role, ok := normalizeRole(m.Role)
		if !ok {
			continue
		}
		content := contentText(m.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		rec.Messages = append(rec.Messages, types.MessageRecord{
			Role:      role,
			Content:   content,
			Timestamp: m.Timestamp.Time,
		})
	}
	if len(rec.Messages) == 0 {
		return nil, types.NewParseError(path, 0, "no conversation messages")
	}

	Finalize(rec, modTime)
	return rec, nil
}
