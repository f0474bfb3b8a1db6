package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// ClaudeCodeName is the tool name for Claude Code session logs
const ClaudeCodeName = "claude-code"

// maxLineSize bounds a single JSONL record
const maxLineSize = 16 * 1024 * 1024

// ClaudeCode reads ~/.claude/projects/<project>/<session>.jsonl
type ClaudeCode struct {
	root string
}

// NewClaudeCode creates a connector rooted at the Claude projects directory
func NewClaudeCode(root string) *ClaudeCode {
	return &ClaudeCode{root: absPath(root)}
}

func (c *ClaudeCode) Name() string { return ClaudeCodeName }

func (c *ClaudeCode) Roots() []string { return []string{c.root} }

// CanParse accepts <root>/<project>/<name>.jsonl
func (c *ClaudeCode) CanParse(path string) bool {
	if !strings.HasSuffix(path, ".jsonl") {
		return false
	}
	rel, ok := relativeTo(c.root, absPath(path))
	if !ok {
		return false
	}
	return len(strings.Split(filepath.ToSlash(rel), "/")) == 2
}

func (c *ClaudeCode) DiscoverFiles(ctx context.Context, fn func(path string) error) error {
	return walkRoots(ctx, c.Roots(), c.CanParse, fn)
}

func (c *ClaudeCode) Parse(path string, embeddingID int64) (*types.ConversationRecord, error) {
	return parseFile(c, path, embeddingID)
}

// claudeRecord is a single line in a Claude Code JSONL file
type claudeRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	IsMeta    bool            `json:"isMeta"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (c *ClaudeCode) ParseBytes(path string, data []byte, modTime time.Time, embeddingID int64) (*types.ConversationRecord, error) {
	path = absPath(path)
	rec := &types.ConversationRecord{
		ProjectID:   filepath.Base(filepath.Dir(path)),
		Tool:        ClaudeCodeName,
		FilePath:    path,
		EmbeddingID: embeddingID,
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo, valid := 0, 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var r claudeRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// a partially written trailing line is expected while the tool runs
			continue
		}
		valid++

		if rec.ConversationID == "" && r.SessionID != "" {
			rec.ConversationID = r.SessionID
		}
		if r.IsMeta || len(r.Message) == 0 {
			continue
		}
		if r.Type != "user" && r.Type != "assistant" {
			continue
		}

		var msg claudeMessage
		if err := json.Unmarshal(r.Message, &msg); err != nil {
			continue
		}
		role, ok := normalizeRole(msg.Role)
		if !ok {
			role, ok = normalizeRole(r.Type)
		}
		if !ok {
			continue
		}
		content := contentText(msg.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		rec.Messages = append(rec.Messages, types.MessageRecord{
			Role:      role,
			Content:   content,
			Timestamp: parseTimestamp(r.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewParseError(path, lineNo, "scan: %v", err)
	}
	if valid == 0 {
		return nil, types.NewParseError(path, 0, "no valid JSONL records")
	}
	if len(rec.Messages) == 0 {
		return nil, types.NewParseError(path, 0, "no conversation messages")
	}

	if rec.ConversationID == "" {
		rec.ConversationID = fileStem(path)
	}
	Finalize(rec, modTime)
	return rec, nil
}
