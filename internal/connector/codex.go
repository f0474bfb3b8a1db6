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

// CodexName is the tool name for Codex CLI rollouts
const CodexName = "codex"

// Codex reads ~/.codex/sessions/YYYY/MM/DD/rollout-*.jsonl
type Codex struct {
	root string
}

// NewCodex creates a connector rooted at the Codex sessions directory
func NewCodex(root string) *Codex {
	return &Codex{root: absPath(root)}
}

func (c *Codex) Name() string { return CodexName }

func (c *Codex) Roots() []string { return []string{c.root} }

func (c *Codex) CanParse(path string) bool {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "rollout-") || !strings.HasSuffix(base, ".jsonl") {
		return false
	}
	_, ok := relativeTo(c.root, absPath(path))
	return ok
}

func (c *Codex) DiscoverFiles(ctx context.Context, fn func(path string) error) error {
	return walkRoots(ctx, c.Roots(), c.CanParse, fn)
}

func (c *Codex) Parse(path string, embeddingID int64) (*types.ConversationRecord, error) {
	return parseFile(c, path, embeddingID)
}

// codexLine is one rollout record. Current rollouts wrap items in payload;
// older ones put the item fields at the top level.
type codexLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`

	// legacy header and item fields
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type codexMeta struct {
	ID        string `json:"id"`
	CWD       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

type codexItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// injected context blocks are not part of the dialogue
var codexInjectedPrefixes = []string{"<environment_context>", "<user_instructions>", "# AGENTS.md instructions"}

func (c *Codex) ParseBytes(path string, data []byte, modTime time.Time, embeddingID int64) (*types.ConversationRecord, error) {
	path = absPath(path)
	rec := &types.ConversationRecord{
		Tool:        CodexName,
		FilePath:    path,
		EmbeddingID: embeddingID,
	}
	var cwd string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo, valid := 0, 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l codexLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		valid++

		var item codexItem
		switch {
		case l.Type == "session_meta":
			var meta codexMeta
			if err := json.Unmarshal(l.Payload, &meta); err == nil {
				if rec.ConversationID == "" {
					rec.ConversationID = meta.ID
				}
				if cwd == "" {
					cwd = meta.CWD
				}
			}
			continue
		case l.Type == "response_item":
			if err := json.Unmarshal(l.Payload, &item); err != nil {
				continue
			}
		case l.Type == "message":
			item = codexItem{Type: l.Type, Role: l.Role, Content: l.Content}
		case l.Type == "" && l.ID != "":
			if rec.ConversationID == "" {
				rec.ConversationID = l.ID
			}
			continue
		default:
			continue
		}

		if item.Type != "message" {
			continue
		}
		role, ok := normalizeRole(item.Role)
		if !ok {
			continue
		}
		content := contentText(item.Content)
		if strings.TrimSpace(content) == "" || isCodexInjected(content) {
			continue
		}
		rec.Messages = append(rec.Messages, types.MessageRecord{
			Role:      role,
			Content:   content,
			Timestamp: parseTimestamp(l.Timestamp),
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
		rec.ConversationID = strings.TrimPrefix(fileStem(path), "rollout-")
	}
	rec.ProjectID = CodexName
	if cwd != "" {
		rec.ProjectID = filepath.Base(filepath.Clean(cwd))
	}
	Finalize(rec, modTime)
	return rec, nil
}

func isCodexInjected(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, p := range codexInjectedPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
