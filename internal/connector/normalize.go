package connector

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

var markdown = goldmark.New()

// ExtractCodeBlocks returns the bodies of fenced code blocks in content, in
// order of appearance.
func ExtractCodeBlocks(content string) []string {
	if !strings.Contains(content, "```") && !strings.Contains(content, "~~~") {
		return nil
	}
	source := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var blocks []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			b.Write(line.Value(source))
		}
		blocks = append(blocks, b.String())
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// normalizeRole maps tool-specific roles onto the three stored roles.
// Tool and function traffic is not conversation text and is dropped.
func normalizeRole(role string) (types.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human":
		return types.RoleUser, true
	case "assistant", "ai", "model", "bot":
		return types.RoleAssistant, true
	case "system", "developer":
		return types.RoleSystem, true
	}
	return "", false
}

// Finalize fills the derived fields of rec from rec.Messages: sequences,
// code blocks, full text, title, timestamps and counts. Timestamps fall back
// to modTime when no message carries one.
func Finalize(rec *types.ConversationRecord, modTime time.Time) {
	var first, last time.Time
	rec.HasCode = false
	for i := range rec.Messages {
		m := &rec.Messages[i]
		m.Sequence = i
		m.CodeBlocks = ExtractCodeBlocks(m.Content)
		m.HasCode = len(m.CodeBlocks) > 0
		if m.HasCode {
			rec.HasCode = true
		}
		if m.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() || m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if last.IsZero() || m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}

	if first.IsZero() {
		first, last = modTime, modTime
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = first.UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = last.UTC()
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}

	rec.MessageCount = len(rec.Messages)
	rec.FullText, _ = types.BuildFullText(rec.Messages)
	rec.Title = types.DeriveTitle(rec.Messages)
}

// flexTime decodes RFC3339 strings or unix seconds / milliseconds
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		f.Time = parseTimestamp(str)
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	f.Time = unixTime(n)
	return nil
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return unixTime(n)
	}
	return time.Time{}
}

// unixTime treats values above 1e12 as milliseconds
func unixTime(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

// contentText flattens a message content field that is either a plain
// string or an array of typed blocks. Only textual blocks are kept.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text", "input_text", "output_text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
