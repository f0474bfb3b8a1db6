package types

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MaxTitleLength is the maximum title length in characters
const MaxTitleLength = 100

// UntitledConversation is used when no message has any text
const UntitledConversation = "Untitled conversation"

// MessageSeparator joins message contents in FullText
const MessageSeparator = "\n\n"

// MessageRecord is one turn of a conversation
type MessageRecord struct {
	Sequence   int // 0-based, stable ordering
	Role       Role
	Content    string
	Timestamp  time.Time
	HasCode    bool
	CodeBlocks []string // fenced code bodies, in order of appearance
}

// ConversationRecord is one indexed conversation.
// FilePath is the authoritative dedup key across incremental runs.
type ConversationRecord struct {
	ID             int64 // metadata store row id, zero until stored
	ConversationID string
	ProjectID      string
	Tool           string
	FilePath       string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MessageCount   int
	Messages       []MessageRecord
	FullText       string
	HasCode        bool
	EmbeddingID    int64 // first vector id assigned to this conversation's chunks
	FileHash       string
	IndexedAt      time.Time
}

// ChunkMetadata describes one embedded unit. Every VectorID in the vector
// index has exactly one ChunkMetadata row and vice versa.
type ChunkMetadata struct {
	VectorID          int64
	ConversationRef   int64 // row id of the owning conversation
	ConversationID    string
	ProjectID         string
	ChunkIndex        int
	ChunkText         string
	MessageStartIndex int
	MessageEndIndex   int
	CreatedAt         time.Time
}

// Span is a half-open rune range [Start, End) inside FullText
type Span struct {
	Start int
	End   int
}

// BuildFullText concatenates message contents and returns the rune span each
// message occupies in the result.
func BuildFullText(messages []MessageRecord) (string, []Span) {
	var b strings.Builder
	spans := make([]Span, len(messages))
	offset := 0
	sepLen := utf8.RuneCountInString(MessageSeparator)
	for i, m := range messages {
		if i > 0 {
			b.WriteString(MessageSeparator)
			offset += sepLen
		}
		n := utf8.RuneCountInString(m.Content)
		spans[i] = Span{Start: offset, End: offset + n}
		b.WriteString(m.Content)
		offset += n
	}
	return b.String(), spans
}

// DeriveTitle returns the first non-empty line of the first user message,
// else the first non-empty line of any message, else UntitledConversation.
// The result is truncated to MaxTitleLength characters.
func DeriveTitle(messages []MessageRecord) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		if line := firstLine(m.Content); line != "" {
			return truncateRunes(line, MaxTitleLength)
		}
	}
	for _, m := range messages {
		if line := firstLine(m.Content); line != "" {
			return truncateRunes(line, MaxTitleLength)
		}
	}
	return UntitledConversation
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Validate checks the fields the indexer relies on
func (c *ConversationRecord) Validate() error {
	if c.FilePath == "" {
		return errors.New("file path is required")
	}
	if c.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if c.ProjectID == "" {
		return errors.New("project id is required")
	}
	if c.MessageCount != len(c.Messages) {
		return errors.New("message count does not match messages")
	}
	for i, m := range c.Messages {
		if m.Sequence != i {
			return errors.New("message sequence must be contiguous from 0")
		}
	}
	return nil
}

// Age returns how long ago the conversation was last updated
func (c *ConversationRecord) Age(now time.Time) time.Duration {
	return now.Sub(c.UpdatedAt)
}
