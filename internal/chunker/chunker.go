package chunker

import (
	"fmt"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

const (
	// DefaultChunkSize is the default window length in characters
	DefaultChunkSize = 1000

	// DefaultOverlap is the default number of characters carried into the next window
	DefaultOverlap = 200
)

// Chunk is one window of text. Start and End are rune offsets into the
// source text, End exclusive.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker splits text into overlapping fixed-size character windows
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. size must be positive and overlap in [0, size).
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// NewDefault creates a Chunker with DefaultChunkSize and DefaultOverlap
func NewDefault() *Chunker {
	return &Chunker{size: DefaultChunkSize, overlap: DefaultOverlap}
}

// Size returns the window length
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap length
func (c *Chunker) Overlap() int { return c.overlap }

// Split divides text into windows of at most Size runes. Each window after
// the first begins Overlap runes before the previous one ended. Empty text
// yields exactly one empty chunk.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return []Chunk{{Index: 0, Text: "", Start: 0, End: 0}}
	}

	stride := c.size - c.overlap
	chunks := make([]Chunk, 0, n/stride+1)
	for start := 0; ; start += stride {
		end := start + c.size
		if end > n {
			end = n
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == n {
			break
		}
	}
	return chunks
}

// ChunkConversation splits rec.FullText and maps each window to the message
// range it covers. VectorID is left zero for the indexer to assign.
func (c *Chunker) ChunkConversation(rec *types.ConversationRecord, spans []types.Span) []types.ChunkMetadata {
	windows := c.Split(rec.FullText)
	out := make([]types.ChunkMetadata, len(windows))
	for i, w := range windows {
		startMsg, endMsg := MessageRange(spans, w.Start, w.End)
		out[i] = types.ChunkMetadata{
			ConversationRef:   rec.ID,
			ConversationID:    rec.ConversationID,
			ProjectID:         rec.ProjectID,
			ChunkIndex:        w.Index,
			ChunkText:         w.Text,
			MessageStartIndex: startMsg,
			MessageEndIndex:   endMsg,
			CreatedAt:         rec.CreatedAt,
		}
	}
	return out
}

// MessageRange returns the first and last message indices whose spans
// intersect [start, end). Windows that fall only on separators, or empty
// windows, attach to the nearest message. Returns 0, 0 when there are no spans.
func MessageRange(spans []types.Span, start, end int) (int, int) {
	if len(spans) == 0 {
		return 0, 0
	}

	first := -1
	for i, s := range spans {
		if s.End > start {
			first = i
			break
		}
	}
	if first == -1 {
		last := len(spans) - 1
		return last, last
	}

	last := first
	for i := first; i < len(spans); i++ {
		if spans[i].Start < end {
			last = i
		} else {
			break
		}
	}
	return first, last
}
