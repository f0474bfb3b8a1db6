package types

import "time"

// SearchMode selects which sub-searches run
type SearchMode string

const (
	SearchModeKeyword  SearchMode = "keyword"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeHybrid   SearchMode = "hybrid"
)

// Valid reports whether m is a known mode
func (m SearchMode) Valid() bool {
	switch m {
	case SearchModeKeyword, SearchModeSemantic, SearchModeHybrid:
		return true
	}
	return false
}

// SearchResult is one ranked conversation
type SearchResult struct {
	ConversationID string
	ProjectID      string
	Tool           string
	FilePath       string
	Title          string

	// Scoring
	Score         float64 // final score after fusion and decay
	KeywordScore  float64
	SemanticScore float64
	MatchedBy     []SearchMode

	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int

	// Set from the best matching chunk when the result came from a semantic hit
	HasMessageRange   bool
	MessageStartIndex int
	MessageEndIndex   int
	Snippet           string
}

// SearchResults is a bounded, ranked result list
type SearchResults struct {
	Results      []SearchResult
	Query        ParsedQuery
	Mode         SearchMode
	Total        int
	KeywordHits  int
	SemanticHits int
	Duration     time.Duration
	CacheHit     bool
}

// Validate checks a single result
func (sr *SearchResult) Validate() error {
	if sr.ConversationID == "" {
		return ErrInvalidResult
	}
	if sr.Score < 0 {
		return ErrInvalidResult
	}
	if sr.HasMessageRange && sr.MessageStartIndex > sr.MessageEndIndex {
		return ErrInvalidResult
	}
	return nil
}
