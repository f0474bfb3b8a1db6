package searcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// candidate is one conversation found by at least one sub-search
type candidate struct {
	ref int64
	rec *types.ConversationRecord

	keyword      bool
	keywordScore float64
	keywordRank  int
	snippet      string

	semantic      bool
	semanticScore float64
	semanticRank  int
	chunk         *types.ChunkMetadata // best matching chunk

	score float64
}

// score computes the final score of every candidate. A single-mode search
// keeps the sub-search score; hybrid mode fuses both.
func (s *Searcher) score(list []*candidate, mode types.SearchMode, now time.Time) {
	for _, c := range list {
		switch {
		case mode == types.SearchModeKeyword:
			c.score = c.keywordScore
		case mode == types.SearchModeSemantic:
			c.score = c.semanticScore
		case s.cfg.Fusion == FusionRRF:
			c.score = rrfScore(c, s.cfg.RRFConstant)
		default:
			c.score = s.cfg.KeywordWeight*c.keywordScore + s.cfg.SemanticWeight*c.semanticScore
		}
		c.score *= decayFactor(s.cfg.Decay, c.rec.UpdatedAt, now)
	}
}

// rrfScore is the Reciprocal Rank Fusion score: sum of 1/(k + rank)
func rrfScore(c *candidate, k float64) float64 {
	var score float64
	if c.keyword {
		score += 1.0 / (k + float64(c.keywordRank))
	}
	if c.semantic {
		score += 1.0 / (k + float64(c.semanticRank))
	}
	return score
}

// decayFactor returns (1-w) + w*exp(-factor*ageDays), or 1 when disabled.
// Conversations dated in the future count as age zero.
func decayFactor(cfg DecayConfig, updated, now time.Time) float64 {
	if !cfg.Enabled {
		return 1
	}
	age := now.Sub(updated).Hours() / 24
	if age < 0 {
		age = 0
	}
	return (1 - cfg.Weight) + cfg.Weight*math.Exp(-cfg.Factor*age)
}

// sortCandidates orders by score desc, then updated_at desc, then
// conversation id asc
func sortCandidates(list []*candidate) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.rec.UpdatedAt.Equal(b.rec.UpdatedAt) {
			return a.rec.UpdatedAt.After(b.rec.UpdatedAt)
		}
		return a.rec.ConversationID < b.rec.ConversationID
	})
}

func (c *candidate) result() types.SearchResult {
	r := types.SearchResult{
		ConversationID: c.rec.ConversationID,
		ProjectID:      c.rec.ProjectID,
		Tool:           c.rec.Tool,
		FilePath:       c.rec.FilePath,
		Title:          c.rec.Title,
		Score:          c.score,
		KeywordScore:   c.keywordScore,
		SemanticScore:  c.semanticScore,
		CreatedAt:      c.rec.CreatedAt,
		UpdatedAt:      c.rec.UpdatedAt,
		MessageCount:   c.rec.MessageCount,
		Snippet:        c.snippet,
	}
	if c.keyword {
		r.MatchedBy = append(r.MatchedBy, types.SearchModeKeyword)
	}
	if c.semantic {
		r.MatchedBy = append(r.MatchedBy, types.SearchModeSemantic)
		r.HasMessageRange = true
		r.MessageStartIndex = c.chunk.MessageStartIndex
		r.MessageEndIndex = c.chunk.MessageEndIndex
		if r.Snippet == "" {
			r.Snippet = truncateRunes(strings.TrimSpace(c.chunk.ChunkText), snippetRunes)
		}
	}
	return r
}

// cacheKey identifies a request after filters are resolved
func cacheKey(query string, mode types.SearchMode, limit int, f *types.SearchFilters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d", query, mode, limit)
	if f != nil {
		projects := append([]string(nil), f.ProjectIDs...)
		sort.Strings(projects)
		fmt.Fprintf(&b, "|p=%s|t=%s|m=%d", strings.Join(projects, ","), f.Tool, f.MinMessages)
		if f.HasCode != nil {
			fmt.Fprintf(&b, "|c=%t", *f.HasCode)
		}
		if f.DateRange != nil {
			fmt.Fprintf(&b, "|d=%d,%d", f.DateRange.FromDate.UnixMilli(), f.DateRange.ToDate.UnixMilli())
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// copyResults returns a deep copy so cached entries are never shared
func copyResults(src *types.SearchResults) *types.SearchResults {
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	for i, r := range src.Results {
		r.MatchedBy = append([]types.SearchMode(nil), r.MatchedBy...)
		dst.Results[i] = r
	}
	q := src.Query
	q.MustInclude = append([]string(nil), q.MustInclude...)
	q.ShouldInclude = append([]string(nil), q.ShouldInclude...)
	q.MustExclude = append([]string(nil), q.MustExclude...)
	q.ExactPhrases = append([]string(nil), q.ExactPhrases...)
	if q.DateFilter != nil {
		d := *q.DateFilter
		q.DateFilter = &d
	}
	dst.Query = q
	return &dst
}
