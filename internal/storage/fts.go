package storage

import (
	"strings"
	"unicode"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Column weights passed to bm25(): title, full_text
const (
	titleWeight    = 2.0
	fullTextWeight = 1.0
)

// quoteTerm renders s as an FTS5 string. Quoting keeps operators and
// punctuation inside user terms from being parsed as query syntax.
func quoteTerm(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// hasToken reports whether the tokenizer would produce anything for s
func hasToken(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func quoteAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if hasToken(t) {
			out = append(out, quoteTerm(t))
		}
	}
	return out
}

// MatchExpression compiles the positive part of q. Required terms and exact
// phrases are ANDed; when there are none, optional terms are ORed. Returns ""
// when q has nothing to match on.
func MatchExpression(q *types.ParsedQuery) string {
	if q == nil {
		return ""
	}
	required := quoteAll(append(append([]string{}, q.ExactPhrases...), q.MustInclude...))
	if len(required) > 0 {
		return strings.Join(required, " AND ")
	}
	return strings.Join(quoteAll(q.ShouldInclude), " OR ")
}

// RequiredExpression ANDs the exact phrases and required terms of q, ""
// when there are none. Optional terms never restrict a match.
func RequiredExpression(q *types.ParsedQuery) string {
	if q == nil {
		return ""
	}
	return strings.Join(quoteAll(append(append([]string{}, q.ExactPhrases...), q.MustInclude...)), " AND ")
}

// ExcludeExpression matches any excluded term, "" when there are none
func ExcludeExpression(q *types.ParsedQuery) string {
	if q == nil {
		return ""
	}
	return strings.Join(quoteAll(q.MustExclude), " OR ")
}

// fullExpression combines the positive and excluded parts for MATCH
func fullExpression(q *types.ParsedQuery) string {
	pos := MatchExpression(q)
	if pos == "" {
		return ""
	}
	if ex := ExcludeExpression(q); ex != "" {
		return "(" + pos + ") NOT (" + ex + ")"
	}
	return pos
}

// normalizeBM25 maps an FTS5 rank (negative, lower is better) to [0, 1)
func normalizeBM25(rank float64) float64 {
	s := -rank
	if s <= 0 {
		return 0
	}
	return s / (1 + s)
}
