package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// step is one pure transform of the pipeline. It records what it extracts
// into q and returns the text left for the next step.
type step struct {
	name  string
	apply func(text string, q *types.ParsedQuery, now time.Time) string
}

// pipeline order is significant: each step only sees what earlier steps
// left behind.
var pipeline = []step{
	{name: "phrases", apply: extractPhrases},
	{name: "must", apply: extractMust},
	{name: "exclude", apply: extractExclude},
	{name: "dates", apply: extractDates},
	{name: "connectives", apply: splitRemaining},
}

// Parse turns a free-text query into a ParsedQuery, resolving relative
// dates against the current time.
func Parse(query string) *types.ParsedQuery {
	return ParseAt(query, time.Now())
}

// ParseAt is Parse with an explicit clock
func ParseAt(query string, now time.Time) *types.ParsedQuery {
	q := &types.ParsedQuery{Raw: query}
	text := query
	for _, s := range pipeline {
		text = s.apply(text, q, now)
	}
	return q
}

var (
	doubleQuoted = regexp.MustCompile(`"([^"]*)"`)
	// single quotes only open after a boundary so apostrophes stay in words
	singleQuoted = regexp.MustCompile(`(^|\s)'([^']*)'`)
)

// extractPhrases moves quoted phrases to ExactPhrases.
// Post: the text holds no double quotes and no boundary-opened single-quoted span.
func extractPhrases(text string, q *types.ParsedQuery, _ time.Time) string {
	text = doubleQuoted.ReplaceAllStringFunc(text, func(m string) string {
		addPhrase(q, doubleQuoted.FindStringSubmatch(m)[1])
		return " "
	})
	text = singleQuoted.ReplaceAllStringFunc(text, func(m string) string {
		addPhrase(q, singleQuoted.FindStringSubmatch(m)[2])
		return " "
	})
	// an unterminated quote is dropped rather than searched for
	return strings.ReplaceAll(text, `"`, " ")
}

func addPhrase(q *types.ParsedQuery, phrase string) {
	phrase = strings.Join(strings.Fields(phrase), " ")
	if phrase != "" {
		q.ExactPhrases = appendUnique(q.ExactPhrases, phrase)
	}
}

var (
	plusTerm  = regexp.MustCompile(`(^|\s)\+(\S+)`)
	minusTerm = regexp.MustCompile(`(^|\s)-(\S+)`)
)

// extractMust moves +term tokens to MustInclude.
// Pre: phrases are gone. Post: no token starts with '+' followed by text.
func extractMust(text string, q *types.ParsedQuery, _ time.Time) string {
	return plusTerm.ReplaceAllStringFunc(text, func(m string) string {
		q.MustInclude = appendUnique(q.MustInclude, plusTerm.FindStringSubmatch(m)[2])
		return " "
	})
}

// extractExclude moves -term tokens to MustExclude.
// Pre: +terms are gone. Post: no token starts with '-' followed by text.
func extractExclude(text string, q *types.ParsedQuery, _ time.Time) string {
	return minusTerm.ReplaceAllStringFunc(text, func(m string) string {
		q.MustExclude = appendUnique(q.MustExclude, minusTerm.FindStringSubmatch(m)[2])
		return " "
	})
}

var datePhrase = regexp.MustCompile(`(?i)\b(today|last week|last 7 days|last 30 days|last month|last 3 months)\b`)

// extractDates turns the leftmost relative date phrase into DateFilter and
// removes every date phrase.
// Pre: operator tokens are gone. Post: no date phrase remains.
func extractDates(text string, q *types.ParsedQuery, now time.Time) string {
	m := datePhrase.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	q.DateFilter = RelativeRange(m[1], now)
	return datePhrase.ReplaceAllString(text, " ")
}

// RelativeRange resolves a relative date phrase ending at now. Unknown
// phrases yield nil.
func RelativeRange(phrase string, now time.Time) *types.DateFilter {
	var from time.Time
	switch strings.ToLower(strings.Join(strings.Fields(phrase), " ")) {
	case "today":
		y, mo, d := now.Date()
		from = time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	case "last week", "last 7 days":
		from = now.AddDate(0, 0, -7)
	case "last 30 days", "last month":
		from = now.AddDate(0, 0, -30)
	case "last 3 months":
		from = now.AddDate(0, 0, -90)
	default:
		return nil
	}
	return &types.DateFilter{FromDate: from, ToDate: now}
}

var (
	andConnective = regexp.MustCompile(`(?i)\s+AND\s+`)
	orConnective  = regexp.MustCompile(`(?i)\s+OR\s+`)
)

// splitRemaining assigns what is left: AND-joined terms are required,
// otherwise OR-joined or plain terms are optional.
// Post: the text is fully consumed.
func splitRemaining(text string, q *types.ParsedQuery, _ time.Time) string {
	switch {
	case andConnective.MatchString(text):
		for _, part := range andConnective.Split(text, -1) {
			for _, term := range strings.Fields(part) {
				q.MustInclude = appendUnique(q.MustInclude, term)
			}
		}
	case orConnective.MatchString(text):
		for _, part := range orConnective.Split(text, -1) {
			for _, term := range strings.Fields(part) {
				q.ShouldInclude = appendUnique(q.ShouldInclude, term)
			}
		}
	default:
		for _, term := range strings.Fields(text) {
			q.ShouldInclude = appendUnique(q.ShouldInclude, term)
		}
	}
	return ""
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
