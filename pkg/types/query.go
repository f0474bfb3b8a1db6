package types

import "time"

// DateFilter is an inclusive time range. A zero bound is open.
type DateFilter struct {
	FromDate time.Time
	ToDate   time.Time
}

// Contains reports whether t falls inside the range
func (d *DateFilter) Contains(t time.Time) bool {
	if d == nil {
		return true
	}
	if !d.FromDate.IsZero() && t.Before(d.FromDate) {
		return false
	}
	if !d.ToDate.IsZero() && t.After(d.ToDate) {
		return false
	}
	return true
}

// Intersect returns the overlap of two ranges. Nil means unbounded.
func (d *DateFilter) Intersect(other *DateFilter) *DateFilter {
	if d == nil {
		return other
	}
	if other == nil {
		return d
	}
	out := *d
	if !other.FromDate.IsZero() && (out.FromDate.IsZero() || other.FromDate.After(out.FromDate)) {
		out.FromDate = other.FromDate
	}
	if !other.ToDate.IsZero() && (out.ToDate.IsZero() || other.ToDate.Before(out.ToDate)) {
		out.ToDate = other.ToDate
	}
	return &out
}

// SearchFilters narrows the candidate set. Filters apply identically in every
// search mode.
type SearchFilters struct {
	ProjectIDs  []string
	DateRange   *DateFilter
	MinMessages int
	HasCode     *bool
	Tool        string
}

// IsEmpty reports whether no filter is set
func (f *SearchFilters) IsEmpty() bool {
	return f == nil || (len(f.ProjectIDs) == 0 && f.DateRange == nil &&
		f.MinMessages <= 0 && f.HasCode == nil && f.Tool == "")
}

// ParsedQuery is the structured form of a free-text query
type ParsedQuery struct {
	Raw           string
	MustInclude   []string
	ShouldInclude []string
	MustExclude   []string
	ExactPhrases  []string
	DateFilter    *DateFilter
}

// Terms returns the positive terms and phrases in a stable order
func (q *ParsedQuery) Terms() []string {
	out := make([]string, 0, len(q.ExactPhrases)+len(q.MustInclude)+len(q.ShouldInclude))
	out = append(out, q.ExactPhrases...)
	out = append(out, q.MustInclude...)
	out = append(out, q.ShouldInclude...)
	return out
}

// HasPositiveTerms reports whether the query contains anything to match on
func (q *ParsedQuery) HasPositiveTerms() bool {
	return len(q.ExactPhrases) > 0 || len(q.MustInclude) > 0 || len(q.ShouldInclude) > 0
}
