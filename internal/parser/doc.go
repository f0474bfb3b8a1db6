// Package parser turns free-text search syntax into a types.ParsedQuery.
//
// Supported syntax, extracted in this order:
//
//	"exact phrase" or 'exact phrase'   ExactPhrases
//	+term                              MustInclude
//	-term                              MustExclude
//	today, last week, last 7 days,
//	last 30 days, last month,
//	last 3 months                      DateFilter (leftmost phrase wins)
//	a AND b                            MustInclude
//	a OR b, or plain words             ShouldInclude
//
// Each step removes what it matched before the next one runs, so
// "-last week" excludes the word "last" and leaves "week" as a plain term.
package parser
