package types

import "fmt"

// ParseError reports a conversation file that could not be normalized.
// It unwraps to ErrParse so it is classified as recoverable.
type ParseError struct {
	File    string
	Line    int // 1-based line for JSONL sources, 0 when not applicable
	Message string
}

// Error implements the error interface
func (pe *ParseError) Error() string {
	if pe.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", pe.File, pe.Line, pe.Message)
	}
	return fmt.Sprintf("%s: %s", pe.File, pe.Message)
}

// Unwrap allows errors.Is(err, ErrParse)
func (pe *ParseError) Unwrap() error {
	return ErrParse
}

// NewParseError creates a ParseError for a file
func NewParseError(file string, line int, format string, args ...interface{}) *ParseError {
	return &ParseError{
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	}
}
