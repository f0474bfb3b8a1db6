package types

import "errors"

// Domain errors
var (
	// ErrParse marks a single file that failed to parse. Recoverable.
	ErrParse = errors.New("conversation parse failed")
	// ErrNoConnector is returned when no connector claims a path. Recoverable.
	ErrNoConnector = errors.New("no connector for path")

	// ErrVersionMismatch means persisted index metadata disagrees with the
	// running engine's embedding model, schema or format version.
	ErrVersionMismatch = errors.New("index version mismatch")
	// ErrCorruptIndex means the metadata store and vector index are out of sync.
	ErrCorruptIndex = errors.New("index corrupt")
	// ErrNotReady means the index or embedder is not loaded yet.
	ErrNotReady = errors.New("index not ready")
	// ErrRebuildRequiresForce guards destructive full rebuilds.
	ErrRebuildRequiresForce = errors.New("full rebuild requires force")
	// ErrIndexingInProgress is returned while an index operation is running.
	ErrIndexingInProgress = errors.New("indexing in progress")

	ErrInvalidResult = errors.New("invalid search result")
)

// ErrorKind groups errors by how callers should react
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindParse
	KindVersion
	KindNotReady
	KindConsistency
	KindGuard
	KindInProgress
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindParse:
		return "parse"
	case KindVersion:
		return "version"
	case KindNotReady:
		return "not_ready"
	case KindConsistency:
		return "consistency"
	case KindGuard:
		return "guard"
	case KindInProgress:
		return "in_progress"
	}
	return "other"
}

// KindOf classifies err
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrParse), errors.Is(err, ErrNoConnector):
		return KindParse
	case errors.Is(err, ErrVersionMismatch):
		return KindVersion
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrCorruptIndex):
		return KindConsistency
	case errors.Is(err, ErrRebuildRequiresForce):
		return KindGuard
	case errors.Is(err, ErrIndexingInProgress):
		return KindInProgress
	}
	return KindOther
}

// IsFatal reports whether err must abort the whole operation
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindVersion, KindConsistency:
		return true
	}
	return false
}
