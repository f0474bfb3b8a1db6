package indexmeta

import (
	"fmt"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Snapshot summarizes the vector ids held by one store
type Snapshot struct {
	Count int64
	MinID int64
	MaxID int64
}

// CheckConsistency compares the chunk rows with the vector records. Both
// must hold the same number of ids with the same bounds, and no id may have
// been handed out beyond nextVectorID.
func CheckConsistency(rows, vectors Snapshot, nextVectorID int64) error {
	if rows != vectors {
		return fmt.Errorf("%w: metadata store has %d chunks [%d, %d], vector file has %d [%d, %d]",
			types.ErrCorruptIndex, rows.Count, rows.MinID, rows.MaxID,
			vectors.Count, vectors.MinID, vectors.MaxID)
	}
	if rows.Count > 0 && rows.MaxID >= nextVectorID {
		return fmt.Errorf("%w: vector id %d is not below next id %d",
			types.ErrCorruptIndex, rows.MaxID, nextVectorID)
	}
	return nil
}

// OrphanTail reports how many trailing vector records no chunk row refers to.
// lastRowID is the vector id at position rows.Count-1 in the vector file, or
// ignored when rows is empty. A vector file shorter than the rows, or one
// whose prefix does not line up, is corrupt rather than orphaned.
func OrphanTail(rows, vectors Snapshot, lastRowID int64) (int64, error) {
	if vectors.Count <= rows.Count {
		return 0, nil
	}
	if rows.Count > 0 && lastRowID != rows.MaxID {
		return 0, fmt.Errorf("%w: vector file does not line up with chunk rows", types.ErrCorruptIndex)
	}
	return vectors.Count - rows.Count, nil
}
