package vectorindex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Writer appends vectors to an index file. It is safe for concurrent use
// but the indexer is its only caller.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	dim   int
	count int64
	minID int64
	maxID int64
}

// OpenWriter opens or creates the vector file at path. An existing file must
// have the same format major and dimension. A torn record at the tail, left
// by a crash during Append, is cut off.
func OpenWriter(path string, dim int) (*Writer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector file: %w", err)
	}
	w := &Writer{f: f, path: path, dim: dim}
	if err := w.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) init() error {
	info, err := w.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := w.f.WriteAt(encodeHeader(w.dim), 0); err != nil {
			return fmt.Errorf("failed to write vector header: %w", err)
		}
		return w.f.Sync()
	}

	hdr := make([]byte, headerSize)
	if _, err := w.f.ReadAt(hdr, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: truncated vector header", types.ErrCorruptIndex)
		}
		return err
	}
	if _, err := decodeHeader(hdr, w.dim); err != nil {
		return err
	}

	rs := recordSize(w.dim)
	body := info.Size() - headerSize
	w.count = body / rs
	if body%rs != 0 {
		if err := w.f.Truncate(headerSize + w.count*rs); err != nil {
			return fmt.Errorf("failed to drop torn record: %w", err)
		}
	}
	return w.loadBounds()
}

func (w *Writer) loadBounds() error {
	w.minID, w.maxID = 0, 0
	if w.count == 0 {
		return nil
	}
	first, err := w.idAt(0)
	if err != nil {
		return err
	}
	last, err := w.idAt(w.count - 1)
	if err != nil {
		return err
	}
	w.minID, w.maxID = first, last
	return nil
}

func (w *Writer) idAt(i int64) (int64, error) {
	buf := make([]byte, 8)
	if _, err := w.f.ReadAt(buf, headerSize+i*recordSize(w.dim)); err != nil {
		return 0, fmt.Errorf("failed to read vector id: %w", err)
	}
	return decodeID(buf), nil
}

// Append writes vectors with their ids and fsyncs. ids must strictly increase
// and exceed every id already stored. Either all records are written or the
// file is restored to its previous length.
func (w *Writer) Append(ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("got %d ids for %d vectors", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rs := recordSize(w.dim)
	buf := make([]byte, int64(len(ids))*rs)
	prev := w.maxID
	for i, id := range ids {
		if len(vectors[i]) != w.dim {
			return fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimension, id, len(vectors[i]), w.dim)
		}
		if id <= prev {
			return fmt.Errorf("%w: %d after %d", ErrIDOrder, id, prev)
		}
		prev = id
		encodeRecord(buf[int64(i)*rs:], id, vectors[i])
	}

	offset := headerSize + w.count*rs
	if _, err := w.f.WriteAt(buf, offset); err != nil {
		_ = w.f.Truncate(offset)
		return fmt.Errorf("failed to append vectors: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Truncate(offset)
		return fmt.Errorf("failed to sync vectors: %w", err)
	}

	if w.count == 0 {
		w.minID = ids[0]
	}
	w.count += int64(len(ids))
	w.maxID = prev
	return nil
}

// Truncate keeps the first count records and drops the rest
func (w *Writer) Truncate(count int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if count < 0 || count > w.count {
		return fmt.Errorf("cannot truncate %d records to %d", w.count, count)
	}
	if count == w.count {
		return nil
	}
	if err := w.f.Truncate(headerSize + count*recordSize(w.dim)); err != nil {
		return fmt.Errorf("failed to truncate vectors: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.count = count
	return w.loadBounds()
}

// Reset drops every record and keeps the header
func (w *Writer) Reset() error {
	return w.Truncate(0)
}

// IDAt returns the id of the i-th record
func (w *Writer) IDAt(i int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= w.count {
		return 0, fmt.Errorf("record %d out of range [0, %d)", i, w.count)
	}
	return w.idAt(i)
}

// Count returns the number of records
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// IDRange returns the first and last ids, zero when empty
func (w *Writer) IDRange() (minID, maxID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minID, w.maxID
}

// Dimension returns the vector length
func (w *Writer) Dimension() int {
	return w.dim
}

// Path returns the file path
func (w *Writer) Path() string {
	return w.path
}

// Close closes the file
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
