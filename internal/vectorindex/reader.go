package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Options control how a Reader holds the file
type Options struct {
	// Mmap maps the file read-only instead of copying it into memory
	Mmap bool
	// Dimension, when set, must match the file header
	Dimension int
}

// Hit is one search result
type Hit struct {
	ID    int64
	Score float64 // cosine similarity in [-1, 1]
}

// Reader answers nearest-neighbour queries over a loaded snapshot.
// It is safe for concurrent use.
type Reader struct {
	dim   int
	count int64
	ids   []int64
	norms []float64

	// exactly one of vectors or mm is set
	vectors []float32
	mm      *mmap.ReaderAt
}

// Load opens the vector file at path. Records past the last whole record
// are ignored.
func Load(path string, opts Options) (*Reader, error) {
	if opts.Mmap {
		return loadMmap(path, opts.Dimension)
	}
	return loadMemory(path, opts.Dimension)
}

func loadMemory(path string, want int) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector file: %w", err)
	}
	dim, err := decodeHeader(data, want)
	if err != nil {
		return nil, err
	}
	rs := recordSize(dim)
	count := (int64(len(data)) - headerSize) / rs

	r := &Reader{
		dim:     dim,
		count:   count,
		ids:     make([]int64, count),
		norms:   make([]float64, count),
		vectors: make([]float32, count*int64(dim)),
	}
	for i := int64(0); i < count; i++ {
		rec := data[headerSize+i*rs : headerSize+(i+1)*rs]
		r.ids[i] = decodeID(rec)
		v := r.vectors[i*int64(dim) : (i+1)*int64(dim)]
		decodeVector(rec, v)
		r.norms[i] = norm(v)
	}
	return r, nil
}

func loadMmap(path string, want int) (*Reader, error) {
	mm, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map vector file: %w", err)
	}
	r, err := newMappedReader(mm, want)
	if err != nil {
		_ = mm.Close()
		return nil, err
	}
	return r, nil
}

func newMappedReader(mm *mmap.ReaderAt, want int) (*Reader, error) {
	hdr := make([]byte, headerSize)
	if _, err := mm.ReadAt(hdr, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated vector header", types.ErrCorruptIndex)
		}
		return nil, err
	}
	dim, err := decodeHeader(hdr, want)
	if err != nil {
		return nil, err
	}
	rs := recordSize(dim)
	count := (int64(mm.Len()) - headerSize) / rs

	r := &Reader{
		dim:   dim,
		count: count,
		ids:   make([]int64, count),
		norms: make([]float64, count),
		mm:    mm,
	}
	rec := make([]byte, rs)
	v := make([]float32, dim)
	for i := int64(0); i < count; i++ {
		if _, err := mm.ReadAt(rec, headerSize+i*rs); err != nil {
			return nil, fmt.Errorf("failed to read vector record %d: %w", i, err)
		}
		r.ids[i] = decodeID(rec)
		decodeVector(rec, v)
		r.norms[i] = norm(v)
	}
	return r, nil
}

// Search returns the k records most similar to query, best first, with ties
// broken by ascending id. allow, when non-nil, restricts the candidates.
func (r *Reader) Search(query []float32, k int, allow func(id int64) bool) ([]Hit, error) {
	if len(query) != r.dim {
		return nil, fmt.Errorf("%w: query has %d values, index %d", ErrDimension, len(query), r.dim)
	}
	if k <= 0 || r.count == 0 {
		return nil, nil
	}
	qn := norm(query)

	h := &hitHeap{}
	var (
		rec []byte
		v   []float32
	)
	if r.mm != nil {
		rec = make([]byte, recordSize(r.dim))
		v = make([]float32, r.dim)
	}
	for i := int64(0); i < r.count; i++ {
		id := r.ids[i]
		if allow != nil && !allow(id) {
			continue
		}
		if r.mm != nil {
			if _, err := r.mm.ReadAt(rec, headerSize+i*recordSize(r.dim)); err != nil {
				return nil, fmt.Errorf("failed to read vector record %d: %w", i, err)
			}
			decodeVector(rec, v)
		} else {
			v = r.vectors[i*int64(r.dim) : (i+1)*int64(r.dim)]
		}
		hit := Hit{ID: id, Score: cosineSimilarity(query, v, qn, r.norms[i])}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if better(hit, (*h)[0]) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}

	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out, nil
}

// Count returns the number of loaded records
func (r *Reader) Count() int64 {
	return r.count
}

// Dimension returns the vector length
func (r *Reader) Dimension() int {
	return r.dim
}

// IDRange returns the first and last ids, zero when empty
func (r *Reader) IDRange() (minID, maxID int64) {
	if r.count == 0 {
		return 0, 0
	}
	return r.ids[0], r.ids[r.count-1]
}

// IDAt returns the id stored at position i
func (r *Reader) IDAt(i int64) (int64, error) {
	if i < 0 || i >= r.count {
		return 0, fmt.Errorf("vector position %d out of range [0, %d)", i, r.count)
	}
	return r.ids[i], nil
}

// Limit restricts the reader to its first n records. Searching then ignores
// records appended after the caller's snapshot was taken.
func (r *Reader) Limit(n int64) error {
	if n < 0 || n > r.count {
		return fmt.Errorf("%w: cannot limit %d records to %d", types.ErrCorruptIndex, r.count, n)
	}
	r.count = n
	r.ids = r.ids[:n]
	r.norms = r.norms[:n]
	if r.vectors != nil {
		r.vectors = r.vectors[:n*int64(r.dim)]
	}
	return nil
}

// Close releases the mapping, if any
func (r *Reader) Close() error {
	if r.mm != nil {
		return r.mm.Close()
	}
	return nil
}

// better orders hits by score desc, then id asc
func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// hitHeap keeps the worst retained hit at the root
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
