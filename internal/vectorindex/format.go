package vectorindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

const (
	// FormatVersion is recorded in the index metadata. Readers refuse files
	// whose major version differs.
	FormatVersion = "1.0.0"

	// FileName is the vector file inside an index directory
	FileName = "vectors.bin"

	magic       = "CVIX"
	formatMajor = 1
	headerSize  = 16
)

var (
	// ErrDimension is returned when a vector has the wrong length
	ErrDimension = errors.New("vector dimension mismatch")
	// ErrIDOrder is returned when appended ids do not strictly increase
	ErrIDOrder = errors.New("vector ids must strictly increase")
)

func recordSize(dim int) int64 {
	return 8 + 4*int64(dim)
}

func encodeHeader(dim int) []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[4:], formatMajor)
	binary.LittleEndian.PutUint32(buf[8:], uint32(dim))
	return buf
}

// decodeHeader validates a header and returns its dimension. want is the
// expected dimension, or 0 to accept any.
func decodeHeader(buf []byte, want int) (int, error) {
	if len(buf) < headerSize || string(buf[:4]) != magic {
		return 0, fmt.Errorf("%w: bad vector file header", types.ErrCorruptIndex)
	}
	major := binary.LittleEndian.Uint32(buf[4:])
	if major != formatMajor {
		return 0, fmt.Errorf("%w: vector file format %d, supported %d", types.ErrVersionMismatch, major, formatMajor)
	}
	dim := int(binary.LittleEndian.Uint32(buf[8:]))
	if dim <= 0 {
		return 0, fmt.Errorf("%w: vector file dimension %d", types.ErrCorruptIndex, dim)
	}
	if want > 0 && dim != want {
		return 0, fmt.Errorf("%w: vector file dimension %d, embedder %d", types.ErrVersionMismatch, dim, want)
	}
	return dim, nil
}

func encodeRecord(buf []byte, id int64, vector []float32) {
	binary.LittleEndian.PutUint64(buf, uint64(id))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[8+i*4:], math.Float32bits(v))
	}
}

func decodeID(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

func decodeVector(buf []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[8+i*4:]))
	}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns 0 when either vector has zero length
func cosineSimilarity(a []float32, b []float32, normA, normB float64) float64 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

// CosineSimilarity compares two vectors of equal length
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b, norm(a), norm(b))
}
