// Package vector provides the flat vector index used for per-patient
// similarity search, plus the width unifier that maps embeddings from
// differently sized models into one searchable space.
package vector

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// formatVersion is written into the index header so the on-disk format can
// evolve without a blanket rebuild of every patient index.
const formatVersion uint32 = 1

// ErrWidthMismatch is returned by Read when a persisted index was written
// with a different vector width than the one requested.
var ErrWidthMismatch = fmt.Errorf("index width mismatch")

// Match is a single nearest-neighbor hit. Position is the vector's append
// order in the index; Distance is the squared Euclidean distance to the query.
type Match struct {
	Position int
	Distance float32
}

// FlatIndex is an exhaustive squared-L2 index. All vectors have the same
// width and are kept in append order; positions are stable and never reused.
// A FlatIndex is not safe for concurrent mutation; callers serialize access.
type FlatIndex struct {
	width int
	data  []float32 // row-major, len == count*width
}

// NewFlatIndex creates an empty index for vectors of the given width.
func NewFlatIndex(width int) (*FlatIndex, error) {
	if width <= 0 {
		return nil, fmt.Errorf("vector width must be positive, got %d", width)
	}
	return &FlatIndex{width: width}, nil
}

// Width returns the vector width of the index.
func (ix *FlatIndex) Width() int {
	return ix.width
}

// Count returns the number of vectors in the index.
func (ix *FlatIndex) Count() int {
	return len(ix.data) / ix.width
}

// Add appends vectors to the index. Every vector must have the index width.
func (ix *FlatIndex) Add(vecs ...[]float32) error {
	for _, v := range vecs {
		if len(v) != ix.width {
			return fmt.Errorf("vector width mismatch: got %d, expected %d", len(v), ix.width)
		}
	}
	for _, v := range vecs {
		ix.data = append(ix.data, v...)
	}
	return nil
}

// Search returns up to k matches ordered by ascending squared Euclidean
// distance. Equal distances are ordered by position. k larger than the
// stored count returns all vectors.
func (ix *FlatIndex) Search(query []float32, k int) ([]Match, error) {
	if len(query) != ix.width {
		return nil, fmt.Errorf("query width mismatch: got %d, expected %d", len(query), ix.width)
	}
	n := ix.Count()
	if k <= 0 || n == 0 {
		return nil, nil
	}
	matches := make([]Match, n)
	for i := 0; i < n; i++ {
		row := ix.data[i*ix.width : (i+1)*ix.width]
		var dist float32
		for j, q := range query {
			d := q - row[j]
			dist += d * d
		}
		matches[i] = Match{Position: i, Distance: dist}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Position < matches[j].Position
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Save writes the index to w. Format: version (4), width (4), count (4),
// then count*width float32 values, all little-endian.
func (ix *FlatIndex) Save(w io.Writer) error {
	header := []uint32{formatVersion, uint32(ix.width), uint32(ix.Count())}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("write index header: %w", err)
		}
	}
	buf := make([]byte, 4)
	for _, v := range ix.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write index data: %w", err)
		}
	}
	return nil
}

// Read loads an index from r and verifies it was written for the given width.
// A width disagreement is reported as ErrWidthMismatch so callers can decide
// between failing and rebuilding.
func Read(r io.Reader, width int) (*FlatIndex, error) {
	var version, fileWidth, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported index format version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &fileWidth); err != nil {
		return nil, fmt.Errorf("read index width: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read index count: %w", err)
	}
	if int(fileWidth) != width {
		return nil, fmt.Errorf("%w: file has %d, expected %d", ErrWidthMismatch, fileWidth, width)
	}
	ix, err := NewFlatIndex(width)
	if err != nil {
		return nil, err
	}
	// The count comes from an untrusted header; read row by row so a corrupt
	// header claiming billions of vectors fails on the missing data instead
	// of provoking a giant up-front allocation.
	row := make([]byte, width*4)
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, fmt.Errorf("read index row %d: %w", i, err)
		}
		for j := 0; j < width; j++ {
			ix.data = append(ix.data, math.Float32frombits(binary.LittleEndian.Uint32(row[j*4:])))
		}
	}
	return ix, nil
}
