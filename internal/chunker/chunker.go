// Package chunker splits report text into overlapping windows for embedding.
package chunker

import "strings"

// DefaultChunkSize is the default window size in characters.
const DefaultChunkSize = 800

// DefaultOverlap is the default number of characters shared between
// consecutive windows; the overlap preserves clinical context that would
// otherwise be cut at an arbitrary chunk boundary.
const DefaultOverlap = 100

// Chunker splits text into fixed-size character windows with overlap.
type Chunker struct {
	Size    int
	Overlap int
}

// New creates a chunker. Non-positive size falls back to DefaultChunkSize;
// a negative overlap is treated as zero.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split divides text into windows of at most Size characters, each trimmed
// of surrounding whitespace. Consecutive windows overlap by Overlap
// characters; when Overlap >= Size the step degrades to Size so iteration
// always makes forward progress. Chunks that are empty after trimming are
// dropped. Empty or whitespace-only input yields no chunks.
//
// Windows are measured in runes, never bytes, so multibyte text (report
// names, units like µg/dL) is never cut mid-character.
func (c *Chunker) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	if step <= 0 {
		step = c.Size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.Size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}
	}
	return chunks
}
