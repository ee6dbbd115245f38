// Package chunk plans page-range chunks for long documents and merges
// per-chunk stage outputs back into one document-level result.
//
// Planning and merging are both deterministic and pure: for N pages and
// chunk size S the plan is always ceil(N/S) contiguous ranges, and merging
// depends only on chunk order, never on the order in which chunk executions
// completed.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk is a contiguous page range of a document processed as one unit per
// stage call. Pages are 1-indexed and inclusive on both ends.
type Chunk struct {
	Order     int `json:"order"`
	FirstPage int `json:"first_page"`
	LastPage  int `json:"last_page"`
}

// Pages returns the number of pages covered by the chunk.
func (c Chunk) Pages() int { return c.LastPage - c.FirstPage + 1 }

// Plan splits pageCount pages into ordered chunks of at most maxPerChunk
// pages. The last chunk may be smaller. Plan returns an error when either
// argument is non-positive; chunk planning has no meaningful zero case.
func Plan(pageCount, maxPerChunk int) ([]Chunk, error) {
	if pageCount < 1 {
		return nil, fmt.Errorf("chunk: page count must be >= 1, got %d", pageCount)
	}
	if maxPerChunk < 1 {
		return nil, fmt.Errorf("chunk: max pages per chunk must be >= 1, got %d", maxPerChunk)
	}

	n := (pageCount + maxPerChunk - 1) / maxPerChunk
	chunks := make([]Chunk, 0, n)
	for i := range n {
		first := i*maxPerChunk + 1
		last := first + maxPerChunk - 1
		if last > pageCount {
			last = pageCount
		}
		chunks = append(chunks, Chunk{Order: i, FirstPage: first, LastPage: last})
	}
	return chunks, nil
}

// BoundaryMarker separates chunk texts in merged OCR output.
const BoundaryMarker = "\n\n--- chunk boundary ---\n\n"

// MergeText concatenates per-chunk text outputs in chunk order with a
// boundary marker between chunks. The input slice is indexed by chunk
// order, so completion order is irrelevant.
func MergeText(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(BoundaryMarker)
		}
		b.WriteString(p)
	}
	return b.String()
}
