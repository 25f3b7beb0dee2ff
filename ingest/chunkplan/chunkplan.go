// Package chunkplan splits a file of a known size into the ordered list of
// byte ranges that a chunked upload transfers one request at a time.
package chunkplan

import (
	"fmt"
)

// Chunk is one planned transfer unit. The byte range is half-open:
// [Start, End).
type Chunk struct {
	Index int
	Start int64
	End   int64
}

// Size returns the length of the chunk's byte range.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// Plan returns the chunks covering a file of totalSize bytes, in index order.
// The last chunk is clamped to totalSize and may be shorter than chunkSize.
// Both arguments must be positive.
func Plan(totalSize, chunkSize int64) ([]Chunk, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("total size must be positive, got %d", totalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := int((totalSize + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
	}

	return chunks, nil
}
