package text

import (
	"errors"
	"fmt"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var ErrInvalidChunkParams = errors.New("invalid chunk parameters")

// Chunk is a window of the source text. Start and End are rune offsets.
type Chunk struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Chunker splits text into fixed-size rune windows where each window repeats
// the last Overlap runes of the previous one.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidChunkParams, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidChunkParams, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the chunk sequence for text. Empty text yields no chunks and
// text no longer than the chunk size yields a single chunk equal to the input.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	stride := c.size - c.overlap
	chunks := make([]Chunk, 0, n/stride+1)

	for start := 0; ; start += stride {
		end := start + c.size
		if end > n {
			end = n
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Content: string(runes[start:end]),
			Start:   start,
			End:     end,
		})
		if end == n {
			break
		}
	}

	return chunks
}
