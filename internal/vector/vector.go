// Package vector indexes embedded chunks and retrieves the most similar ones
// for a query.
package vector

import (
	"context"
	"errors"
	"math"
	"sort"

	"taxsaathi/apps/backend/internal/text"
)

const DefaultTopK = 5

var (
	ErrEmbedding = errors.New("embedding failed")
	ErrNotReady  = errors.New("index not built")
)

type Entry struct {
	Chunk     text.Chunk
	Embedding []float32
}

type Hit struct {
	Chunk text.Chunk `json:"chunk"`
	Score float32    `json:"score"`
}

// Store persists entries per namespace. Every entry carries the generation
// tag it was written under and Search only returns entries of the requested
// generation.
type Store interface {
	// Replace removes every entry of namespace and writes entries under generation.
	Replace(ctx context.Context, namespace, generation string, entries []Entry) error
	Append(ctx context.Context, namespace, generation string, entries []Entry) error
	Search(ctx context.Context, namespace, generation string, query []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, namespace string) error
	Count(ctx context.Context, namespace string) (int, error)
}

// CosineSimilarity returns 0 when either vector has zero norm or the
// dimensions differ.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortHits orders by descending score, then ascending chunk index.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.Index < hits[j].Chunk.Index
	})
}

// TopK scores entries against query and returns at most k hits.
func TopK(entries []Entry, query []float32, k int) []Hit {
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, Hit{Chunk: e.Chunk, Score: CosineSimilarity(query, e.Embedding)})
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
