package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/text"
)

const embedBatchSize = 100

type Option func(*Index)

// WithIncremental makes builds after the first one append to the live
// generation instead of replacing it.
func WithIncremental() Option {
	return func(i *Index) { i.incremental = true }
}

// Index is the retrieval view over one namespace of a Store.
type Index struct {
	store       Store
	embedder    llm.Embedder
	namespace   string
	incremental bool

	mu          sync.Mutex
	ready       bool
	fingerprint string
	generation  string
	next        int
}

func NewIndex(store Store, embedder llm.Embedder, namespace string, opts ...Option) *Index {
	idx := &Index{store: store, embedder: embedder, namespace: namespace}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Build embeds every chunk and then writes them in one store call. On any
// failure the index is left not ready.
func (i *Index) Build(ctx context.Context, fingerprint string, chunks []text.Chunk) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	appending := i.incremental && i.ready
	offset := 0
	generation := fingerprint
	if appending {
		offset = i.next
		generation = i.generation
	}
	i.ready = false

	vecs, err := i.embed(ctx, chunks)
	if err != nil {
		return err
	}

	// The owner may have been reset while embedding ran.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index build abandoned: %w", context.Cause(ctx))
	}

	entries := make([]Entry, len(chunks))
	for n, c := range chunks {
		c.Index += offset
		entries[n] = Entry{Chunk: c, Embedding: vecs[n]}
	}

	if appending {
		err = i.store.Append(ctx, i.namespace, generation, entries)
	} else {
		err = i.store.Replace(ctx, i.namespace, generation, entries)
	}
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	i.ready = true
	i.fingerprint = fingerprint
	i.generation = generation
	i.next = offset + len(chunks)

	slog.InfoContext(ctx, "index built", "namespace", i.namespace, "chunks", len(chunks), "incremental", appending)
	return nil
}

func (i *Index) embed(ctx context.Context, chunks []text.Chunk) ([][]float32, error) {
	vecs := make([][]float32, len(chunks))

	if b, ok := i.embedder.(llm.BatchEmbedder); ok {
		for start := 0; start < len(chunks); start += embedBatchSize {
			end := min(start+embedBatchSize, len(chunks))
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Content)
			}
			out, err := b.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("%w: chunks %d-%d: %w", ErrEmbedding, start, end-1, err)
			}
			if len(out) != len(texts) {
				return nil, fmt.Errorf("%w: got %d embeddings for %d chunks", ErrEmbedding, len(out), len(texts))
			}
			copy(vecs[start:end], out)
		}
		return vecs, nil
	}

	for n, c := range chunks {
		vec, err := i.embedder.Embed(ctx, c.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrEmbedding, c.Index, err)
		}
		vecs[n] = vec
	}
	return vecs, nil
}

// Retrieve returns up to k hits for query. k <= 0 means DefaultTopK.
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	i.mu.Lock()
	ready, generation := i.ready, i.generation
	i.mu.Unlock()
	if !ready {
		return nil, ErrNotReady
	}

	vec, err := i.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrEmbedding, err)
	}

	hits, err := i.store.Search(ctx, i.namespace, generation, vec, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Fingerprint reports the fingerprint of the last successful build.
func (i *Index) Fingerprint() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fingerprint, i.ready
}

// Reset drops the namespace from the store and marks the index not ready.
func (i *Index) Reset(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ready = false
	i.fingerprint = ""
	i.generation = ""
	i.next = 0
	return i.store.Delete(ctx, i.namespace)
}

func (i *Index) Namespace() string {
	return i.namespace
}
