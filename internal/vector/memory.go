package vector

import (
	"context"
	"sync"
)

type taggedEntry struct {
	generation string
	Entry
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]taggedEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]taggedEntry)}
}

func (s *MemoryStore) Replace(ctx context.Context, namespace, generation string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[namespace] = tag(nil, generation, entries)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, namespace, generation string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[namespace] = tag(s.entries[namespace], generation, entries)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, namespace, generation string, query []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make([]Entry, 0, len(s.entries[namespace]))
	for _, e := range s.entries[namespace] {
		if e.generation == generation {
			live = append(live, e.Entry)
		}
	}
	return TopK(live, query, k), nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, namespace)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[namespace]), nil
}

func tag(dst []taggedEntry, generation string, entries []Entry) []taggedEntry {
	for _, e := range entries {
		vec := make([]float32, len(e.Embedding))
		copy(vec, e.Embedding)
		dst = append(dst, taggedEntry{generation: generation, Entry: Entry{Chunk: e.Chunk, Embedding: vec}})
	}
	return dst
}
