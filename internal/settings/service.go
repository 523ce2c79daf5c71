package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taxsaathi/apps/backend/internal/text"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the retrieval parameters operators may change at runtime.
type Settings struct {
	ID            int `json:"-"`
	RetrievalTopK int `json:"retrieval_top_k"`
	ChunkSize     int `json:"chunk_size"`
	ChunkOverlap  int `json:"chunk_overlap"`
}

func (s *Settings) Validate() error {
	if s.RetrievalTopK <= 0 {
		return fmt.Errorf("%w: retrieval_top_k must be positive", ErrInvalidSettings)
	}
	if _, err := text.NewChunker(s.ChunkSize, s.ChunkOverlap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}

// Patch is a partial settings update.
type Patch struct {
	RetrievalTopK *int `json:"retrieval_top_k"`
	ChunkSize     *int `json:"chunk_size"`
	ChunkOverlap  *int `json:"chunk_overlap"`
}

func (p Patch) apply(s *Settings) {
	if p.RetrievalTopK != nil {
		s.RetrievalTopK = *p.RetrievalTopK
	}
	if p.ChunkSize != nil {
		s.ChunkSize = *p.ChunkSize
	}
	if p.ChunkOverlap != nil {
		s.ChunkOverlap = *p.ChunkOverlap
	}
}

// Patch merges p into the stored settings and saves the result if it is
// valid.
func (s *Service) Patch(ctx context.Context, p Patch) (*Settings, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	p.apply(current)
	if err := s.Update(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// MemoryRepo holds settings in process, for runs without a database.
type MemoryRepo struct {
	mu sync.RWMutex
	s  Settings
}

func NewMemoryRepo(initial Settings) *MemoryRepo {
	return &MemoryRepo{s: initial}
}

func (r *MemoryRepo) Get(ctx context.Context) (*Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.s
	return &s, nil
}

func (r *MemoryRepo) Update(ctx context.Context, s *Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s = *s
	return nil
}
