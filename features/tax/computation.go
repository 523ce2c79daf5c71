package tax

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	taxcalc "taxsaathi/apps/backend/internal/tax"
)

var ErrNotFound = errors.New("computation not found")

// Computation is a stored copy of one successful regime comparison.
type Computation struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	Fingerprint       string           `json:"fingerprint"`
	Documents         []string         `json:"documents"`
	OldRegime         string           `json:"old_regime"`
	NewRegime         string           `json:"new_regime"`
	RecommendedRegime string           `json:"recommended_regime"`
	Summary           *taxcalc.Summary `json:"summary,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

type Repository interface {
	Save(ctx context.Context, c *Computation) error
	List(ctx context.Context, limit int) ([]Computation, error)
	Get(ctx context.Context, id string) (*Computation, error)
	Count(ctx context.Context) (int, error)
}

// MemoryRepo keeps history in process when no database is configured.
type MemoryRepo struct {
	mu    sync.RWMutex
	items []Computation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (r *MemoryRepo) Save(ctx context.Context, c *Computation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	r.items = append(r.items, *c)
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, limit int) ([]Computation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Computation, len(r.items))
	copy(out, r.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (*Computation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.items {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items), nil
}
