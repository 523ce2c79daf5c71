package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"taxsaathi/apps/backend/internal/document"
	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/prompt"
	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/vector"
)

// ComputedHook is called after a computation result has been stored.
type ComputedHook func(ctx context.Context, d Detail, res *tax.Result)

type Config struct {
	Ingester     *ingest.Service
	Store        vector.Store
	Embedder     llm.Embedder
	Generator    llm.Generator
	Composer     *prompt.Composer
	IndexOptions []vector.Option
	RAGOptions   []rag.Option
	OnComputed   ComputedHook
}

// errAbandoned cancels a computation once every caller waiting on it has
// gone away.
var errAbandoned = errors.New("computation abandoned by all callers")

// flight is the shared context of one deduplicated computation.
type flight struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
}

type Manager struct {
	cfg      Config
	workflow *tax.Workflow
	group    singleflight.Group

	flightsMu sync.Mutex
	flights   map[string]*flight

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		workflow: tax.NewWorkflow(cfg.Composer, cfg.Generator),
		flights:  make(map[string]*flight),
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Create(ctx context.Context) *Session {
	id := uuid.New().String()
	index := vector.NewIndex(m.cfg.Store, m.cfg.Embedder, id, m.cfg.IndexOptions...)
	now := time.Now().UTC()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		updated:      now,
		orchestrator: rag.NewOrchestrator(index, m.cfg.Composer, m.cfg.Generator, m.cfg.RAGOptions...),
	}
	s.restart()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	slog.InfoContext(ctx, "session created", "session_id", id)
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, len(sessions))
	for i, s := range sessions {
		out[i] = s.Summary()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete cancels in-flight work of the session and drops its index.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	s.cancel(ErrClosed)
	s.epoch++
	s.mu.Unlock()

	if err := s.orchestrator.Reset(ctx); err != nil {
		return fmt.Errorf("failed to drop session index: %w", err)
	}
	slog.InfoContext(ctx, "session deleted", "session_id", id)
	return nil
}

// Reset cancels in-flight work and clears documents, index and result.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.restart()
	s.docs = document.Context{}
	s.report = nil
	s.result = nil
	s.updated = time.Now().UTC()
	s.mu.Unlock()

	if err := s.orchestrator.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset session index: %w", err)
	}
	slog.InfoContext(ctx, "session reset", "session_id", id)
	return nil
}

// Ingest replaces the session's documents. Form 16 is mandatory. Uploads to
// the same session are serialized, so a commit never overwrites a newer one
// that has already finished.
func (m *Manager) Ingest(ctx context.Context, id string, docs []*ingest.Document) (*ingest.Report, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := ingest.RequireKind(docs, ingest.KindForm16); err != nil {
		return nil, err
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	_, _, lifetime := s.snapshot()
	ctx, cancel := bind(middleware.WithSessionID(ctx, id), lifetime)
	defer cancel()

	dc, report, err := m.cfg.Ingester.Ingest(ctx, docs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifetime != lifetime {
		return nil, fmt.Errorf("%w: %w", ErrStale, ErrClosed)
	}
	s.docs = dc
	s.report = &report
	s.result = nil
	s.epoch++
	s.updated = time.Now().UTC()
	return &report, nil
}

// Ask answers query against the session's documents.
func (m *Manager) Ask(ctx context.Context, id, query string) (*rag.QueryAnswer, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	dc, _, lifetime := s.snapshot()
	if dc.Empty() {
		return nil, ErrNoDocuments
	}

	ctx, cancel := bind(middleware.WithSessionID(ctx, id), lifetime)
	defer cancel()
	return s.orchestrator.Answer(ctx, query, dc)
}

// Compute runs the regime comparison. Concurrent calls for the same
// documents share one computation, which is cancelled once every caller has
// gone away. A result that finishes after the documents changed is
// discarded.
func (m *Manager) Compute(ctx context.Context, id string) (*tax.Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	dc, epoch, lifetime := s.snapshot()
	if dc.Empty() {
		return nil, ErrNoDocuments
	}

	key := id + ":" + strconv.FormatUint(epoch, 10)
	f := m.join(middleware.WithSessionID(ctx, id), key)
	defer m.leave(key, f)

	ch := m.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := bind(f.ctx, lifetime)
		defer cancel()

		res, err := m.workflow.Compute(cctx, dc)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if cctx.Err() != nil {
			s.mu.Unlock()
			return nil, context.Cause(cctx)
		}
		if s.epoch != epoch {
			s.mu.Unlock()
			slog.WarnContext(cctx, "discarding stale computation", "session_id", id)
			return nil, ErrStale
		}
		s.result = res
		s.updated = time.Now().UTC()
		detail := Detail{Summary: s.summaryLocked(), Report: s.report}
		s.mu.Unlock()

		if m.cfg.OnComputed != nil {
			m.cfg.OnComputed(cctx, detail, res)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*tax.Result), nil
	}
}

// join registers a caller of the computation under key. The first caller's
// values are kept but not its cancellation.
func (m *Manager) join(ctx context.Context, key string) *flight {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	f, ok := m.flights[key]
	if !ok {
		fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

// leave cancels the computation when its last caller leaves. Later callers
// start a fresh run instead of joining the cancelled one.
func (m *Manager) leave(key string, f *flight) {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel(errAbandoned)
	if m.flights[key] == f {
		delete(m.flights, key)
	}
	m.group.Forget(key)
}

// Result returns the last computation of the session.
func (m *Manager) Result(id string) (*tax.Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, ErrNoResult
	}
	return s.result, nil
}

// Close cancels the work of every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		s.cancel(ErrClosed)
		s.mu.Unlock()
	}
}
