// Package session keeps the per-user pipeline state: uploaded documents,
// the retrieval index and the last computation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"taxsaathi/apps/backend/internal/document"
	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/tax"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrNoDocuments = errors.New("no documents ingested")
	ErrNoResult    = errors.New("no computation result")
	// ErrStale means the documents changed while a computation was running
	// and its result was discarded.
	ErrStale = errors.New("session changed during computation")
	// ErrClosed is the cancellation cause of work interrupted by a reset or
	// delete.
	ErrClosed = errors.New("session was reset or deleted")
)

// Session is owned by a Manager; callers only read it through snapshots.
type Session struct {
	ID        string
	CreatedAt time.Time

	orchestrator *rag.Orchestrator

	// ingestMu serializes uploads from extraction to commit.
	ingestMu sync.Mutex

	mu       sync.Mutex
	epoch    uint64
	lifetime context.Context
	cancel   context.CancelCauseFunc
	docs     document.Context
	report   *ingest.Report
	result   *tax.Result
	updated  time.Time
}

// Summary is the listing view of a session.
type Summary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Pages       int       `json:"pages"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	HasResult   bool      `json:"has_result"`
}

// Detail adds the last ingestion report to a Summary.
type Detail struct {
	Summary
	Report *ingest.Report `json:"report,omitempty"`
}

func (s *Session) restart() {
	if s.cancel != nil {
		s.cancel(ErrClosed)
	}
	s.lifetime, s.cancel = context.WithCancelCause(context.Background())
	s.epoch++
}

func (s *Session) summaryLocked() Summary {
	sum := Summary{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updated,
		Pages:     len(s.docs.Pages),
		HasResult: s.result != nil,
	}
	if !s.docs.Empty() {
		sum.Fingerprint = s.docs.Fingerprint()
	}
	return sum
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) Detail() Detail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Detail{Summary: s.summaryLocked(), Report: s.report}
}

// Documents returns the current document context.
func (s *Session) Documents() document.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs
}

func (s *Session) snapshot() (document.Context, uint64, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs, s.epoch, s.lifetime
}

// bind derives a context from parent that is also cancelled when lifetime
// ends.
func bind(parent, lifetime context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(lifetime, func() {
		cancel(context.Cause(lifetime))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
