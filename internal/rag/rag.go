// Package rag answers questions over a session's documents: chunk, embed,
// index, retrieve, compose and generate.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taxsaathi/apps/backend/internal/document"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/prompt"
	"taxsaathi/apps/backend/internal/settings"
	"taxsaathi/apps/backend/internal/text"
	"taxsaathi/apps/backend/internal/vector"
)

type Stage string

const (
	StageIdle            Stage = "idle"
	StageChunking        Stage = "chunking"
	StageEmbedding       Stage = "embedding"
	StageIndexed         Stage = "indexed"
	StageRetrieving      Stage = "retrieving"
	StageComposingPrompt Stage = "composing_prompt"
	StageGenerating      Stage = "generating"
	StageAnswered        Stage = "answered"
)

var (
	ErrEmptyQuery   = errors.New("query is empty")
	ErrEmptyContext = errors.New("no document text to index")
)

// StageError reports the stage at which answering a query stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type QueryAnswer struct {
	Query       string       `json:"query"`
	Answer      string       `json:"answer"`
	Sources     []vector.Hit `json:"sources"`
	IndexReused bool         `json:"index_reused"`
}

// Params are the chunking and retrieval parameters of one query.
type Params struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

func DefaultParams() Params {
	return Params{ChunkSize: text.DefaultChunkSize, ChunkOverlap: text.DefaultChunkOverlap, TopK: vector.DefaultTopK}
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Option func(*Orchestrator)

// WithSettings reads runtime parameters on every query, falling back to the
// defaults when the provider fails.
func WithSettings(p SettingsProvider) Option {
	return func(o *Orchestrator) { o.settings = p }
}

func WithDefaults(p Params) Option {
	return func(o *Orchestrator) { o.defaults = p }
}

func WithQueryLogger(l *QueryLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator runs one query at a time against a single index.
type Orchestrator struct {
	index     *vector.Index
	composer  *prompt.Composer
	generator llm.Generator
	settings  SettingsProvider
	defaults  Params
	logger    *QueryLogger

	mu    sync.Mutex
	stage atomic.Value
}

func NewOrchestrator(index *vector.Index, composer *prompt.Composer, generator llm.Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		index:     index,
		composer:  composer,
		generator: generator,
		defaults:  DefaultParams(),
	}
	o.stage.Store(StageIdle)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CacheKey identifies an index build: the same parameters over the same text
// always produce the same chunks.
func CacheKey(p Params, dc document.Context) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(p.ChunkSize) + ":" + strconv.Itoa(p.ChunkOverlap) + "\n"))
	h.Write([]byte(dc.Text()))
	return hex.EncodeToString(h.Sum(nil))
}

// Stage reports the stage of the running query, or how far the last one got.
func (o *Orchestrator) Stage() Stage {
	st, _ := o.stage.Load().(Stage)
	return st
}

// Reset waits for the running query to finish and then drops the index.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stage.Store(StageIdle)
	return o.index.Reset(ctx)
}

// Answer reuses the index when dc and the chunk parameters are unchanged
// since the last successful build, and rebuilds it otherwise.
func (o *Orchestrator) Answer(ctx context.Context, query string, dc document.Context) (*QueryAnswer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := time.Now()

	o.stage.Store(StageIdle)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &StageError{Stage: StageIdle, Err: ErrEmptyQuery}
	}
	if dc.Empty() {
		return nil, &StageError{Stage: StageChunking, Err: ErrEmptyContext}
	}

	params := o.params(ctx)
	key := CacheKey(params, dc)
	fp, ready := o.index.Fingerprint()
	reused := ready && fp == key

	if !reused {
		o.stage.Store(StageChunking)
		chunker, err := text.NewChunker(params.ChunkSize, params.ChunkOverlap)
		if err != nil {
			return nil, &StageError{Stage: StageChunking, Err: err}
		}
		chunks := chunker.Split(dc.Text())
		slog.InfoContext(ctx, "rebuilding index", "chunks", len(chunks), "chunk_size", params.ChunkSize, "chunk_overlap", params.ChunkOverlap)

		o.stage.Store(StageEmbedding)
		if err := o.index.Build(ctx, key, chunks); err != nil {
			return nil, &StageError{Stage: StageEmbedding, Err: err}
		}
	}
	o.stage.Store(StageIndexed)

	o.stage.Store(StageRetrieving)
	hits, err := o.index.Retrieve(ctx, query, params.TopK)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieving, Err: err}
	}

	o.stage.Store(StageComposingPrompt)
	contents := make([]string, len(hits))
	for i, h := range hits {
		contents[i] = h.Chunk.Content
	}
	p := o.composer.Question(contents, query)

	o.stage.Store(StageGenerating)
	answer, err := o.generator.Generate(ctx, p)
	if err != nil {
		return nil, &StageError{Stage: StageGenerating, Err: err}
	}
	o.stage.Store(StageAnswered)

	if o.logger != nil {
		o.logger.Log(QueryLogEntry{
			SessionID:     middleware.GetSessionID(ctx),
			Query:         query,
			NumResults:    len(hits),
			IndexReused:   reused,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}

	return &QueryAnswer{Query: query, Answer: answer, Sources: hits, IndexReused: reused}, nil
}

func (o *Orchestrator) params(ctx context.Context) Params {
	p := o.defaults
	if o.settings == nil {
		return p
	}
	s, err := o.settings.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load retrieval settings, using defaults", "error", err)
		return p
	}
	if s.RetrievalTopK > 0 {
		p.TopK = s.RetrievalTopK
	}
	if s.ChunkSize > 0 && s.ChunkOverlap >= 0 && s.ChunkOverlap < s.ChunkSize {
		p.ChunkSize, p.ChunkOverlap = s.ChunkSize, s.ChunkOverlap
	}
	return p
}
