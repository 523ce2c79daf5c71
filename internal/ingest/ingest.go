// Package ingest turns uploaded tax documents into an ordered document.Context.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"taxsaathi/apps/backend/internal/document"
)

type Kind string

const (
	KindForm16          Kind = "form_16"
	KindInvestmentProof Kind = "investment_proof"
	KindBankStatement   Kind = "bank_statement"
)

const DefaultConcurrency = 4

var (
	ErrIngestion       = errors.New("document ingestion failed")
	ErrMissingDocument = errors.New("required document missing")
)

type Document struct {
	Name string
	Kind Kind
	Data []byte
}

// Extractor returns the text of every page of a binary document, in page order.
type Extractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]string, error)
}

type DocumentReport struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Pages int    `json:"pages"`
	Error string `json:"error,omitempty"`
}

type Report struct {
	Documents  []DocumentReport `json:"documents"`
	TotalPages int              `json:"total_pages"`
	Failed     int              `json:"failed"`
}

type Service struct {
	extractor   Extractor
	concurrency int
}

func NewService(extractor Extractor, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{extractor: extractor, concurrency: concurrency}
}

type extraction struct {
	records []document.PageRecord
	report  DocumentReport
}

// Ingest extracts all documents concurrently. A document that cannot be read
// is logged and counted in the report; the rest of the batch still succeeds.
// The returned error is non-nil only when ctx is cancelled.
func (s *Service) Ingest(ctx context.Context, docs []*Document) (document.Context, Report, error) {
	results := make([]*extraction, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.extract(gctx, doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return document.Context{}, Report{}, err
	}

	var (
		pages  []document.PageRecord
		report Report
	)
	for _, r := range results {
		if r == nil {
			continue
		}
		pages = append(pages, r.records...)
		report.Documents = append(report.Documents, r.report)
		report.TotalPages += r.report.Pages
		if r.report.Error != "" {
			report.Failed++
		}
	}

	slog.InfoContext(ctx, "ingestion complete", "documents", len(report.Documents), "pages", report.TotalPages, "failed", report.Failed)
	return document.NewContext(pages), report, nil
}

func (s *Service) extract(ctx context.Context, doc *Document) *extraction {
	out := &extraction{report: DocumentReport{Name: doc.Name, Kind: doc.Kind}}

	texts, err := s.extractor.ExtractPages(ctx, doc.Data)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrIngestion, doc.Name, err)
		slog.WarnContext(ctx, "skipping unreadable document", "document", doc.Name, "kind", doc.Kind, "error", err)
		out.report.Error = err.Error()
		return out
	}

	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out.records = append(out.records, document.PageRecord{
			Document:   doc.Name,
			PageNumber: i + 1,
			Content:    t,
		})
	}
	out.report.Pages = len(out.records)

	slog.InfoContext(ctx, "document extracted", "document", doc.Name, "kind", doc.Kind, "pages", out.report.Pages)
	return out
}

// RequireKind returns ErrMissingDocument unless docs holds a non-nil document of kind.
func RequireKind(docs []*Document, kind Kind) error {
	for _, d := range docs {
		if d != nil && d.Kind == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMissingDocument, kind)
}
