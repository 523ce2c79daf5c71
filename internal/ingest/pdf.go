package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads page text with github.com/ledongthuc/pdf.
type PDFExtractor struct{}

func (PDFExtractor) ExtractPages(ctx context.Context, data []byte) (pages []string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("failed to parse PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}
