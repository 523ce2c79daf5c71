// Package render produces the downloadable ITR documents.
package render

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/text"
)

const (
	OldRegimeFile = "ITR_Old_Regime.pdf"
	NewRegimeFile = "ITR_New_Regime.pdf"
	BundleFile    = "ITR_Forms.zip"
)

// Page geometry in points. Vertical positions are measured from the bottom
// edge of a US Letter page.
const (
	fontFamily = "Times"
	fontSize   = 12
	pageHeight = 792
	leftMargin = 50
	wrapWidth  = 500
	topY       = 750
	bottomY    = 50
	leading    = 20
)

type File struct {
	Name string
	Data []byte
}

// PDF renders content one line at a time. Each line is stripped of markdown,
// wrapped to the text width and a new page starts when the cursor drops below
// the bottom margin.
func PDF(content string) ([]byte, error) {
	doc := newDocument()
	tr := doc.UnicodeTranslatorFromDescriptor("")

	for _, page := range layout(doc, content) {
		doc.AddPage()
		y := float64(topY)
		for _, line := range page {
			doc.Text(leftMargin, pageHeight-y, tr(line))
			y -= leading
		}
	}
	if doc.PageCount() == 0 {
		doc.AddPage()
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func newDocument() *fpdf.Fpdf {
	doc := fpdf.New("P", "pt", "Letter", "")
	doc.SetAutoPageBreak(false, 0)
	doc.SetFont(fontFamily, "", fontSize)
	return doc
}

// layout splits content into pages of wrapped lines. Lines that are empty
// after cleaning take no vertical space.
func layout(doc *fpdf.Fpdf, content string) [][]string {
	var pages [][]string
	var current []string
	y := topY
	for _, raw := range strings.Split(content, "\n") {
		for _, line := range doc.SplitText(text.CleanMarkdown(raw), wrapWidth) {
			current = append(current, line)
			y -= leading
			if y < bottomY {
				pages = append(pages, current)
				current = nil
				y = topY
			}
		}
	}
	if len(current) > 0 {
		pages = append(pages, current)
	}
	return pages
}

// ITRForms renders the old and new regime documents of a computation.
func ITRForms(res *tax.Result) ([]File, error) {
	oldPDF, err := PDF(res.OldRegime)
	if err != nil {
		return nil, fmt.Errorf("old regime: %w", err)
	}
	newPDF, err := PDF(res.NewRegime)
	if err != nil {
		return nil, fmt.Errorf("new regime: %w", err)
	}
	return []File{
		{Name: OldRegimeFile, Data: oldPDF},
		{Name: NewRegimeFile, Data: newPDF},
	}, nil
}

// Zip bundles files in the given order.
func Zip(files ...File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish zip: %w", err)
	}
	return buf.Bytes(), nil
}
