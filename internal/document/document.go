package document

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// PageSeparator joins page contents into the context text used by both the
// retrieval and the computation paths.
const PageSeparator = "\n\n"

// PageRecord is one successfully parsed, non-empty page of an uploaded document.
type PageRecord struct {
	Document   string `json:"document"`
	PageNumber int    `json:"page_number"`
	Content    string `json:"page_content"`
}

// Context is the ordered set of pages a session works against.
type Context struct {
	Pages []PageRecord `json:"pages"`
}

func NewContext(pages []PageRecord) Context {
	cp := make([]PageRecord, len(pages))
	copy(cp, pages)
	return Context{Pages: cp}
}

func (c Context) Empty() bool {
	return len(c.Pages) == 0
}

// Text concatenates page contents in order.
func (c Context) Text() string {
	parts := make([]string, len(c.Pages))
	for i, p := range c.Pages {
		parts[i] = p.Content
	}
	return strings.Join(parts, PageSeparator)
}

// Fingerprint is a content hash of Text. Two contexts with the same text share
// a fingerprint regardless of how their pages were produced.
func (c Context) Fingerprint() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(c.Text())))
}
