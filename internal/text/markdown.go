package text

import (
	"regexp"
	"strings"
)

var (
	boldRe    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicRe  = regexp.MustCompile(`\*(.*?)\*`)
	codeRe    = regexp.MustCompile("`(.*?)`")
	headingRe = regexp.MustCompile(`#{1,6}\s?`)
	bracketRe = regexp.MustCompile(`[\[\]]`)
)

// CleanMarkdown turns model output into plain prose for document rendering:
// bold, italic and inline code markers, heading hashes and square brackets are
// dropped and the Rupee sign becomes "INR".
//
// The rules are applied until the text stops changing, so
// CleanMarkdown(CleanMarkdown(s)) == CleanMarkdown(s).
func CleanMarkdown(s string) string {
	for {
		next := cleanMarkdownOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func cleanMarkdownOnce(s string) string {
	s = boldRe.ReplaceAllString(s, "$1")
	s = italicRe.ReplaceAllString(s, "$1")
	s = codeRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "")
	s = bracketRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "₹", "INR")
	return strings.TrimSpace(s)
}
