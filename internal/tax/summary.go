package tax

import (
	"regexp"
	"strconv"
	"strings"

	"taxsaathi/apps/backend/internal/text"
)

// Summary is the machine-readable part of the comparison output.
type Summary struct {
	OldRegimeTax float64 `json:"old_regime_tax"`
	NewRegimeTax float64 `json:"new_regime_tax"`
	BetterRegime string  `json:"better_regime"`
	Saving       float64 `json:"saving"`
	HasSaving    bool    `json:"has_saving"`
}

var (
	oldTaxRe = regexp.MustCompile(`(?i)old\s+regime\s+tax\s*:?\s*(?:INR|Rs\.?)?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	newTaxRe = regexp.MustCompile(`(?i)new\s+regime\s+tax\s*:?\s*(?:INR|Rs\.?)?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	betterRe = regexp.MustCompile(`(?i)the\s+(old|new)\s+(?:tax\s+)?regime\s+is\s+more\s+beneficial`)
	savingRe = regexp.MustCompile(`(?i)saving\s+of\s*(?:INR|Rs\.?)?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// ParseSummary extracts the amounts and the recommendation from a comparison
// written in the fixed output format. It returns nil when either tax amount
// is missing.
func ParseSummary(comparison string) *Summary {
	clean := text.CleanMarkdown(comparison)

	oldTax, ok := amount(oldTaxRe, clean)
	if !ok {
		return nil
	}
	newTax, ok := amount(newTaxRe, clean)
	if !ok {
		return nil
	}

	s := &Summary{OldRegimeTax: oldTax, NewRegimeTax: newTax}
	if m := betterRe.FindStringSubmatch(clean); m != nil {
		s.BetterRegime = strings.ToLower(m[1])
	} else if oldTax < newTax {
		s.BetterRegime = "old"
	} else if newTax < oldTax {
		s.BetterRegime = "new"
	}
	if v, ok := amount(savingRe, clean); ok {
		s.Saving, s.HasSaving = v, true
	} else if s.BetterRegime != "" {
		diff := oldTax - newTax
		if diff < 0 {
			diff = -diff
		}
		s.Saving, s.HasSaving = diff, true
	}
	return s
}

func amount(re *regexp.Regexp, s string) (float64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
