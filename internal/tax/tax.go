// Package tax runs the comparative old/new regime computation over a
// session's full document context.
package tax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taxsaathi/apps/backend/internal/document"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/prompt"
)

type Part string

const (
	PartOldRegime  Part = "old_regime"
	PartNewRegime  Part = "new_regime"
	PartComparison Part = "comparison"
)

var (
	ErrInvalidResult = errors.New("tax computation result invalid")
	ErrEmptyContext  = errors.New("no document text to compute from")
)

// Result holds the three generated texts of one computation. All of them
// were produced from the context identified by Fingerprint.
type Result struct {
	OldRegime         string    `json:"old_regime"`
	NewRegime         string    `json:"new_regime"`
	RecommendedRegime string    `json:"recommended_regime"`
	Fingerprint       string    `json:"fingerprint"`
	Summary           *Summary  `json:"summary,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

type Workflow struct {
	composer  *prompt.Composer
	generator llm.Generator
	now       func() time.Time
}

func NewWorkflow(composer *prompt.Composer, generator llm.Generator) *Workflow {
	return &Workflow{composer: composer, generator: generator, now: time.Now}
}

// Compute issues the old regime, new regime and comparison prompts
// concurrently. The first failure cancels the remaining calls and no partial
// result is returned.
func (w *Workflow) Compute(ctx context.Context, dc document.Context) (*Result, error) {
	if dc.Empty() {
		return nil, ErrEmptyContext
	}
	contextText := dc.Text()
	fingerprint := dc.Fingerprint()

	parts := []struct {
		part   Part
		prompt string
		out    *string
	}{
		{part: PartOldRegime, prompt: w.composer.OldRegime(contextText)},
		{part: PartNewRegime, prompt: w.composer.NewRegime(contextText)},
		{part: PartComparison, prompt: w.composer.Comparison(contextText)},
	}
	res := &Result{Fingerprint: fingerprint}
	parts[0].out = &res.OldRegime
	parts[1].out = &res.NewRegime
	parts[2].out = &res.RecommendedRegime

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			text, err := w.generator.Generate(gctx, p.prompt)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidResult, p.part, err)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("%w: %s: empty output", ErrInvalidResult, p.part)
			}
			*p.out = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "tax computation failed", "error", err, "fingerprint", fingerprint)
		return nil, err
	}

	res.Summary = ParseSummary(res.RecommendedRegime)
	res.GeneratedAt = w.now().UTC()
	slog.InfoContext(ctx, "tax computation completed", "fingerprint", fingerprint, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}
