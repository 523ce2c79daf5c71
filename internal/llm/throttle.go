package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled gates a generator and an embedder behind a shared limiter so the
// process stays under the provider's request quota.
type Throttled struct {
	gen     Generator
	emb     Embedder
	limiter *rate.Limiter
}

// NewThrottled returns a wrapper allowing perSecond calls with a burst of one.
// A non-positive rate disables limiting.
func NewThrottled(gen Generator, emb Embedder, perSecond float64) *Throttled {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Throttled{gen: gen, emb: emb, limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttled) Generate(ctx context.Context, prompt string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.gen.Generate(ctx, prompt)
}

func (t *Throttled) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.emb.Embed(ctx, text)
}

// EmbedBatch counts a batch as one request and falls back to single calls
// when the wrapped embedder has no batch endpoint.
func (t *Throttled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if b, ok := t.emb.(BatchEmbedder); ok {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return b.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := t.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
