package llm

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultMaxRetries = 1
	DefaultRetryDelay = 500 * time.Millisecond
)

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// Do runs fn until it succeeds, fails with a non-transient error, the retries
// are used up or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay * time.Duration(1<<(attempt-1))
			slog.WarnContext(ctx, "retrying model call", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

// Retrying applies a RetryPolicy to every call of a generator and embedder.
type Retrying struct {
	gen    Generator
	emb    Embedder
	policy RetryPolicy
}

func NewRetrying(gen Generator, emb Embedder, policy RetryPolicy) *Retrying {
	return &Retrying{gen: gen, emb: emb, policy: policy}
}

func (r *Retrying) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := r.policy.Do(ctx, "generate", func(ctx context.Context) error {
		var err error
		out, err = r.gen.Generate(ctx, prompt)
		return err
	})
	return out, err
}

func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.policy.Do(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = r.emb.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch retries the whole batch. Embedders without a batch endpoint are
// called once per text.
func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b, ok := r.emb.(BatchEmbedder)
	if !ok {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			vec, err := r.Embed(ctx, t)
			if err != nil {
				return nil, err
			}
			out[i] = vec
		}
		return out, nil
	}

	var out [][]float32
	err := r.policy.Do(ctx, "embed batch", func(ctx context.Context) error {
		var err error
		out, err = b.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}
