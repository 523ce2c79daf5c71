// Package llm defines the remote model capabilities the pipeline depends on:
// text generation and text embedding. Vendor adapters live under
// internal/adapter and return errors built from the kinds in this package.
package llm

import "context"

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can embed many texts in one
// round trip. Results are positionally aligned with the input.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// EmbedderFunc adapts a plain function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
