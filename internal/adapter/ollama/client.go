package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"taxsaathi/apps/backend/internal/llm"
)

const DefaultHost = "http://localhost:11434"

type Config struct {
	Host            string
	GenerationModel string
	EmbeddingModel  string
	Temperature     float32
	Timeout         time.Duration
}

// Client talks to a local Ollama server. It implements llm.Generator and
// llm.BatchEmbedder.
type Client struct {
	api *api.Client
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	hostURL, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.Host, err)
	}
	return &Client{api: api.NewClient(hostURL, http.DefaultClient), cfg: cfg}, nil
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream := false
	req := &api.GenerateRequest{
		Model:  c.cfg.GenerationModel,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": c.cfg.Temperature,
		},
	}

	slog.DebugContext(ctx, "generating content", "model", c.cfg.GenerationModel, "length", len(prompt))
	var sb strings.Builder
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", classify("generate", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", llm.NewError("generate", llm.ErrMalformedResponse, errors.New("empty response"))
	}
	return text, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  c.cfg.EmbeddingModel,
		Prompt: text,
	})
	if err != nil {
		return nil, classify("embed", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, llm.NewError("embed", llm.ErrMalformedResponse, errors.New("empty embedding received"))
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.cfg.EmbeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, classify("embed batch", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, llm.NewError("embed batch", llm.ErrMalformedResponse, errors.New("embedding count mismatch"))
	}
	for _, e := range resp.Embeddings {
		if len(e) == 0 {
			return nil, llm.NewError("embed batch", llm.ErrMalformedResponse, errors.New("empty embedding received"))
		}
	}
	return resp.Embeddings, nil
}

func classify(op string, err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return llm.NewError(op, llm.ErrMissingCredential, err)
		default:
			// Rate limits, server errors and any other non-2xx answer, such
			// as an unknown model.
			return llm.NewError(op, llm.ErrTransient, err)
		}
	}
	return llm.NewError(op, llm.ErrTransient, err)
}
