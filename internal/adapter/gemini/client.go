package gemini

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"taxsaathi/apps/backend/internal/llm"
)

const (
	DefaultGenerationModel = "gemini-1.5-pro"
	DefaultEmbeddingModel  = "embedding-001"
	DefaultTemperature     = 0.2
	DefaultTimeout         = 60 * time.Second
)

type Config struct {
	APIKey          string
	GenerationModel string
	EmbeddingModel  string
	Temperature     float32
	Timeout         time.Duration
}

// Client implements llm.Generator and llm.BatchEmbedder on top of the Gemini
// API. The underlying genai client is created on first use.
type Client struct {
	cfg        Config
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client *genai.Client
}

func NewClient(cfg Config, opts ...option.ClientOption) *Client {
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = DefaultGenerationModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg, clientOpts: opts}
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return "", llm.NewError("generate", llm.ErrMissingCredential, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	model := client.GenerativeModel(c.cfg.GenerationModel)
	model.SetTemperature(c.cfg.Temperature)

	slog.DebugContext(ctx, "generating content", "model", c.cfg.GenerationModel, "length", len(prompt))
	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify("generate", err)
	}

	text := responseText(res)
	if text == "" {
		return "", llm.NewError("generate", llm.ErrMalformedResponse, errors.New("no text in response"))
	}
	return text, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, llm.NewError("embed", llm.ErrMissingCredential, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	em := client.EmbeddingModel(c.cfg.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classify("embed", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, llm.NewError("embed", llm.ErrMalformedResponse, errors.New("empty embedding received"))
	}
	return res.Embedding.Values, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, llm.NewError("embed batch", llm.ErrMissingCredential, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	em := client.EmbeddingModel(c.cfg.EmbeddingModel)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	slog.DebugContext(ctx, "embedding batch", "model", c.cfg.EmbeddingModel, "count", len(texts))
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify("embed batch", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, llm.NewError("embed batch", llm.ErrMalformedResponse, errors.New("embedding count mismatch"))
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, llm.NewError("embed batch", llm.ErrMalformedResponse, errors.New("empty embedding received"))
		}
		out[i] = e.Values
	}
	return out, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) getClient(ctx context.Context) (*genai.Client, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	opts := append([]option.ClientOption{option.WithAPIKey(c.cfg.APIKey)}, c.clientOpts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range res.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}

func classify(op string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return llm.NewError(op, llm.ErrMalformedResponse, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return llm.NewError(op, llm.ErrMissingCredential, err)
		case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
			return llm.NewError(op, llm.ErrMissingCredential, err)
		default:
			// Rate limits, server errors and any other non-2xx answer, such
			// as an unknown model.
			return llm.NewError(op, llm.ErrTransient, err)
		}
	}

	// Timeouts, network failures and cancellation end up here.
	return llm.NewError(op, llm.ErrTransient, err)
}
