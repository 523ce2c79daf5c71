// Package mcp exposes the session pipeline as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/session"
	"taxsaathi/apps/backend/internal/tax"
)

const Version = "1.0.0"

type Sessions interface {
	Ask(ctx context.Context, id, query string) (*rag.QueryAnswer, error)
	Compute(ctx context.Context, id string) (*tax.Result, error)
	List() []session.Summary
}

type AskInput struct {
	SessionID string `json:"session_id" jsonschema:"the session whose documents are searched"`
	Question  string `json:"question" jsonschema:"a question about the uploaded tax documents"`
}

type AskOutput struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

type Source struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Content    string  `json:"content"`
}

type ComputeInput struct {
	SessionID string `json:"session_id" jsonschema:"the session to compute old and new regime tax for"`
}

type ComputeOutput struct {
	OldRegime         string       `json:"old_regime"`
	NewRegime         string       `json:"new_regime"`
	RecommendedRegime string       `json:"recommended_regime"`
	Summary           *tax.Summary `json:"summary,omitempty"`
}

type SessionsInput struct{}

type SessionsOutput struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

// Handler serves the tools over the streamable HTTP transport.
type Handler struct {
	sessions Sessions
	server   *mcp.Server
	http     http.Handler
}

func NewHandler(s Sessions) *Handler {
	h := &Handler{
		sessions: s,
		server:   mcp.NewServer(&mcp.Implementation{Name: "taxsaathi", Version: Version}, nil),
	}

	mcp.AddTool(h.server, &mcp.Tool{
		Name:        "taxsaathi_ask",
		Description: "Answer a question about Indian income tax using the documents uploaded to a session",
	}, h.handleAsk)
	mcp.AddTool(h.server, &mcp.Tool{
		Name:        "taxsaathi_compute",
		Description: "Draft ITR-2 forms under the old and new tax regimes and recommend the cheaper one",
	}, h.handleCompute)
	mcp.AddTool(h.server, &mcp.Tool{
		Name:        "taxsaathi_sessions",
		Description: "List sessions with their page counts and whether a computation exists",
	}, h.handleSessions)

	h.http = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return h.server
	}, nil)
	return h
}

func (h *Handler) Server() *mcp.Server {
	return h.server
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.http.ServeHTTP(w, r)
}

func (h *Handler) handleAsk(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
	if in.SessionID == "" || in.Question == "" {
		return nil, AskOutput{}, errors.New("session_id and question are required")
	}
	ctx = middleware.WithSessionID(ctx, in.SessionID)
	slog.InfoContext(ctx, "mcp tool call", "tool", "taxsaathi_ask")

	ans, err := h.sessions.Ask(ctx, in.SessionID, in.Question)
	if err != nil {
		return nil, AskOutput{}, err
	}

	out := AskOutput{Answer: ans.Answer, Sources: make([]Source, len(ans.Sources))}
	for i, hit := range ans.Sources {
		out.Sources[i] = Source{ChunkIndex: hit.Chunk.Index, Score: hit.Score, Content: hit.Chunk.Content}
	}
	return nil, out, nil
}

func (h *Handler) handleCompute(ctx context.Context, _ *mcp.CallToolRequest, in ComputeInput) (*mcp.CallToolResult, ComputeOutput, error) {
	if in.SessionID == "" {
		return nil, ComputeOutput{}, errors.New("session_id is required")
	}
	ctx = middleware.WithSessionID(ctx, in.SessionID)
	slog.InfoContext(ctx, "mcp tool call", "tool", "taxsaathi_compute")

	res, err := h.sessions.Compute(ctx, in.SessionID)
	if err != nil {
		return nil, ComputeOutput{}, err
	}
	return nil, ComputeOutput{
		OldRegime:         res.OldRegime,
		NewRegime:         res.NewRegime,
		RecommendedRegime: res.RecommendedRegime,
		Summary:           res.Summary,
	}, nil
}

func (h *Handler) handleSessions(ctx context.Context, _ *mcp.CallToolRequest, _ SessionsInput) (*mcp.CallToolResult, SessionsOutput, error) {
	list := h.sessions.List()
	if list == nil {
		list = []session.Summary{}
	}
	return nil, SessionsOutput{Sessions: list, Count: len(list)}, nil
}
