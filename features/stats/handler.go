package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/session"
)

type SessionLister interface {
	List() []session.Summary
}

type ComputationRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorStore interface {
	Count(ctx context.Context, namespace string) (int, error)
}

type Handler struct {
	sessions     SessionLister
	computations ComputationRepo
	vectorStore  VectorStore
}

func NewHandler(s SessionLister, c ComputationRepo, v VectorStore) *Handler {
	return &Handler{sessions: s, computations: c, vectorStore: v}
}

type StatsResponse struct {
	Sessions     int `json:"sessions"`
	Pages        int `json:"pages"`
	Chunks       int `json:"chunks"`
	Computations int `json:"computations"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	sessions := h.sessions.List()
	resp := StatsResponse{Sessions: len(sessions)}
	for _, s := range sessions {
		resp.Pages += s.Pages
		n, err := h.vectorStore.Count(ctx, s.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count chunks", "error", err, "session_id", s.ID, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
			return
		}
		resp.Chunks += n
	}

	cCount, err := h.computations.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count computations", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count computations", http.StatusInternalServerError)
		return
	}
	resp.Computations = cCount

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
