package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"taxsaathi/apps/backend/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.svc.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to read settings", http.StatusInternalServerError)
		return
	}
	h.writeData(ctx, w, s)
}

// UpdateSettings applies a partial update; fields missing from the body keep
// their current value.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var p Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid settings body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s, err := h.svc.Patch(ctx, p)
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "failed to update settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to update settings", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "settings updated", "retrieval_top_k", s.RetrievalTopK, "chunk_size", s.ChunkSize, "chunk_overlap", s.ChunkOverlap)
	h.writeData(ctx, w, s)
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, s *Settings) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": s}); err != nil {
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
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
