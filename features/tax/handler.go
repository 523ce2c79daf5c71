package tax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/render"
	"taxsaathi/apps/backend/internal/session"
	taxcalc "taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/vector"
)

const DefaultMaxUploadBytes = 50 << 20

// Upload form fields.
const (
	FieldForm16           = "form_16"
	FieldInvestmentProofs = "investment_proofs"
	FieldBankStatements   = "bank_statements"
)

var uploadFields = []struct {
	field string
	kind  ingest.Kind
	exts  map[string]bool
}{
	{FieldForm16, ingest.KindForm16, map[string]bool{".pdf": true}},
	{FieldInvestmentProofs, ingest.KindInvestmentProof, map[string]bool{".pdf": true, ".jpeg": true, ".jpg": true, ".png": true}},
	{FieldBankStatements, ingest.KindBankStatement, map[string]bool{".pdf": true}},
}

type Handler struct {
	sessions       *session.Manager
	service        *Service
	maxUploadBytes int64
}

func NewHandler(sessions *session.Manager, service *Service, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{sessions: sessions, service: service, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": s.Summary()}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	h.writeJSON(r.Context(), w, map[string]interface{}{
		"data": list,
		"meta": map[string]int{"count": len(list)},
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, map[string]interface{}{"data": s.Detail()})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Reset(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Upload ingests a multipart form with one Form 16 and optional investment
// proofs and bank statements.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.sessions.Get(id); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Upload too large or not a multipart form", http.StatusBadRequest)
		return
	}

	var docs []*ingest.Document
	for _, f := range uploadFields {
		for _, header := range r.MultipartForm.File[f.field] {
			ext := strings.ToLower(filepath.Ext(header.Filename))
			if !f.exts[ext] {
				h.writeError(ctx, w, "VALIDATION_ERROR", fmt.Sprintf("Unsupported file type %q for %s", ext, f.field), http.StatusBadRequest)
				return
			}
			data, err := readPart(header)
			if err != nil {
				h.writeError(ctx, w, "VALIDATION_ERROR", "Unable to read "+header.Filename, http.StatusBadRequest)
				return
			}
			docs = append(docs, &ingest.Document{Name: filepath.Base(header.Filename), Kind: f.kind, Data: data})
		}
	}
	if len(r.MultipartForm.File[FieldForm16]) > 1 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Only one Form 16 may be uploaded", http.StatusBadRequest)
		return
	}

	report, err := h.sessions.Ingest(ctx, id, docs)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, map[string]interface{}{"data": report})
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Query is required", http.StatusBadRequest)
		return
	}

	ans, err := h.sessions.Ask(r.Context(), r.PathValue("id"), req.Query)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, map[string]interface{}{"data": ans})
}

// Compute runs the regime comparison synchronously, or queues it when called
// with ?async=true.
func (h *Handler) Compute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s, err := h.sessions.Get(id)
		if err != nil {
			h.writeServiceError(ctx, w, err)
			return
		}
		if s.Documents().Empty() {
			h.writeServiceError(ctx, w, session.ErrNoDocuments)
			return
		}
		if err := h.service.ComputeAsync(ctx, id); err != nil {
			h.writeServiceError(ctx, w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"session_id": id, "status": "queued"},
		}); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
		return
	}

	res, err := h.sessions.Compute(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, map[string]interface{}{"data": res})
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Result(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, map[string]interface{}{"data": res})
}

// DownloadITR serves the ITR PDF of the old or new regime.
func (h *Handler) DownloadITR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.sessions.Result(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	var content, name string
	switch r.PathValue("regime") {
	case "old":
		content, name = res.OldRegime, render.OldRegimeFile
	case "new":
		content, name = res.NewRegime, render.NewRegimeFile
	default:
		h.writeError(ctx, w, "VALIDATION_ERROR", "Regime must be old or new", http.StatusBadRequest)
		return
	}

	data, err := render.PDF(content)
	if err != nil {
		slog.ErrorContext(ctx, "failed to render itr", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to render document", http.StatusInternalServerError)
		return
	}
	h.writeFile(ctx, w, name, "application/pdf", data)
}

func (h *Handler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.sessions.Result(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	files, err := render.ITRForms(res)
	if err == nil {
		var data []byte
		if data, err = render.Zip(files...); err == nil {
			h.writeFile(ctx, w, render.BundleFile, "application/zip", data)
			return
		}
	}
	slog.ErrorContext(ctx, "failed to build itr bundle", "error", err)
	h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to render documents", http.StatusInternalServerError)
}

func (h *Handler) ListComputations(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	items, err := h.service.History(r.Context(), limit)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	if items == nil {
		items = []Computation{}
	}
	h.writeJSON(r.Context(), w, map[string]interface{}{
		"data": items,
		"meta": map[string]int{"count": len(items)},
	})
}

func (h *Handler) GetComputation(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, map[string]interface{}{"data": c})
}

// writeServiceError maps pipeline errors to codes a client can act on.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Session not found", http.StatusNotFound)
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Computation not found", http.StatusNotFound)
	case errors.Is(err, ingest.ErrMissingDocument):
		h.writeError(ctx, w, "MISSING_DOCUMENT", "Form 16 is required to proceed", http.StatusBadRequest)
	case errors.Is(err, session.ErrNoDocuments):
		h.writeError(ctx, w, "NO_DOCUMENTS", "Upload documents before asking or computing", http.StatusBadRequest)
	case errors.Is(err, session.ErrNoResult):
		h.writeError(ctx, w, "NO_RESULT", "Run a computation first", http.StatusNotFound)
	case errors.Is(err, rag.ErrEmptyQuery), errors.Is(err, ErrAsyncDisabled):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrStale), errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
		h.writeError(ctx, w, "CANCELLED", "The session changed while the request was running", http.StatusConflict)
	case errors.Is(err, llm.ErrMissingCredential):
		h.writeError(ctx, w, "MISSING_CREDENTIAL", "The language model API key is missing or invalid", http.StatusServiceUnavailable)
	case errors.Is(err, taxcalc.ErrInvalidResult) && errors.Is(err, llm.ErrTransient):
		slog.WarnContext(ctx, "tax computation failed", "error", err)
		h.writeError(ctx, w, "COMPUTATION_INVALID", "The language model is temporarily unavailable, please retry the computation", http.StatusBadGateway)
	case errors.Is(err, taxcalc.ErrInvalidResult):
		slog.ErrorContext(ctx, "tax computation failed", "error", err)
		h.writeError(ctx, w, "COMPUTATION_INVALID", "The tax computation did not produce a usable result", http.StatusBadGateway)
	case errors.Is(err, vector.ErrEmbedding):
		h.writeError(ctx, w, "EMBEDDING_FAILED", "Embedding failed, please retry", http.StatusBadGateway)
	case errors.Is(err, llm.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		h.writeError(ctx, w, "REMOTE_UNAVAILABLE", "The language model is unavailable, please retry", http.StatusBadGateway)
	case errors.Is(err, llm.ErrMalformedResponse):
		h.writeError(ctx, w, "MALFORMED_RESPONSE", "The language model returned an unusable response", http.StatusBadGateway)
	default:
		slog.ErrorContext(ctx, "request failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeFile(ctx context.Context, w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write file response", "error", err, "file", name)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
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
