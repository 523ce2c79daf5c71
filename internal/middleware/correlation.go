package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type key int

const (
	CorrelationKey key = iota
	SessionKey
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// CorrelationID tags the request context with the X-Correlation-ID header,
// or a new id, and with the session of /sessions/{id} routes. It must wrap
// the handler registered on the mux so path values are set.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), CorrelationKey, id)
		if sid := r.PathValue("id"); sid != "" && strings.HasPrefix(r.URL.Path, "/sessions/") {
			ctx = WithSessionID(ctx, sid)
		}
		w.Header().Set("X-Correlation-ID", id)

		slog.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path) // #nosec G706 -- r.URL.Path is parsed by Go's net/http
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start)) // #nosec G706
	})
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}

// WithSessionID tags ctx so log records carry the tax session they belong to.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionKey, id)
}

func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(SessionKey).(string)
	return id
}
