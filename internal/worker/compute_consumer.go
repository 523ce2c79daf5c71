package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/middleware"
)

const DefaultComputeTimeout = 5 * time.Minute

type ComputeConsumer struct {
	computer Computer
	timeout  time.Duration
}

func NewComputeConsumer(c Computer, timeout time.Duration) *ComputeConsumer {
	if timeout <= 0 {
		timeout = DefaultComputeTimeout
	}
	return &ComputeConsumer{computer: c, timeout: timeout}
}

// HandleMessage returns an error only for transient model failures so that
// nsqd requeues the task. Everything else is logged and acked.
func (h *ComputeConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task ComputeTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if task.SessionID == "" {
		slog.Error("poison pill: missing session id")
		return nil
	}

	ctx := middleware.WithSessionID(context.Background(), task.SessionID)
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	res, err := h.computer.Compute(ctx, task.SessionID)
	if err != nil {
		if llm.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			slog.WarnContext(ctx, "compute failed, requeueing", "error", err, "attempts", m.Attempts)
			return err
		}
		slog.ErrorContext(ctx, "compute failed", "error", err)
		return nil
	}

	slog.InfoContext(ctx, "compute task completed", "fingerprint", res.Fingerprint, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
