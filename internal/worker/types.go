package worker

import (
	"context"

	"taxsaathi/apps/backend/internal/tax"
)

// ComputeTask is the body of a tax.compute message.
type ComputeTask struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
}

type Computer interface {
	Compute(ctx context.Context, sessionID string) (*tax.Result, error)
}
