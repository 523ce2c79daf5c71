package tax

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"taxsaathi/apps/backend/internal/config"
	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/session"
	taxcalc "taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/worker"
)

const DefaultHistoryLimit = 50

var ErrAsyncDisabled = errors.New("asynchronous computation is not enabled")

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

// NewService wires computation history and task publishing. pub may be nil,
// in which case ComputeAsync fails with ErrAsyncDisabled.
func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// Record stores a finished computation. It is installed as the session
// manager's computed hook, so failures are logged rather than returned.
func (s *Service) Record(ctx context.Context, d session.Detail, res *taxcalc.Result) {
	c := &Computation{
		ID:                uuid.New().String(),
		SessionID:         d.ID,
		Fingerprint:       res.Fingerprint,
		Documents:         []string{},
		OldRegime:         res.OldRegime,
		NewRegime:         res.NewRegime,
		RecommendedRegime: res.RecommendedRegime,
		Summary:           res.Summary,
	}
	if d.Report != nil {
		for _, doc := range d.Report.Documents {
			if doc.Error == "" {
				c.Documents = append(c.Documents, doc.Name)
			}
		}
	}
	if err := s.repo.Save(ctx, c); err != nil {
		slog.ErrorContext(ctx, "failed to record computation", "error", err, "session_id", d.ID)
		return
	}
	slog.InfoContext(ctx, "computation recorded", "id", c.ID, "session_id", d.ID)
}

// ComputeAsync queues a computation for the compute worker.
func (s *Service) ComputeAsync(ctx context.Context, sessionID string) error {
	if s.pub == nil {
		return ErrAsyncDisabled
	}
	body, err := json.Marshal(worker.ComputeTask{
		SessionID:     sessionID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	return s.pub.Publish(config.TopicTaxCompute, body)
}

func (s *Service) History(ctx context.Context, limit int) ([]Computation, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id string) (*Computation, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
