package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paypollen-api/internal/models"
)

// AuditService records PII access. The Mongo audit log is authoritative;
// the event stream is a best-effort copy.
type AuditService struct {
	store     AuditStore
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuditService(store AuditStore, publisher EventPublisher, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Record writes one audit event for principal acting on targetID.
// Infrastructure principals are not audited.
func (s *AuditService) Record(ctx context.Context, principal *models.Principal, action models.AuditAction, targetID string) error {
	if principal.IsInfrastructure() {
		return nil
	}

	event := &models.AuditEvent{
		EventID:    uuid.NewString(),
		Action:     action,
		ActorID:    principal.UserID,
		TargetID:   targetID,
		SourceIP:   principal.SourceIP,
		UserAgent:  principal.UserAgent,
		RequestID:  principal.RequestID,
		OccurredAt: s.now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.store.Insert(gctx, event); err != nil {
			return opError(ErrDependency, "audit.record", err)
		}
		return nil
	})
	if s.publisher != nil {
		g.Go(func() error {
			s.publish(gctx, event)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to record audit event",
			zap.String("action", string(action)),
			zap.String("actor_id", event.ActorID),
			zap.String("target_id", targetID),
			zap.Error(err))
		return err
	}

	s.logger.Info("PII access audited",
		zap.String("event_id", event.EventID),
		zap.String("action", string(action)),
		zap.String("actor_id", event.ActorID),
		zap.String("target_id", targetID))
	return nil
}

func (s *AuditService) publish(ctx context.Context, event *models.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to encode audit event", zap.Error(err))
		return
	}
	headers := map[string]string{"action": string(event.Action), "event_id": event.EventID}
	if err := s.publisher.Produce(ctx, []byte(event.TargetID), payload, headers); err != nil {
		s.logger.Warn("Failed to publish audit event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
}
