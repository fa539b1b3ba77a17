package mongodb

import (
	"context"
	"fmt"

	"paypollen-api/internal/models"
	"paypollen-api/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
)

// AuditRepository appends PII access events to the audit_log collection.
// Events hold ids and addresses only, never field values.
type AuditRepository struct {
	store storage.DocumentStore
}

func NewAuditRepository(store storage.DocumentStore) *AuditRepository {
	return &AuditRepository{store: store}
}

func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	return r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name: "target_occurred",
		Keys: bson.D{{Key: "target_id", Value: 1}, {Key: "occurred_at", Value: -1}},
	})
}

func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	if err := r.store.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// ListByTarget returns the most recent events about one user.
func (r *AuditRepository) ListByTarget(ctx context.Context, targetID string, limit int64) ([]*models.AuditEvent, error) {
	docs, err := r.store.Find(ctx, bson.M{"target_id": targetID}, storage.FindOptions{
		Sort:  bson.D{{Key: "occurred_at", Value: -1}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]*models.AuditEvent, 0, len(docs))
	for _, doc := range docs {
		var event models.AuditEvent
		if err := storage.Decode(doc, &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}
