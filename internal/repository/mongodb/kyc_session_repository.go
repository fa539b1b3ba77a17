package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paypollen-api/internal/models"
	"paypollen-api/internal/storage"
	"paypollen-api/internal/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

var newestFirst = storage.FindOptions{Sort: bson.D{{Key: "created_at", Value: -1}}}

// KYCSessionRepository stores identity-verification sessions on the plain
// gateway. Sessions are never deleted.
type KYCSessionRepository struct {
	store storage.DocumentStore
}

func NewKYCSessionRepository(store storage.DocumentStore) *KYCSessionRepository {
	return &KYCSessionRepository{store: store}
}

func (r *KYCSessionRepository) EnsureIndexes(ctx context.Context) error {
	if err := r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name:   "idv_id_unique",
		Keys:   bson.D{{Key: "idv_id", Value: 1}},
		Unique: true,
	}); err != nil {
		return err
	}
	return r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name: "user_created",
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
}

func (r *KYCSessionRepository) Insert(ctx context.Context, session *models.KYCSession) error {
	if session.WebhookHistory == nil {
		session.WebhookHistory = []models.WebhookHistoryEntry{}
	}
	if err := r.store.InsertOne(ctx, session); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrAlreadyExists
		}
		util.Error("Failed to insert KYC session",
			zap.String("idv_id", session.IDVID),
			util.UserID(session.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to insert kyc session: %w", err)
	}
	return nil
}

func (r *KYCSessionRepository) FindByIDVID(ctx context.Context, idvID string) (*models.KYCSession, error) {
	return r.findOne(ctx, bson.M{"idv_id": idvID})
}

// FindOpenByUser returns the user's pending or active session, if any.
func (r *KYCSessionRepository) FindOpenByUser(ctx context.Context, userID string) (*models.KYCSession, error) {
	return r.findOne(ctx, bson.M{
		"user_id": userID,
		"status":  bson.M{"$in": statusList(models.OpenKYCStatuses)},
	}, newestFirst)
}

func (r *KYCSessionRepository) FindLatestByUser(ctx context.Context, userID string) (*models.KYCSession, error) {
	return r.findOne(ctx, bson.M{"user_id": userID}, newestFirst)
}

// ApplyWebhook appends entry to the history and sets the status in a single
// findOneAndUpdate, so concurrent deliveries cannot lose each other's
// history entries.
func (r *KYCSessionRepository) ApplyWebhook(ctx context.Context, idvID string, status models.KYCStatus, entry models.WebhookHistoryEntry) (*models.KYCSession, error) {
	receivedAt := entry.ReceivedAt
	return r.findOneAndUpdate(ctx, idvID, bson.M{
		"$set": bson.M{
			"status":              status,
			"updated_at":          receivedAt,
			"webhook_received_at": receivedAt,
		},
		"$push": bson.M{"webhook_history": entry},
	})
}

// MarkRetried puts the session back to pending with the new URL, and
// moves it to newIDVID when the provider issued a different id.
func (r *KYCSessionRepository) MarkRetried(ctx context.Context, idvID, newIDVID, shareableURL string, at time.Time) (*models.KYCSession, error) {
	set := bson.M{
		"status":        models.KYCStatusPending,
		"shareable_url": shareableURL,
		"updated_at":    at,
	}
	if newIDVID != "" && newIDVID != idvID {
		set["idv_id"] = newIDVID
	}
	return r.findOneAndUpdate(ctx, idvID, bson.M{"$set": set})
}

// UpdateProviderState stores the status and step summary read back from
// the provider.
func (r *KYCSessionRepository) UpdateProviderState(ctx context.Context, idvID string, status models.KYCStatus, steps *models.KYCSteps, at time.Time) (*models.KYCSession, error) {
	set := bson.M{"status": status, "updated_at": at}
	if steps != nil {
		set["steps"] = steps
	}
	return r.findOneAndUpdate(ctx, idvID, bson.M{"$set": set})
}

func (r *KYCSessionRepository) findOneAndUpdate(ctx context.Context, idvID string, update bson.M) (*models.KYCSession, error) {
	doc, err := r.store.FindOneAndUpdate(ctx, bson.M{"idv_id": idvID}, update, false)
	if err != nil {
		if errors.Is(err, storage.ErrNoDocument) {
			return nil, ErrNotFound
		}
		util.Error("Failed to update KYC session", zap.String("idv_id", idvID), util.ErrorField(err))
		return nil, fmt.Errorf("failed to update kyc session: %w", err)
	}
	return decodeSession(doc)
}

func (r *KYCSessionRepository) findOne(ctx context.Context, filter bson.M, opts ...storage.FindOptions) (*models.KYCSession, error) {
	doc, err := r.store.FindOne(ctx, filter, opts...)
	if err != nil {
		if errors.Is(err, storage.ErrNoDocument) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load kyc session: %w", err)
	}
	return decodeSession(doc)
}

func decodeSession(doc bson.M) (*models.KYCSession, error) {
	var session models.KYCSession
	if err := storage.Decode(doc, &session); err != nil {
		return nil, fmt.Errorf("failed to decode kyc session: %w", err)
	}
	return &session, nil
}

func statusList(statuses []models.KYCStatus) bson.A {
	out := make(bson.A, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
