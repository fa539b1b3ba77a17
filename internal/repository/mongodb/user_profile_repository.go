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
)

// UserProfileRepository keeps the non-PII side of a user.
type UserProfileRepository struct {
	store storage.DocumentStore
}

func NewUserProfileRepository(store storage.DocumentStore) *UserProfileRepository {
	return &UserProfileRepository{store: store}
}

func (r *UserProfileRepository) EnsureIndexes(ctx context.Context) error {
	return r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name:   "user_id_unique",
		Keys:   bson.D{{Key: "user_id", Value: 1}},
		Unique: true,
	})
}

// SetKYCApproved upserts the approval flag.
func (r *UserProfileRepository) SetKYCApproved(ctx context.Context, userID string, at time.Time) error {
	return r.upsert(ctx, userID, bson.M{
		"kyc_status":      models.KYCStatusApproved,
		"kyc_approved":    true,
		"kyc_approved_at": at,
		"updated_at":      at,
	}, at)
}

func (r *UserProfileRepository) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return r.upsert(ctx, userID, bson.M{
		"last_login_at": at,
		"updated_at":    at,
	}, at)
}

func (r *UserProfileRepository) upsert(ctx context.Context, userID string, set bson.M, at time.Time) error {
	_, err := r.store.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"created_at": at},
		},
		true,
	)
	if err != nil {
		util.Error("Failed to upsert user profile", util.UserID(userID), util.ErrorField(err))
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

func (r *UserProfileRepository) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	doc, err := r.store.FindOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		if errors.Is(err, storage.ErrNoDocument) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}

	var profile models.UserProfile
	if err := storage.Decode(doc, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode user profile: %w", err)
	}
	return &profile, nil
}
