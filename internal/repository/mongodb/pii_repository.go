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

// PIIRepository reads and writes the users collection. The store it is
// given must be an encrypted collection; field values are never logged.
type PIIRepository struct {
	store *storage.EncryptedCollection
}

func NewPIIRepository(store *storage.EncryptedCollection) *PIIRepository {
	return &PIIRepository{store: store}
}

func (r *PIIRepository) EnsureIndexes(ctx context.Context) error {
	if err := r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name:   "user_id_unique",
		Keys:   bson.D{{Key: "user_id", Value: 1}},
		Unique: true,
	}); err != nil {
		return err
	}
	return r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name: "email_lookup",
		Keys: bson.D{{Key: "email", Value: 1}},
	})
}

func (r *PIIRepository) Insert(ctx context.Context, record *models.UserPIIRecord) error {
	if err := r.store.InsertOne(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrAlreadyExists
		}
		util.Error("Failed to insert PII record", util.UserID(record.UserID), util.ErrorField(err))
		return fmt.Errorf("failed to insert pii record: %w", err)
	}
	return nil
}

func (r *PIIRepository) Update(ctx context.Context, userID string, patch models.PIIPatch, at time.Time) error {
	set := bson.M{"updated_at": at}
	if patch.Email != nil {
		set["email"] = *patch.Email
	}
	if patch.Phone != nil {
		set["phone"] = *patch.Phone
	}
	if patch.SSN != nil {
		set["ssn"] = *patch.SSN
	}
	if a := patch.Address; a != nil {
		for path, value := range map[string]string{
			"address.street":   a.Street,
			"address.city":     a.City,
			"address.state":    a.State,
			"address.zip_code": a.ZipCode,
		} {
			if value != "" {
				set[path] = value
			}
		}
	}

	result, err := r.store.UpdateOne(ctx, bson.M{"user_id": userID}, bson.M{"$set": set}, false)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrAlreadyExists
		}
		util.Error("Failed to update PII record", util.UserID(userID), util.ErrorField(err))
		return fmt.Errorf("failed to update pii record: %w", err)
	}
	if result.Matched == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PIIRepository) Get(ctx context.Context, userID string) (*models.UserPIIRecord, error) {
	return r.findOne(ctx, bson.M{"user_id": userID})
}

// FindByEmail works because email is deterministically encrypted.
func (r *PIIRepository) FindByEmail(ctx context.Context, email string) (*models.UserPIIRecord, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *PIIRepository) findOne(ctx context.Context, filter bson.M) (*models.UserPIIRecord, error) {
	doc, err := r.store.FindOne(ctx, filter)
	if err != nil {
		if errors.Is(err, storage.ErrNoDocument) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pii record: %w", err)
	}

	var record models.UserPIIRecord
	if err := storage.Decode(doc, &record); err != nil {
		return nil, fmt.Errorf("failed to decode pii record: %w", err)
	}
	return &record, nil
}

func (r *PIIRepository) Delete(ctx context.Context, userID string) error {
	deleted, err := r.store.DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		util.Error("Failed to delete PII record", util.UserID(userID), util.ErrorField(err))
		return fmt.Errorf("failed to delete pii record: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	util.Info("PII record erased", zap.String("user_id", userID))
	return nil
}
