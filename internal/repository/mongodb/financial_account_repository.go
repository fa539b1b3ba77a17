package mongodb

import (
	"context"
	"errors"
	"fmt"

	"paypollen-api/internal/models"
	"paypollen-api/internal/storage"
	"paypollen-api/internal/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// FinancialAccountRepository stores linked bank accounts. Account and
// routing numbers are randomly encrypted, so accounts are only ever
// looked up by user_id or account_id.
type FinancialAccountRepository struct {
	store *storage.EncryptedCollection
}

func NewFinancialAccountRepository(store *storage.EncryptedCollection) *FinancialAccountRepository {
	return &FinancialAccountRepository{store: store}
}

func (r *FinancialAccountRepository) EnsureIndexes(ctx context.Context) error {
	if err := r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name:   "account_id_unique",
		Keys:   bson.D{{Key: "account_id", Value: 1}},
		Unique: true,
	}); err != nil {
		return err
	}
	return r.store.EnsureIndex(ctx, storage.IndexSpec{
		Name: "user_accounts",
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
}

func (r *FinancialAccountRepository) Insert(ctx context.Context, account *models.FinancialAccount) error {
	if err := r.store.InsertOne(ctx, account); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrAlreadyExists
		}
		util.Error("Failed to insert financial account",
			zap.String("account_id", account.AccountID),
			util.UserID(account.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to insert financial account: %w", err)
	}
	return nil
}

func (r *FinancialAccountRepository) ListByUser(ctx context.Context, userID string) ([]*models.FinancialAccount, error) {
	docs, err := r.store.Find(ctx, bson.M{"user_id": userID}, storage.FindOptions{
		Sort: bson.D{{Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list financial accounts: %w", err)
	}

	accounts := make([]*models.FinancialAccount, 0, len(docs))
	for _, doc := range docs {
		var account models.FinancialAccount
		if err := storage.Decode(doc, &account); err != nil {
			return nil, fmt.Errorf("failed to decode financial account: %w", err)
		}
		accounts = append(accounts, &account)
	}
	return accounts, nil
}
