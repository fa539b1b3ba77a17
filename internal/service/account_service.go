package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paypollen-api/internal/models"
	"paypollen-api/internal/util"
)

type CreateAccountRequest struct {
	AccountType   models.AccountType `json:"account_type"`
	BankName      string             `json:"bank_name"`
	AccountNumber string             `json:"account_number"`
	RoutingNumber string             `json:"routing_number"`
	IsPrimary     bool               `json:"is_primary"`
}

func (r *CreateAccountRequest) validate() error {
	if !r.AccountType.Valid() {
		return errors.New("account_type must be checking or savings")
	}
	if strings.TrimSpace(r.BankName) == "" {
		return errors.New("bank_name is required")
	}
	if n := len(r.AccountNumber); n < 4 || n > 17 || !util.IsDigits(r.AccountNumber) {
		return errors.New("account_number must be 4 to 17 digits")
	}
	if len(r.RoutingNumber) != 9 || !util.IsDigits(r.RoutingNumber) {
		return errors.New("routing_number must be 9 digits")
	}
	return nil
}

// AccountService manages linked bank accounts. Account and routing
// numbers are encrypted at rest and masked in every response.
type AccountService struct {
	store  AccountStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAccountService(store AccountStore, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{store: store, logger: logger, now: time.Now}
}

func (s *AccountService) Create(ctx context.Context, principal *models.Principal, req CreateAccountRequest) (*models.FinancialAccountView, error) {
	if principal == nil || principal.UserID == "" {
		return nil, opError(ErrUnauthenticated, "accounts.create", nil)
	}
	if err := req.validate(); err != nil {
		return nil, opError(ErrInvalidInput, "accounts.create", err)
	}

	now := s.now().UTC()
	account := &models.FinancialAccount{
		AccountID:     uuid.NewString(),
		UserID:        principal.UserID,
		AccountType:   req.AccountType,
		BankName:      strings.TrimSpace(req.BankName),
		AccountNumber: req.AccountNumber,
		RoutingNumber: req.RoutingNumber,
		IsPrimary:     req.IsPrimary,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Insert(ctx, account); err != nil {
		return nil, storeError("accounts.create", err)
	}

	s.logger.Info("Financial account linked",
		zap.String("user_id", principal.UserID),
		zap.String("account_id", account.AccountID))
	return maskAccount(account), nil
}

func (s *AccountService) List(ctx context.Context, principal *models.Principal) ([]*models.FinancialAccountView, error) {
	if principal == nil || principal.UserID == "" {
		return nil, opError(ErrUnauthenticated, "accounts.list", nil)
	}

	accounts, err := s.store.ListByUser(ctx, principal.UserID)
	if err != nil {
		return nil, storeError("accounts.list", err)
	}

	views := make([]*models.FinancialAccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, maskAccount(a))
	}
	return views, nil
}

func maskAccount(a *models.FinancialAccount) *models.FinancialAccountView {
	return &models.FinancialAccountView{
		AccountID:     a.AccountID,
		AccountType:   a.AccountType,
		BankName:      a.BankName,
		AccountNumber: util.LastFour(a.AccountNumber),
		RoutingNumber: util.LastFour(a.RoutingNumber),
		IsPrimary:     a.IsPrimary,
		CreatedAt:     a.CreatedAt,
	}
}
