package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paypollen-api/internal/models"
)

type fakeAccountStore struct {
	accounts []*models.FinancialAccount
}

func (f *fakeAccountStore) Insert(_ context.Context, a *models.FinancialAccount) error {
	f.accounts = append(f.accounts, a)
	return nil
}

func (f *fakeAccountStore) ListByUser(_ context.Context, userID string) ([]*models.FinancialAccount, error) {
	var out []*models.FinancialAccount
	for _, a := range f.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func TestAccountCreateMasksNumbers(t *testing.T) {
	store := &fakeAccountStore{}
	svc := NewAccountService(store, zaptest.NewLogger(t))

	view, err := svc.Create(context.Background(), selfPrincipal("user-1"), CreateAccountRequest{
		AccountType:   models.AccountChecking,
		BankName:      "First Bank",
		AccountNumber: "000123456789",
		RoutingNumber: "021000021",
	})
	require.NoError(t, err)
	assert.Equal(t, "********6789", view.AccountNumber)
	assert.Equal(t, "*****0021", view.RoutingNumber)
	assert.Equal(t, "000123456789", store.accounts[0].AccountNumber)

	views, err := svc.List(context.Background(), selfPrincipal("user-1"))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, view.AccountID, views[0].AccountID)

	others, err := svc.List(context.Background(), selfPrincipal("user-2"))
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestAccountCreateValidation(t *testing.T) {
	svc := NewAccountService(&fakeAccountStore{}, zaptest.NewLogger(t))

	_, err := svc.Create(context.Background(), selfPrincipal("user-1"), CreateAccountRequest{
		AccountType:   "brokerage",
		BankName:      "First Bank",
		AccountNumber: "000123456789",
		RoutingNumber: "021000021",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), selfPrincipal("user-1"), CreateAccountRequest{
		AccountType:   models.AccountSavings,
		BankName:      "First Bank",
		AccountNumber: "12",
		RoutingNumber: "021000021",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), nil, CreateAccountRequest{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
