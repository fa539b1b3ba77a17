package models

import "time"

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

func (t AccountType) Valid() bool {
	return t == AccountChecking || t == AccountSavings
}

type FinancialAccount struct {
	AccountID     string      `bson:"account_id" json:"account_id"`
	UserID        string      `bson:"user_id" json:"user_id"`
	AccountType   AccountType `bson:"account_type" json:"account_type"`
	BankName      string      `bson:"bank_name" json:"bank_name"`
	AccountNumber string      `bson:"account_number" json:"-"`
	RoutingNumber string      `bson:"routing_number" json:"-"`
	IsPrimary     bool        `bson:"is_primary" json:"is_primary"`
	CreatedAt     time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `bson:"updated_at" json:"updated_at"`
}

// FinancialAccountView exposes only the trailing digits of account numbers.
type FinancialAccountView struct {
	AccountID     string      `json:"account_id"`
	AccountType   AccountType `json:"account_type"`
	BankName      string      `json:"bank_name"`
	AccountNumber string      `json:"account_number"`
	RoutingNumber string      `json:"routing_number"`
	IsPrimary     bool        `json:"is_primary"`
	CreatedAt     time.Time   `json:"created_at"`
}
