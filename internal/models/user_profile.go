package models

import "time"

// UserProfile is the non-PII side of a user, stored unencrypted.
type UserProfile struct {
	UserID        string     `bson:"user_id" json:"user_id"`
	KYCStatus     KYCStatus  `bson:"kyc_status,omitempty" json:"kyc_status,omitempty"`
	KYCApproved   bool       `bson:"kyc_approved" json:"kyc_approved"`
	KYCApprovedAt *time.Time `bson:"kyc_approved_at,omitempty" json:"kyc_approved_at,omitempty"`
	LastLoginAt   *time.Time `bson:"last_login_at,omitempty" json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
}
