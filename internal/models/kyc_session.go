package models

import (
	"strings"
	"time"
)

type KYCStatus string

const (
	KYCStatusPending       KYCStatus = "pending"
	KYCStatusActive        KYCStatus = "active"
	KYCStatusApproved      KYCStatus = "approved"
	KYCStatusRejected      KYCStatus = "rejected"
	KYCStatusFailed        KYCStatus = "failed"
	KYCStatusExpired       KYCStatus = "expired"
	KYCStatusCanceled      KYCStatus = "canceled"
	KYCStatusRequiresRetry KYCStatus = "requires_retry"
)

// IsOpen reports whether a session still blocks creation of a new one.
func (s KYCStatus) IsOpen() bool {
	return s == KYCStatusPending || s == KYCStatusActive
}

// IsRetryable reports whether the provider accepts a retry for the session.
func (s KYCStatus) IsRetryable() bool {
	return s == KYCStatusFailed || s == KYCStatusExpired || s == KYCStatusRequiresRetry
}

// OpenKYCStatuses lists the statuses IsOpen accepts, for queries.
var OpenKYCStatuses = []KYCStatus{KYCStatusPending, KYCStatusActive}

// WebhookCode is a provider status code. Known codes map onto a KYCStatus;
// anything else is kept as its raw lower-cased text.
type WebhookCode struct {
	raw    string
	status KYCStatus
	known  bool
}

var knownWebhookCodes = map[string]KYCStatus{
	"PENDING":        KYCStatusPending,
	"ACTIVE":         KYCStatusActive,
	"APPROVED":       KYCStatusApproved,
	"SUCCESS":        KYCStatusApproved,
	"REJECTED":       KYCStatusRejected,
	"FAILED":         KYCStatusFailed,
	"EXPIRED":        KYCStatusExpired,
	"CANCELED":       KYCStatusCanceled,
	"CANCELLED":      KYCStatusCanceled,
	"REQUIRES_RETRY": KYCStatusRequiresRetry,
}

func ParseWebhookCode(code string) WebhookCode {
	code = strings.TrimSpace(code)
	if status, ok := knownWebhookCodes[strings.ToUpper(code)]; ok {
		return WebhookCode{raw: code, status: status, known: true}
	}
	return WebhookCode{raw: code, status: KYCStatus(strings.ToLower(code))}
}

func (c WebhookCode) Raw() string { return c.raw }

// Known reports whether the code is one of the recognized statuses.
func (c WebhookCode) Known() bool { return c.known }

// Status is the value persisted on the session.
func (c WebhookCode) Status() KYCStatus { return c.status }

// WebhookEvent is the body the IDV provider posts.
type WebhookEvent struct {
	WebhookType            string `json:"webhook_type"`
	WebhookCode            string `json:"webhook_code"`
	IdentityVerificationID string `json:"identity_verification_id"`
	Environment            string `json:"environment,omitempty"`
}

type WebhookHistoryEntry struct {
	WebhookType string    `bson:"webhook_type" json:"webhook_type"`
	WebhookCode string    `bson:"webhook_code" json:"webhook_code"`
	ReceivedAt  time.Time `bson:"received_at" json:"received_at"`
}

// KYCSteps mirrors the provider's per-step summary.
type KYCSteps struct {
	AcceptTOS          string `bson:"accept_tos,omitempty" json:"accept_tos,omitempty"`
	VerifySMS          string `bson:"verify_sms,omitempty" json:"verify_sms,omitempty"`
	KYCCheck           string `bson:"kyc_check,omitempty" json:"kyc_check,omitempty"`
	DocumentaryCheck   string `bson:"documentary_verification,omitempty" json:"documentary_verification,omitempty"`
	SelfieCheck        string `bson:"selfie_check,omitempty" json:"selfie_check,omitempty"`
	WatchlistScreening string `bson:"watchlist_screening,omitempty" json:"watchlist_screening,omitempty"`
	RiskCheck          string `bson:"risk_check,omitempty" json:"risk_check,omitempty"`
}

type KYCSession struct {
	IDVID             string                `bson:"idv_id" json:"idv_id"`
	UserID            string                `bson:"user_id" json:"user_id"`
	ShareableURL      string                `bson:"shareable_url" json:"shareable_url"`
	Status            KYCStatus             `bson:"status" json:"status"`
	Steps             *KYCSteps             `bson:"steps,omitempty" json:"steps,omitempty"`
	WebhookHistory    []WebhookHistoryEntry `bson:"webhook_history" json:"webhook_history"`
	WebhookReceivedAt *time.Time            `bson:"webhook_received_at,omitempty" json:"webhook_received_at,omitempty"`
	CreatedAt         time.Time             `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time             `bson:"updated_at" json:"updated_at"`
}
