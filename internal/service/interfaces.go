package service

import (
	"context"
	"crypto/ecdsa"
	"time"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
)

// PIIStore reads and writes the encrypted users collection.
type PIIStore interface {
	Insert(ctx context.Context, record *models.UserPIIRecord) error
	Update(ctx context.Context, userID string, patch models.PIIPatch, at time.Time) error
	Get(ctx context.Context, userID string) (*models.UserPIIRecord, error)
	FindByEmail(ctx context.Context, email string) (*models.UserPIIRecord, error)
	Delete(ctx context.Context, userID string) error
}

type KYCSessionStore interface {
	Insert(ctx context.Context, session *models.KYCSession) error
	FindByIDVID(ctx context.Context, idvID string) (*models.KYCSession, error)
	FindOpenByUser(ctx context.Context, userID string) (*models.KYCSession, error)
	FindLatestByUser(ctx context.Context, userID string) (*models.KYCSession, error)
	ApplyWebhook(ctx context.Context, idvID string, status models.KYCStatus, entry models.WebhookHistoryEntry) (*models.KYCSession, error)
	// MarkRetried reopens idvID. A non-empty newIDVID different from idvID
	// replaces the stored provider id.
	MarkRetried(ctx context.Context, idvID, newIDVID, shareableURL string, at time.Time) (*models.KYCSession, error)
	UpdateProviderState(ctx context.Context, idvID string, status models.KYCStatus, steps *models.KYCSteps, at time.Time) (*models.KYCSession, error)
}

type UserProfileStore interface {
	SetKYCApproved(ctx context.Context, userID string, at time.Time) error
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
}

type AuditStore interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
}

type AccountStore interface {
	Insert(ctx context.Context, account *models.FinancialAccount) error
	ListByUser(ctx context.Context, userID string) ([]*models.FinancialAccount, error)
}

// IdentityProvider issues magic links and sessions.
type IdentityProvider interface {
	LoginOrCreate(ctx context.Context, email string) (string, error)
	AuthenticateMagicLink(ctx context.Context, token, sessionToken string) (*client.MagicLinkResult, error)
	AuthenticateSession(ctx context.Context, sessionToken string) (*client.StytchUser, error)
	RevokeSession(ctx context.Context, sessionToken string) error
}

// IDVProvider hosts the identity verification flow.
type IDVProvider interface {
	CreateSession(ctx context.Context, userID string) (*client.IDVSession, error)
	GetSession(ctx context.Context, idvID string) (*client.IDVSession, error)
	RetrySession(ctx context.Context, userID string) (*client.IDVSession, error)
}

// WebhookKeySource resolves the public key a provider signed a webhook with.
type WebhookKeySource interface {
	WebhookVerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
}

// EventPublisher streams audit events; delivery is best effort.
type EventPublisher interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Metrics is the subset of *metrics.Metrics services report to.
type Metrics interface {
	ObservePIIAccess(action, outcome string)
	ObserveWebhook(status string)
}

type nopMetrics struct{}

func (nopMetrics) ObservePIIAccess(string, string) {}
func (nopMetrics) ObserveWebhook(string)           {}
