package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
)

type kycFixture struct {
	svc      *KYCService
	sessions *fakeSessionStore
	profiles *fakeProfileStore
	idv      *fakeIDV
}

func newKYCFixture(t *testing.T) *kycFixture {
	t.Helper()
	sessions := &fakeSessionStore{}
	profiles := newFakeProfileStore()
	idv := &fakeIDV{nextID: "idv_123", nextURL: "https://flow.plaid.com/verify/idv_123"}

	svc := NewKYCService(sessions, profiles, idv, nil, zaptest.NewLogger(t))
	svc.now = fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return &kycFixture{svc: svc, sessions: sessions, profiles: profiles, idv: idv}
}

func (f *kycFixture) seed(idvID, userID string, status models.KYCStatus) {
	f.sessions.sessions = append(f.sessions.sessions, &models.KYCSession{
		IDVID:        idvID,
		UserID:       userID,
		Status:       status,
		ShareableURL: "https://flow.plaid.com/verify/" + idvID,
	})
}

func TestKYCStart_Idempotent(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.Start(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "idv_123", first.IDVID)
	assert.Equal(t, models.KYCStatusPending, first.Status)

	second, created, err := f.svc.Start(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.IDVID, second.IDVID)
	assert.Equal(t, first.ShareableURL, second.ShareableURL)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	assert.Equal(t, 1, f.idv.creates)
	assert.Len(t, f.sessions.sessions, 1)
}

func TestKYCStart_IDFallsBackToURL(t *testing.T) {
	f := newKYCFixture(t)
	f.idv.nextID = ""
	f.idv.nextURL = "https://flow.plaid.com/verify/idv_from_url/"

	session, _, err := f.svc.Start(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "idv_from_url", session.IDVID)
}

func TestKYCStart_ProviderFailure(t *testing.T) {
	f := newKYCFixture(t)
	f.idv.err = client.ErrProviderUnavailable

	_, _, err := f.svc.Start(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrDependency)
	assert.Empty(t, f.sessions.sessions)
}

func TestKYCWebhook_Approved(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusPending)

	session, err := f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            "IDENTITY_VERIFICATION",
		WebhookCode:            "APPROVED",
		IdentityVerificationID: "idv_123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, session.Status)
	assert.Len(t, session.WebhookHistory, 1)
	assert.Contains(t, f.profiles.approved, "user-1")
}

func TestKYCWebhook_RejectedLeavesApprovalFlag(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusPending)

	session, err := f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            "IDENTITY_VERIFICATION",
		WebhookCode:            "REJECTED",
		IdentityVerificationID: "idv_123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusRejected, session.Status)
	assert.Empty(t, f.profiles.approved)
}

func TestKYCWebhook_UnknownSession(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusPending)

	_, err := f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            "IDENTITY_VERIFICATION",
		WebhookCode:            "APPROVED",
		IdentityVerificationID: "idv_missing",
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.sessions.writes)
	assert.Equal(t, models.KYCStatusPending, f.sessions.sessions[0].Status)
	assert.Empty(t, f.profiles.approved)
}

func TestKYCWebhook_WrongType(t *testing.T) {
	f := newKYCFixture(t)
	_, err := f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            "TRANSACTIONS",
		WebhookCode:            "APPROVED",
		IdentityVerificationID: "idv_123",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestKYCWebhook_UnrecognizedCodeStoredLowerCase(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusPending)

	session, err := f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            "IDENTITY_VERIFICATION",
		WebhookCode:            "PENDING_REVIEW",
		IdentityVerificationID: "idv_123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatus("pending_review"), session.Status)
	assert.Equal(t, "PENDING_REVIEW", session.WebhookHistory[0].WebhookCode)
}

func TestKYCRetry_ApprovedIsNotEligible(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusApproved)

	_, err := f.svc.Retry(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.idv.retries)
	assert.Zero(t, f.sessions.writes)
	assert.Equal(t, models.KYCStatusApproved, f.sessions.sessions[0].Status)
}

func TestKYCRetry_FailedGoesBackToPending(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusFailed)
	f.idv.nextURL = "https://flow.plaid.com/verify/idv_123?retry=1"

	session, err := f.svc.Retry(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, session.Status)
	assert.Equal(t, "https://flow.plaid.com/verify/idv_123?retry=1", session.ShareableURL)
	assert.Equal(t, 1, f.idv.retries)
}

func TestKYCRetry_NewerOpenSessionBlocksRetry(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_old", "user-1", models.KYCStatusFailed)
	f.seed("idv_new", "user-1", models.KYCStatusPending)

	_, err := f.svc.Retry(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Zero(t, f.idv.retries)
	assert.Zero(t, f.sessions.writes)
	assert.Equal(t, models.KYCStatusFailed, f.sessions.sessions[0].Status)
}

func TestKYCRetry_StoresNewProviderID(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusExpired)
	f.idv.nextID = "idv_456"
	f.idv.nextURL = "https://flow.plaid.com/verify/idv_456"

	session, err := f.svc.Retry(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "idv_456", session.IDVID)
	assert.Equal(t, models.KYCStatusPending, session.Status)

	_, err = f.svc.OnWebhook(context.Background(), models.WebhookEvent{
		WebhookType:            WebhookTypeIdentityVerification,
		WebhookCode:            "APPROVED",
		IdentityVerificationID: "idv_456",
	})
	require.NoError(t, err)
}

func TestKYCStatus_RefreshesFromProvider(t *testing.T) {
	f := newKYCFixture(t)
	f.seed("idv_123", "user-1", models.KYCStatusPending)
	f.idv.getStatus = "success"
	f.idv.steps = &models.KYCSteps{KYCCheck: "success"}

	session, err := f.svc.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, session.Status)
	assert.Equal(t, "success", session.Steps.KYCCheck)
	assert.Contains(t, f.profiles.approved, "user-1")
}

func TestKYCStatus_NoSession(t *testing.T) {
	f := newKYCFixture(t)
	_, err := f.svc.Status(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIDVIDFromURL(t *testing.T) {
	assert.Equal(t, "idv_1", idvIDFromURL("https://flow.plaid.com/verify/idv_1"))
	assert.Equal(t, "", idvIDFromURL(""))
	assert.Equal(t, "", idvIDFromURL("https://flow.plaid.com"))
}
