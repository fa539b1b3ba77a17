package service

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"paypollen-api/internal/models"
)

// WebhookTypeIdentityVerification is the only webhook family accepted.
const WebhookTypeIdentityVerification = "IDENTITY_VERIFICATION"

// KYCService drives identity verification sessions. It holds no locks;
// each transition is a single atomic document update.
type KYCService struct {
	sessions KYCSessionStore
	profiles UserProfileStore
	idv      IDVProvider
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewKYCService(sessions KYCSessionStore, profiles UserProfileStore, idv IDVProvider, metrics Metrics, logger *zap.Logger) *KYCService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KYCService{sessions: sessions, profiles: profiles, idv: idv, metrics: metrics, logger: logger, now: time.Now}
}

// Start returns the user's open session or creates one at the provider.
// created is false when an existing session was returned unchanged.
func (s *KYCService) Start(ctx context.Context, userID string) (session *models.KYCSession, created bool, err error) {
	if userID == "" {
		return nil, false, opError(ErrUnauthenticated, "kyc.start", nil)
	}

	existing, err := s.sessions.FindOpenByUser(ctx, userID)
	switch {
	case err == nil:
		return existing, false, nil
	case !isStoreNotFound(err):
		return nil, false, storeError("kyc.start", err)
	}

	idv, err := s.idv.CreateSession(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to create IDV session", zap.String("user_id", userID), zap.Error(err))
		return nil, false, providerError("kyc.start", err, ErrDependency)
	}

	idvID := idv.ID
	if idvID == "" {
		idvID = idvIDFromURL(idv.ShareableURL)
		s.logger.Warn("IDV create response had no id, derived it from the shareable url",
			zap.String("user_id", userID),
			zap.String("idv_id", idvID))
	}
	if idvID == "" {
		return nil, false, opError(ErrDependency, "kyc.start", errors.New("provider returned no session id"))
	}

	now := s.now().UTC()
	session = &models.KYCSession{
		IDVID:          idvID,
		UserID:         userID,
		ShareableURL:   idv.ShareableURL,
		Status:         models.KYCStatusPending,
		Steps:          idv.Steps,
		WebhookHistory: []models.WebhookHistoryEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return nil, false, storeError("kyc.start", err)
	}

	s.logger.Info("KYC session started", zap.String("user_id", userID), zap.String("idv_id", idvID))
	return session, true, nil
}

// OnWebhook applies one provider event. Unknown sessions are reported as
// not found and left untouched.
func (s *KYCService) OnWebhook(ctx context.Context, event models.WebhookEvent) (*models.KYCSession, error) {
	if event.WebhookType != WebhookTypeIdentityVerification {
		return nil, opError(ErrInvalidInput, "kyc.webhook", errors.New("unsupported webhook_type"))
	}
	if strings.TrimSpace(event.IdentityVerificationID) == "" {
		return nil, opError(ErrInvalidInput, "kyc.webhook", errors.New("identity_verification_id is required"))
	}
	code := models.ParseWebhookCode(event.WebhookCode)
	if code.Raw() == "" {
		return nil, opError(ErrInvalidInput, "kyc.webhook", errors.New("webhook_code is required"))
	}
	if !code.Known() {
		s.logger.Warn("Unrecognized IDV webhook code",
			zap.String("idv_id", event.IdentityVerificationID),
			zap.String("webhook_code", code.Raw()))
	}

	entry := models.WebhookHistoryEntry{
		WebhookType: event.WebhookType,
		WebhookCode: event.WebhookCode,
		ReceivedAt:  s.now().UTC(),
	}
	session, err := s.sessions.ApplyWebhook(ctx, event.IdentityVerificationID, code.Status(), entry)
	if err != nil {
		if isStoreNotFound(err) {
			s.logger.Info("Webhook for unknown IDV session", zap.String("idv_id", event.IdentityVerificationID))
		}
		return nil, storeError("kyc.webhook", err)
	}
	s.metrics.ObserveWebhook(string(code.Status()))

	if code.Status() == models.KYCStatusApproved {
		if err := s.profiles.SetKYCApproved(ctx, session.UserID, entry.ReceivedAt); err != nil {
			return nil, storeError("kyc.webhook", err)
		}
	}

	s.logger.Info("KYC webhook applied",
		zap.String("idv_id", session.IDVID),
		zap.String("user_id", session.UserID),
		zap.String("status", string(session.Status)))
	return session, nil
}

// Retry reopens the user's most recent session when it is failed, expired
// or requires_retry. A newer open session blocks the retry so a user never
// has two open sessions.
func (s *KYCService) Retry(ctx context.Context, userID string) (*models.KYCSession, error) {
	session, err := s.sessions.FindLatestByUser(ctx, userID)
	if err != nil {
		return nil, storeError("kyc.retry", err)
	}
	switch {
	case session.Status.IsOpen():
		return nil, opError(ErrAlreadyExists, "kyc.retry", errors.New("verification already in progress"))
	case !session.Status.IsRetryable():
		return nil, opError(ErrNotFound, "kyc.retry", errors.New("no retryable verification session"))
	}

	idv, err := s.idv.RetrySession(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to retry IDV session",
			zap.String("user_id", userID),
			zap.String("idv_id", session.IDVID),
			zap.Error(err))
		return nil, providerError("kyc.retry", err, ErrDependency)
	}

	if idv.ID != "" && idv.ID != session.IDVID {
		s.logger.Info("IDV retry issued a new session id",
			zap.String("user_id", userID),
			zap.String("idv_id", session.IDVID),
			zap.String("new_idv_id", idv.ID))
	}
	updated, err := s.sessions.MarkRetried(ctx, session.IDVID, idv.ID, idv.ShareableURL, s.now().UTC())
	if err != nil {
		return nil, storeError("kyc.retry", err)
	}

	s.logger.Info("KYC session retried", zap.String("user_id", userID), zap.String("idv_id", updated.IDVID))
	return updated, nil
}

// Status refreshes the latest session from the provider and stores the
// result.
func (s *KYCService) Status(ctx context.Context, userID string) (*models.KYCSession, error) {
	session, err := s.sessions.FindLatestByUser(ctx, userID)
	if err != nil {
		return nil, storeError("kyc.status", err)
	}

	idv, err := s.idv.GetSession(ctx, session.IDVID)
	if err != nil {
		s.logger.Error("Failed to fetch IDV status", zap.String("idv_id", session.IDVID), zap.Error(err))
		return nil, providerError("kyc.status", err, ErrDependency)
	}

	status := models.ParseWebhookCode(idv.Status).Status()
	if status == "" {
		status = session.Status
	}
	updated, err := s.sessions.UpdateProviderState(ctx, session.IDVID, status, idv.Steps, s.now().UTC())
	if err != nil {
		return nil, storeError("kyc.status", err)
	}

	if status == models.KYCStatusApproved && session.Status != models.KYCStatusApproved {
		if err := s.profiles.SetKYCApproved(ctx, userID, updated.UpdatedAt); err != nil {
			return nil, storeError("kyc.status", err)
		}
	}
	return updated, nil
}

// idvIDFromURL takes the last path segment of a shareable URL.
func idvIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	last := path.Base(strings.TrimRight(u.Path, "/"))
	if last == "." || last == "/" {
		return ""
	}
	return last
}
