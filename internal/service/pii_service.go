package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"paypollen-api/internal/models"
	"paypollen-api/internal/repository/mongodb"
	"paypollen-api/internal/util"
)

// PIIAccess describes one read or erase request.
type PIIAccess struct {
	Principal    *models.Principal
	TargetUserID string
	// StepUpVerified is set once the request's step-up token was checked.
	StepUpVerified bool
}

// PIIService is the only reader and writer of user PII. Every call is
// authorized before the store is touched.
type PIIService struct {
	store   PIIStore
	audit   *AuditService
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewPIIService(store PIIStore, audit *AuditService, metrics Metrics, logger *zap.Logger) *PIIService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PIIService{store: store, audit: audit, metrics: metrics, logger: logger, now: time.Now}
}

// Insert stores a new record for the principal. A second insert for the
// same user, or an email already registered to someone else, fails with
// ErrAlreadyExists.
func (s *PIIService) Insert(ctx context.Context, principal *models.Principal, record *models.UserPIIRecord) (*models.PIIView, error) {
	if record == nil {
		return nil, opError(ErrInvalidInput, "pii.insert", errors.New("record is required"))
	}
	if err := authorizeOwner(principal, record.UserID); err != nil {
		return nil, s.denied(models.AuditPIIInsert, "pii.insert", err)
	}
	if err := validateRecord(record); err != nil {
		return nil, opError(ErrInvalidInput, "pii.insert", err)
	}

	now := s.now().UTC()
	stored := *record
	stored.Email = util.NormalizeEmail(stored.Email)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Address.IsZero() {
		stored.Address = nil
	}
	if err := s.checkEmailOwner(ctx, "pii.insert", stored.Email, stored.UserID); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, &stored); err != nil {
		s.metrics.ObservePIIAccess(string(models.AuditPIIInsert), "error")
		return nil, storeError("pii.insert", err)
	}
	if err := s.audit.Record(ctx, principal, models.AuditPIIInsert, stored.UserID); err != nil {
		return nil, err
	}

	s.metrics.ObservePIIAccess(string(models.AuditPIIInsert), "ok")
	return disclose(&stored, principal), nil
}

// Update merges the provided fields into the principal's own record.
func (s *PIIService) Update(ctx context.Context, principal *models.Principal, userID string, patch models.PIIPatch) error {
	if err := authorizeOwner(principal, userID); err != nil {
		return s.denied(models.AuditPIIUpdate, "pii.update", err)
	}
	if patch.IsEmpty() {
		return opError(ErrInvalidInput, "pii.update", errors.New("no fields to update"))
	}
	if err := validatePatch(&patch); err != nil {
		return opError(ErrInvalidInput, "pii.update", err)
	}
	if patch.Email != nil {
		if err := s.checkEmailOwner(ctx, "pii.update", *patch.Email, userID); err != nil {
			return err
		}
	}

	if err := s.store.Update(ctx, userID, patch, s.now().UTC()); err != nil {
		s.metrics.ObservePIIAccess(string(models.AuditPIIUpdate), "error")
		return storeError("pii.update", err)
	}
	if err := s.audit.Record(ctx, principal, models.AuditPIIUpdate, userID); err != nil {
		return err
	}

	s.metrics.ObservePIIAccess(string(models.AuditPIIUpdate), "ok")
	return nil
}

// Get returns the disclosed view of a record. SSN is only present for
// elevated principals.
func (s *PIIService) Get(ctx context.Context, access PIIAccess) (*models.PIIView, error) {
	if err := s.authorizeSensitive(access); err != nil {
		return nil, s.denied(models.AuditPIIRead, "pii.get", err)
	}

	record, err := s.store.Get(ctx, access.TargetUserID)
	if err != nil {
		s.metrics.ObservePIIAccess(string(models.AuditPIIRead), outcomeFor(err))
		return nil, storeError("pii.get", err)
	}
	if err := s.audit.Record(ctx, access.Principal, models.AuditPIIRead, access.TargetUserID); err != nil {
		return nil, err
	}

	s.metrics.ObservePIIAccess(string(models.AuditPIIRead), "ok")
	return disclose(record, access.Principal), nil
}

// Delete erases the record entirely.
func (s *PIIService) Delete(ctx context.Context, access PIIAccess) error {
	if err := s.authorizeSensitive(access); err != nil {
		return s.denied(models.AuditPIIDelete, "pii.delete", err)
	}

	if err := s.store.Delete(ctx, access.TargetUserID); err != nil {
		s.metrics.ObservePIIAccess(string(models.AuditPIIDelete), outcomeFor(err))
		return storeError("pii.delete", err)
	}
	if err := s.audit.Record(ctx, access.Principal, models.AuditPIIDelete, access.TargetUserID); err != nil {
		return err
	}

	s.metrics.ObservePIIAccess(string(models.AuditPIIDelete), "ok")
	return nil
}

// checkEmailOwner fails when email already belongs to a user other than
// userID. The lookup relies on email being deterministically encrypted.
func (s *PIIService) checkEmailOwner(ctx context.Context, op, email, userID string) error {
	existing, err := s.store.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, mongodb.ErrNotFound):
		return nil
	case err != nil:
		return storeError(op, err)
	case existing.UserID != userID:
		s.logger.Info("Email already registered to another user", zap.String("op", op))
		return opError(ErrAlreadyExists, op, errors.New("email already registered"))
	}
	return nil
}

func (s *PIIService) authorizeSensitive(access PIIAccess) error {
	if err := authorizeOwnerOrElevated(access.Principal, access.TargetUserID); err != nil {
		return err
	}
	if !access.StepUpVerified && !access.Principal.IsInfrastructure() {
		return ErrStepUpRequired
	}
	return nil
}

func (s *PIIService) denied(action models.AuditAction, op string, kind error) error {
	s.metrics.ObservePIIAccess(string(action), "denied")
	return opError(kind, op, nil)
}

func outcomeFor(err error) string {
	if errors.Is(err, mongodb.ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// disclose applies the SSN rule.
func disclose(record *models.UserPIIRecord, principal *models.Principal) *models.PIIView {
	view := &models.PIIView{
		UserID:    record.UserID,
		Email:     record.Email,
		Phone:     record.Phone,
		Address:   record.Address,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	if principal.IsElevated() {
		view.SSN = record.SSN
	}
	return view
}

func validateRecord(r *models.UserPIIRecord) error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if !util.IsValidEmail(r.Email) {
		return errors.New("invalid email format")
	}
	if !util.IsValidPhone(r.Phone) {
		return errors.New("invalid phone format")
	}
	if r.SSN != "" && !util.IsValidSSN(r.SSN) {
		return errors.New("invalid ssn format")
	}
	return nil
}

func validatePatch(p *models.PIIPatch) error {
	if p.Email != nil {
		if !util.IsValidEmail(*p.Email) {
			return errors.New("invalid email format")
		}
		normalized := util.NormalizeEmail(*p.Email)
		p.Email = &normalized
	}
	if p.Phone != nil && !util.IsValidPhone(*p.Phone) {
		return errors.New("invalid phone format")
	}
	if p.SSN != nil && !util.IsValidSSN(*p.SSN) {
		return errors.New("invalid ssn format")
	}
	if p.Address != nil && p.Address.IsZero() {
		return fmt.Errorf("address must set at least one field")
	}
	return nil
}
