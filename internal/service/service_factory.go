package service

import (
	"go.uber.org/zap"

	"paypollen-api/internal/config"
)

// Dependencies are the stores and vendor clients services are built from.
type Dependencies struct {
	PII          PIIStore
	Sessions     KYCSessionStore
	Profiles     UserProfileStore
	Audit        AuditStore
	Accounts     AccountStore
	Identity     IdentityProvider
	IDV          IDVProvider
	Publisher    EventPublisher
	Capabilities CapabilityResolver
	Metrics      Metrics
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Dependencies
	cfg    *config.Config
	logger *zap.Logger

	auditService   *AuditService
	piiService     *PIIService
	kycService     *KYCService
	authService    *AuthService
	accountService *AccountService
}

func NewServiceFactory(deps Dependencies, cfg *config.Config, logger *zap.Logger) *ServiceFactory {
	if deps.Capabilities == nil {
		deps.Capabilities = NewStaticCapabilityResolver(cfg.Security.AdminUserIDs)
	}
	return &ServiceFactory{deps: deps, cfg: cfg, logger: logger}
}

// AuditService returns the audit service instance (singleton)
func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(f.deps.Audit, f.deps.Publisher, f.logger.Named("audit"))
	}
	return f.auditService
}

func (f *ServiceFactory) PIIService() *PIIService {
	if f.piiService == nil {
		f.piiService = NewPIIService(f.deps.PII, f.AuditService(), f.deps.Metrics, f.logger.Named("pii"))
	}
	return f.piiService
}

func (f *ServiceFactory) KYCService() *KYCService {
	if f.kycService == nil {
		f.kycService = NewKYCService(f.deps.Sessions, f.deps.Profiles, f.deps.IDV, f.deps.Metrics, f.logger.Named("kyc"))
	}
	return f.kycService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.deps.Identity,
			f.deps.Profiles,
			f.deps.Capabilities,
			f.cfg.Security.JWTSecret,
			f.cfg.Security.StepUpTTL,
			f.logger.Named("auth"),
		)
	}
	return f.authService
}

func (f *ServiceFactory) AccountService() *AccountService {
	if f.accountService == nil {
		f.accountService = NewAccountService(f.deps.Accounts, f.logger.Named("accounts"))
	}
	return f.accountService
}
