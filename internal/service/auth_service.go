package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
	"paypollen-api/internal/util"
)

const (
	stepUpTokenType = "step_up"
	stepUpIssuer    = "paypollen-api"
)

// CallbackResult is a completed magic-link login.
type CallbackResult struct {
	User         client.StytchUser
	SessionToken string
}

// StepUpToken is a short-lived proof of re-authentication.
type StepUpToken struct {
	Token     string
	ExpiresAt time.Time
}

type stepUpClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// AuthService wraps the identity provider and issues step-up tokens.
type AuthService struct {
	idp          IdentityProvider
	profiles     UserProfileStore
	capabilities CapabilityResolver
	jwtSecret    []byte
	stepUpTTL    time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewAuthService(idp IdentityProvider, profiles UserProfileStore, capabilities CapabilityResolver, jwtSecret string, stepUpTTL time.Duration, logger *zap.Logger) *AuthService {
	if stepUpTTL <= 0 {
		stepUpTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		idp:          idp,
		profiles:     profiles,
		capabilities: capabilities,
		jwtSecret:    []byte(jwtSecret),
		stepUpTTL:    stepUpTTL,
		logger:       logger,
		now:          time.Now,
	}
}

// Login sends a magic link and returns the provider's user id.
func (s *AuthService) Login(ctx context.Context, email string) (string, error) {
	if !util.IsValidEmail(email) {
		return "", opError(ErrInvalidInput, "auth.login", errors.New("invalid email format"))
	}

	userID, err := s.idp.LoginOrCreate(ctx, util.NormalizeEmail(email))
	if err != nil {
		s.logger.Error("Failed to send magic link", zap.Error(err))
		return "", providerError("auth.login", err, ErrInvalidInput)
	}
	return userID, nil
}

// Callback redeems a magic-link token for a session.
func (s *AuthService) Callback(ctx context.Context, token string) (*CallbackResult, error) {
	if strings.TrimSpace(token) == "" {
		return nil, opError(ErrInvalidInput, "auth.callback", errors.New("token is required"))
	}

	res, err := s.idp.AuthenticateMagicLink(ctx, token, "")
	if err != nil {
		return nil, providerError("auth.callback", err, ErrInvalidInput)
	}

	if err := s.profiles.RecordLogin(ctx, res.User.UserID, s.now().UTC()); err != nil {
		s.logger.Warn("Failed to record login", zap.String("user_id", res.User.UserID), zap.Error(err))
	}

	s.logger.Info("User authenticated", zap.String("user_id", res.User.UserID))
	return &CallbackResult{User: res.User, SessionToken: res.SessionToken}, nil
}

// Authenticate resolves a bearer session token to a principal.
func (s *AuthService) Authenticate(ctx context.Context, sessionToken string) (*models.Principal, error) {
	if sessionToken == "" {
		return nil, opError(ErrUnauthenticated, "auth.authenticate", nil)
	}

	user, err := s.idp.AuthenticateSession(ctx, sessionToken)
	if err != nil {
		return nil, providerError("auth.authenticate", err, ErrUnauthenticated)
	}

	caps, err := s.capabilities.Capabilities(ctx, user.UserID)
	if err != nil {
		return nil, opError(ErrDependency, "auth.capabilities", err)
	}

	return &models.Principal{
		UserID:       user.UserID,
		Email:        user.Email,
		Phone:        user.PhoneNumber,
		Status:       user.Status,
		Kind:         models.PrincipalUser,
		Capabilities: caps,
	}, nil
}

func (s *AuthService) Logout(ctx context.Context, sessionToken string) error {
	if err := s.idp.RevokeSession(ctx, sessionToken); err != nil {
		return providerError("auth.logout", err, ErrInvalidInput)
	}
	return nil
}

// StepUp re-authenticates the principal with a fresh magic-link token and
// issues a step-up token bound to the principal's user id.
func (s *AuthService) StepUp(ctx context.Context, principal *models.Principal, sessionToken, magicLinkToken string) (*StepUpToken, error) {
	if principal == nil {
		return nil, opError(ErrUnauthenticated, "auth.step_up", nil)
	}
	if strings.TrimSpace(magicLinkToken) == "" {
		return nil, opError(ErrInvalidInput, "auth.step_up", errors.New("token is required"))
	}

	res, err := s.idp.AuthenticateMagicLink(ctx, magicLinkToken, sessionToken)
	if err != nil {
		return nil, providerError("auth.step_up", err, ErrInvalidInput)
	}
	if res.User.UserID != principal.UserID {
		s.logger.Warn("Step-up token belongs to another user", zap.String("user_id", principal.UserID))
		return nil, opError(ErrPermissionDenied, "auth.step_up", nil)
	}

	return s.issueStepUp(principal.UserID)
}

func (s *AuthService) issueStepUp(userID string) (*StepUpToken, error) {
	now := s.now()
	expiresAt := now.Add(s.stepUpTTL)
	claims := stepUpClaims{
		Type: stepUpTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stepUpIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, opError(ErrDependency, "auth.step_up", fmt.Errorf("sign token: %w", err))
	}
	return &StepUpToken{Token: signed, ExpiresAt: expiresAt.UTC()}, nil
}

// VerifyStepUp checks a step-up token against the principal. It does not
// look at the base session.
func (s *AuthService) VerifyStepUp(token string, principal *models.Principal) error {
	if principal == nil {
		return opError(ErrUnauthenticated, "auth.verify_step_up", nil)
	}
	if token == "" {
		return opError(ErrStepUpRequired, "auth.verify_step_up", nil)
	}

	var claims stepUpClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stepUpIssuer),
		jwt.WithSubject(principal.UserID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return opError(ErrStepUpRequired, "auth.verify_step_up", err)
	}
	if claims.Type != stepUpTokenType {
		return opError(ErrStepUpRequired, "auth.verify_step_up", errors.New("wrong token type"))
	}
	return nil
}
