package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
)

const testJWTSecret = "test-step-up-secret"

func newAuthFixture(t *testing.T) (*AuthService, *fakeIdentityProvider, *fakeProfileStore) {
	t.Helper()
	user := client.StytchUser{UserID: "user-1", Email: "test@example.com", Status: "active"}
	admin := client.StytchUser{UserID: "admin-1", Email: "admin@example.com", Status: "active"}
	idp := &fakeIdentityProvider{
		users: map[string]client.StytchUser{"sess-user": user, "sess-admin": admin},
		links: map[string]client.StytchUser{"link-user": user, "link-admin": admin},
	}
	profiles := newFakeProfileStore()
	svc := NewAuthService(idp, profiles, NewStaticCapabilityResolver([]string{"admin-1"}), testJWTSecret, 5*time.Minute, zaptest.NewLogger(t))
	return svc, idp, profiles
}

func TestAuthLogin(t *testing.T) {
	svc, _, _ := newAuthFixture(t)

	userID, err := svc.Login(context.Background(), "test@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, userID)

	_, err = svc.Login(context.Background(), "invalid-email")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthCallback(t *testing.T) {
	svc, _, profiles := newAuthFixture(t)

	res, err := svc.Callback(context.Background(), "link-user")
	require.NoError(t, err)
	assert.Equal(t, "session-user-1", res.SessionToken)
	assert.Contains(t, profiles.logins, "user-1")

	_, err = svc.Callback(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Callback(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthCallback_ProfileFailureDoesNotBlockLogin(t *testing.T) {
	svc, _, profiles := newAuthFixture(t)
	profiles.err = errBoom

	_, err := svc.Callback(context.Background(), "link-user")
	assert.NoError(t, err)
}

func TestAuthAuthenticate(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	ctx := context.Background()

	p, err := svc.Authenticate(ctx, "sess-user")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.False(t, p.IsElevated())

	admin, err := svc.Authenticate(ctx, "sess-admin")
	require.NoError(t, err)
	assert.True(t, admin.IsElevated())

	_, err = svc.Authenticate(ctx, "expired")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthStepUpRoundTrip(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	ctx := context.Background()
	principal := &models.Principal{UserID: "user-1", Kind: models.PrincipalUser}

	token, err := svc.StepUp(ctx, principal, "sess-user", "link-user")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), token.ExpiresAt, 5*time.Second)

	assert.NoError(t, svc.VerifyStepUp(token.Token, principal))

	other := &models.Principal{UserID: "user-2", Kind: models.PrincipalUser}
	assert.ErrorIs(t, svc.VerifyStepUp(token.Token, other), ErrStepUpRequired)
	assert.ErrorIs(t, svc.VerifyStepUp("", principal), ErrStepUpRequired)
	assert.ErrorIs(t, svc.VerifyStepUp("not-a-jwt", principal), ErrStepUpRequired)
}

func TestAuthStepUpWrongUser(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	principal := &models.Principal{UserID: "user-1", Kind: models.PrincipalUser}

	_, err := svc.StepUp(context.Background(), principal, "sess-user", "link-admin")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAuthStepUpExpired(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	principal := &models.Principal{UserID: "user-1", Kind: models.PrincipalUser}

	issuedAt := time.Now().Add(-time.Hour)
	svc.now = fixedClock(issuedAt)
	token, err := svc.issueStepUp("user-1")
	require.NoError(t, err)

	svc.now = time.Now
	assert.ErrorIs(t, svc.VerifyStepUp(token.Token, principal), ErrStepUpRequired)
}

func TestAuthStepUpRejectsOtherTokenTypes(t *testing.T) {
	svc, _, _ := newAuthFixture(t)
	principal := &models.Principal{UserID: "user-1", Kind: models.PrincipalUser}

	claims := stepUpClaims{
		Type: "session",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stepUpIssuer,
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.VerifyStepUp(signed, principal), ErrStepUpRequired)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, stepUpClaims{
		Type:             stepUpTokenType,
		RegisteredClaims: claims.RegisteredClaims,
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.VerifyStepUp(forged, principal), ErrStepUpRequired)
}

func TestAuthLogout(t *testing.T) {
	svc, idp, _ := newAuthFixture(t)
	require.NoError(t, svc.Logout(context.Background(), "sess-user"))
	assert.Equal(t, []string{"sess-user"}, idp.revoked)
}
