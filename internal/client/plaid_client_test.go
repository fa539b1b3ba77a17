package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paypollen-api/internal/config"
)

func newTestPlaid(t *testing.T, handler http.HandlerFunc) (*PlaidClient, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	obs := &recordingObserver{}
	cfg := config.PlaidConfig{ClientID: "client-id", Secret: "plaid-secret", TemplateID: "idvtmp_test", Timeout: time.Second}
	return newPlaidClient(cfg, srv.URL, srv.Client(), obs), obs
}

func TestPlaidCreateSession(t *testing.T) {
	c, obs := newTestPlaid(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity_verification/create", r.URL.Path)
		assert.Equal(t, "client-id", r.Header.Get("PLAID-CLIENT-ID"))
		assert.Equal(t, "plaid-secret", r.Header.Get("PLAID-SECRET"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "idvtmp_test", body["template_id"])
		assert.Equal(t, "user-1", body["client_user_id"])
		assert.Equal(t, true, body["is_shareable"])
		assert.Equal(t, true, body["gave_consent"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"idv_123","shareable_url":"https://flow.plaid.com/verify/idv_123","status":"active","request_id":"req-1"}`))
	})

	session, err := c.CreateSession(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "idv_123", session.ID)
	assert.Equal(t, "https://flow.plaid.com/verify/idv_123", session.ShareableURL)
	assert.Equal(t, "active", session.Status)
	assert.Equal(t, []string{"plaid/identity_verification.create/ok"}, obs.calls)
}

func TestPlaidGetSessionSteps(t *testing.T) {
	c, _ := newTestPlaid(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity_verification/get", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "idv_123", body["identity_verification_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"idv_123","status":"success","steps":{"accept_tos":"success","kyc_check":"success","selfie_check":"not_applicable"}}`))
	})

	session, err := c.GetSession(context.Background(), "idv_123")
	require.NoError(t, err)
	assert.Equal(t, "success", session.Status)
	require.NotNil(t, session.Steps)
	assert.Equal(t, "success", session.Steps.KYCCheck)
	assert.Equal(t, "not_applicable", session.Steps.SelfieCheck)
}

func TestPlaidRetrySendsStrategy(t *testing.T) {
	c, _ := newTestPlaid(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity_verification/retry", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "custom", body["strategy"])
		assert.Equal(t, "user-1", body["client_user_id"])
		assert.Equal(t, "idvtmp_test", body["template_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"idv_456","shareable_url":"https://flow.plaid.com/verify/idv_456","status":"active"}`))
	})

	session, err := c.RetrySession(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "idv_456", session.ID)
	assert.Equal(t, "https://flow.plaid.com/verify/idv_456", session.ShareableURL)
}

func TestPlaidErrorBody(t *testing.T) {
	c, obs := newTestPlaid(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"INVALID_REQUEST","error_code":"INVALID_FIELD","error_message":"template_id is invalid","display_message":null,"request_id":"req-2"}`))
	})

	_, err := c.CreateSession(context.Background(), "user-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_FIELD", apiErr.Code)
	assert.True(t, errors.Is(err, ErrProviderRejected))
	assert.Equal(t, []string{"plaid/identity_verification.create/rejected"}, obs.calls)
}

func TestPlaidServerErrorIsUnavailable(t *testing.T) {
	c, _ := newTestPlaid(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetSession(context.Background(), "idv_123")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestPlaidCreateWithoutURLFails(t *testing.T) {
	c, _ := newTestPlaid(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"idv_123"}`))
	})

	_, err := c.CreateSession(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func jwkCoordinate(v interface{ FillBytes([]byte) []byte }) string {
	return base64.RawURLEncoding.EncodeToString(v.FillBytes(make([]byte, 32)))
}

func TestPlaidWebhookVerificationKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	expiredAt := "null"
	c, _ := newTestPlaid(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhook_verification_key/get", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "kid-1", body["key_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"key":{"alg":"ES256","crv":"P-256","kid":"kid-1","kty":"EC","use":"sig","x":%q,"y":%q,"created_at":1560466143,"expired_at":%s},"request_id":"req-5"}`,
			jwkCoordinate(priv.X), jwkCoordinate(priv.Y), expiredAt)
	})

	key, err := c.WebhookVerificationKey(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.True(t, key.Equal(&priv.PublicKey))

	expiredAt = "1700000000"
	_, err = c.WebhookVerificationKey(context.Background(), "kid-1")
	assert.ErrorIs(t, err, ErrWebhookKeyInvalid)
}

func TestECDSAKeyFromJWKRejectsBadInput(t *testing.T) {
	_, err := ecdsaKeyFromJWK("P-384", "AA", "AA")
	assert.ErrorIs(t, err, ErrWebhookKeyInvalid)

	_, err = ecdsaKeyFromJWK("P-256", "!!", "AA")
	assert.ErrorIs(t, err, ErrWebhookKeyInvalid)

	one := base64.RawURLEncoding.EncodeToString([]byte{1})
	_, err = ecdsaKeyFromJWK("P-256", one, one)
	assert.ErrorIs(t, err, ErrWebhookKeyInvalid)
}
