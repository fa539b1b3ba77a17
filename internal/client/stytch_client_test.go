package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paypollen-api/internal/config"
)

const testProjectID = "project-test-11111111-2222-3333-4444-555555555555"

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) ObserveUpstream(provider, operation, outcome string, _ time.Duration) {
	r.calls = append(r.calls, provider+"/"+operation+"/"+outcome)
}

// stytchServer answers the SDK's key-set request itself so handlers only
// see API calls.
func stytchServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/jwks") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"keys":[]}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStytch(t *testing.T, timeout time.Duration, handler http.HandlerFunc) (*StytchClient, *recordingObserver) {
	t.Helper()
	srv := stytchServer(t, handler)

	obs := &recordingObserver{}
	cfg := config.StytchConfig{ProjectID: testProjectID, Secret: "secret-test", BaseURL: srv.URL, Timeout: timeout}
	c, err := newStytchClient(cfg, "http://localhost:3000", srv.Client(), obs)
	require.NoError(t, err)
	return c, obs
}

func TestStytchLoginOrCreate(t *testing.T) {
	c, obs := newTestStytch(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/magic_links/email/login_or_create", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testProjectID, user)
		assert.Equal(t, "secret-test", pass)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test@example.com", body["email"])
		assert.Equal(t, "http://localhost:3000/auth/callback", body["login_magic_link_url"])
		assert.Equal(t, "http://localhost:3000/auth/callback", body["signup_magic_link_url"])

		_, _ = w.Write([]byte(`{"status_code":200,"request_id":"req-1","user_id":"user-test-123","email_id":"email-1","user_created":true}`))
	})

	userID, err := c.LoginOrCreate(context.Background(), "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-test-123", userID)
	assert.Equal(t, []string{"stytch/magic_links.login_or_create/ok"}, obs.calls)
}

func TestStytchAuthenticateMagicLink(t *testing.T) {
	c, _ := newTestStytch(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/magic_links/authenticate", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "magic-token", body["token"])
		assert.EqualValues(t, 60, body["session_duration_minutes"])

		_, _ = w.Write([]byte(`{
			"status_code": 200,
			"request_id": "req-2",
			"user_id": "user-test-123",
			"session_token": "sess-abc",
			"user": {
				"user_id": "user-test-123",
				"emails": [{"email_id": "email-1", "email": "test@example.com", "verified": true}],
				"phone_numbers": [{"phone_id": "phone-1", "phone_number": "+15555550100", "verified": true}],
				"status": "active"
			}
		}`))
	})

	res, err := c.AuthenticateMagicLink(context.Background(), "magic-token", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", res.SessionToken)
	assert.Equal(t, "user-test-123", res.User.UserID)
	assert.Equal(t, "test@example.com", res.User.Email)
	assert.Equal(t, "+15555550100", res.User.PhoneNumber)
}

func TestStytchRejectedToken(t *testing.T) {
	c, obs := newTestStytch(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/authenticate", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status_code":404,"request_id":"req-3","error_type":"session_not_found","error_message":"Session could not be found."}`))
	})

	_, err := c.AuthenticateSession(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderRejected))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "session_not_found", apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, []string{"stytch/sessions.authenticate/rejected"}, obs.calls)
}

func TestStytchServerErrorIsUnavailable(t *testing.T) {
	c, obs := newTestStytch(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/revoke", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"status_code":502,"request_id":"req-4","error_type":"internal_server_error","error_message":"Oops"}`))
	})

	err := c.RevokeSession(context.Background(), "sess")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.False(t, errors.Is(err, ErrProviderRejected))
	assert.Equal(t, []string{"stytch/sessions.revoke/error"}, obs.calls)
}

func TestStytchTimeoutIsUnavailable(t *testing.T) {
	c, _ := newTestStytch(t, 20*time.Millisecond, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	_, err := c.LoginOrCreate(context.Background(), "test@example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}
