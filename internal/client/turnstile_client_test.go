package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnstileVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "turnstile-secret", r.PostForm.Get("secret"))
		assert.Equal(t, "10.0.0.1", r.PostForm.Get("remoteip"))

		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true,"hostname":"paypollen.test"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(srv.Close)

	c := newTurnstileClient(srv.URL, "turnstile-secret", time.Second, srv.Client(), nil)

	ok, err := c.Verify(context.Background(), "good", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok.Success)

	bad, err := c.Verify(context.Background(), "bad", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, bad.Success)
	assert.Equal(t, []string{"invalid-input-response"}, bad.ErrorCodes)
}

func TestTurnstileUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newTurnstileClient(srv.URL, "s", time.Second, srv.Client(), nil)
	_, err := c.Verify(context.Background(), "tok", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}
