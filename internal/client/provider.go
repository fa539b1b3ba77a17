package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrProviderRejected means the provider answered with a 4xx: the token,
	// email or id was refused.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderUnavailable covers transport failures, timeouts, 5xx
	// responses and unreadable bodies.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

const defaultProviderTimeout = 10 * time.Second

// Observer receives one call per upstream request.
type Observer interface {
	ObserveUpstream(provider, operation, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveUpstream(string, string, string, time.Duration) {}

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	Operation  string
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d %s %s", e.Provider, e.Operation, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrProviderUnavailable
	}
	return ErrProviderRejected
}

// upstream bounds and meters every SDK call made to one provider.
type upstream struct {
	provider string
	timeout  time.Duration
	observer Observer
}

func newUpstream(provider string, timeout time.Duration, observer Observer) upstream {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return upstream{provider: provider, timeout: timeout, observer: observer}
}

// call runs fn under the provider timeout. classify turns the SDK error
// into an *APIError or ErrProviderUnavailable.
func (u upstream) call(ctx context.Context, operation string, fn func(context.Context) error, classify func(error) error) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		err = classify(err)
	}
	u.observer.ObserveUpstream(u.provider, operation, outcome(err), time.Since(start))
	return err
}

func (u upstream) unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, u.provider, operation, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderRejected):
		return "rejected"
	default:
		return "error"
	}
}
