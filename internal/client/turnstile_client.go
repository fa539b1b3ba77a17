package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"paypollen-api/internal/config"
	"paypollen-api/internal/util"
)

const (
	providerTurnstile  = "turnstile"
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
)

// TurnstileResult is Cloudflare's siteverify answer.
type TurnstileResult struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// TurnstileClient verifies bot-challenge tokens.
type TurnstileClient struct {
	http      *http.Client
	verifyURL string
	secret    string
	timeout   time.Duration
	observer  Observer
}

func NewTurnstileClient(cfg *config.Config, observer Observer) *TurnstileClient {
	return newTurnstileClient(turnstileVerifyURL, cfg.Security.TurnstileSecretKey, cfg.Security.TurnstileTimeout, &http.Client{}, observer)
}

func newTurnstileClient(verifyURL, secret string, timeout time.Duration, httpClient *http.Client, observer Observer) *TurnstileClient {
	if observer == nil {
		observer = nopObserver{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TurnstileClient{http: httpClient, verifyURL: verifyURL, secret: secret, timeout: timeout, observer: observer}
}

// Verify checks token for remoteIP. A failed challenge is a result, not an
// error; errors mean Cloudflare could not be asked.
func (c *TurnstileClient) Verify(ctx context.Context, token, remoteIP string) (*TurnstileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build turnstile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	outcome := "error"
	defer func() { c.observer.ObserveUpstream(providerTurnstile, "siteverify", outcome, time.Since(start)) }()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: turnstile: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: turnstile: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var result TurnstileResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: turnstile: decode response: %v", ErrProviderUnavailable, err)
	}

	if result.Success {
		outcome = "ok"
	} else {
		outcome = "rejected"
		util.Warn("Turnstile validation failed",
			zap.Strings("error_codes", result.ErrorCodes),
			zap.String("hostname", result.Hostname))
	}
	return &result, nil
}
