package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stytchauth/stytch-go/v16/stytch/consumer/magiclinks"
	"github.com/stytchauth/stytch-go/v16/stytch/consumer/magiclinks/email"
	"github.com/stytchauth/stytch-go/v16/stytch/consumer/sessions"
	"github.com/stytchauth/stytch-go/v16/stytch/consumer/stytchapi"
	"github.com/stytchauth/stytch-go/v16/stytch/consumer/users"
	"github.com/stytchauth/stytch-go/v16/stytch/stytcherror"
	"go.uber.org/zap"

	"paypollen-api/internal/config"
	"paypollen-api/internal/util"
)

const (
	providerStytch = "stytch"

	sessionDurationMinutes = 60
)

// StytchUser is the subset of the Stytch user object the API exposes.
type StytchUser struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status"`
}

// MagicLinkResult is a successful magic-link authentication.
type MagicLinkResult struct {
	User         StytchUser
	SessionToken string
}

func stytchUser(u users.User) StytchUser {
	user := StytchUser{UserID: u.UserID, Status: u.Status}
	if len(u.Emails) > 0 {
		user.Email = u.Emails[0].Email
	}
	if len(u.PhoneNumbers) > 0 {
		user.PhoneNumber = u.PhoneNumbers[0].PhoneNumber
	}
	return user
}

// StytchClient wraps the Stytch consumer SDK.
type StytchClient struct {
	api         *stytchapi.API
	upstream    upstream
	redirectURL string
}

func NewStytchClient(cfg *config.Config, observer Observer) (*StytchClient, error) {
	return newStytchClient(cfg.Stytch, cfg.Server.FrontendURL, &http.Client{}, observer)
}

func newStytchClient(cfg config.StytchConfig, frontendURL string, httpClient *http.Client, observer Observer) (*StytchClient, error) {
	opts := []stytchapi.Option{stytchapi.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, stytchapi.WithBaseURI(strings.TrimRight(cfg.BaseURL, "/")))
	}
	api, err := stytchapi.NewClient(cfg.ProjectID, cfg.Secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stytch client: %w", err)
	}

	return &StytchClient{
		api:         api,
		upstream:    newUpstream(providerStytch, cfg.Timeout, observer),
		redirectURL: strings.TrimRight(frontendURL, "/") + "/auth/callback",
	}, nil
}

func (c *StytchClient) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	return c.upstream.call(ctx, operation, fn, func(err error) error {
		var stytchErr stytcherror.Error
		if errors.As(err, &stytchErr) && int(stytchErr.StatusCode) >= http.StatusBadRequest {
			return &APIError{
				Provider:   providerStytch,
				Operation:  operation,
				StatusCode: int(stytchErr.StatusCode),
				Code:       string(stytchErr.ErrorType),
				Message:    string(stytchErr.ErrorMessage),
			}
		}
		return c.upstream.unavailable(operation, err)
	})
}

// LoginOrCreate emails a magic link and returns the Stytch user id.
func (c *StytchClient) LoginOrCreate(ctx context.Context, emailAddress string) (string, error) {
	var resp *email.LoginOrCreateResponse
	err := c.call(ctx, "magic_links.login_or_create", func(ctx context.Context) (err error) {
		resp, err = c.api.MagicLinks.Email.LoginOrCreate(ctx, &email.LoginOrCreateParams{
			Email:              emailAddress,
			LoginMagicLinkURL:  c.redirectURL,
			SignupMagicLinkURL: c.redirectURL,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("%w: stytch login_or_create returned no user id", ErrProviderUnavailable)
	}

	util.Info("Magic link sent", util.UserID(resp.UserID), zap.Bool("user_created", resp.UserCreated))
	return resp.UserID, nil
}

// AuthenticateMagicLink redeems a magic-link token. When sessionToken is
// set the new factor is attached to that session instead of starting one.
func (c *StytchClient) AuthenticateMagicLink(ctx context.Context, token, sessionToken string) (*MagicLinkResult, error) {
	var resp *magiclinks.AuthenticateResponse
	err := c.call(ctx, "magic_links.authenticate", func(ctx context.Context) (err error) {
		resp, err = c.api.MagicLinks.Authenticate(ctx, &magiclinks.AuthenticateParams{
			Token:                  token,
			SessionToken:           sessionToken,
			SessionDurationMinutes: sessionDurationMinutes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &MagicLinkResult{User: stytchUser(resp.User), SessionToken: resp.SessionToken}, nil
}

// AuthenticateSession validates a session token against Stytch and returns
// its user. Revoked sessions fail immediately.
func (c *StytchClient) AuthenticateSession(ctx context.Context, sessionToken string) (*StytchUser, error) {
	var resp *sessions.AuthenticateResponse
	err := c.call(ctx, "sessions.authenticate", func(ctx context.Context) (err error) {
		resp, err = c.api.Sessions.Authenticate(ctx, &sessions.AuthenticateParams{SessionToken: sessionToken})
		return err
	})
	if err != nil {
		return nil, err
	}
	user := stytchUser(resp.User)
	return &user, nil
}

func (c *StytchClient) RevokeSession(ctx context.Context, sessionToken string) error {
	return c.call(ctx, "sessions.revoke", func(ctx context.Context) error {
		_, err := c.api.Sessions.Revoke(ctx, &sessions.RevokeParams{SessionToken: sessionToken})
		return err
	})
}
