package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/plaid/plaid-go/v29/plaid"
	"go.uber.org/zap"

	"paypollen-api/internal/config"
	"paypollen-api/internal/models"
	"paypollen-api/internal/util"
)

const providerPlaid = "plaid"

// ErrWebhookKeyInvalid means Plaid returned a key that cannot verify
// webhook signatures: wrong curve, expired or malformed.
var ErrWebhookKeyInvalid = errors.New("webhook verification key invalid")

// IDVSession is a Plaid identity verification as the KYC flow sees it.
type IDVSession struct {
	ID           string
	ShareableURL string
	Status       string
	Steps        *models.KYCSteps
}

func idvSession(id, shareableURL, status string, steps any) *IDVSession {
	return &IDVSession{ID: id, ShareableURL: shareableURL, Status: status, Steps: kycSteps(steps)}
}

// kycSteps copies the SDK step summary by its wire names, which
// models.KYCSteps shares.
func kycSteps(summary any) *models.KYCSteps {
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	var steps models.KYCSteps
	if err := json.Unmarshal(raw, &steps); err != nil || steps == (models.KYCSteps{}) {
		return nil
	}
	return &steps
}

// PlaidClient wraps the Plaid identity verification API.
type PlaidClient struct {
	api        *plaid.APIClient
	upstream   upstream
	templateID string
}

func NewPlaidClient(cfg *config.Config, observer Observer) *PlaidClient {
	return newPlaidClient(cfg.Plaid, cfg.Plaid.BaseURL(), &http.Client{}, observer)
}

func newPlaidClient(cfg config.PlaidConfig, baseURL string, httpClient *http.Client, observer Observer) *PlaidClient {
	conf := plaid.NewConfiguration()
	conf.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	conf.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	conf.Servers = plaid.ServerConfigurations{{URL: strings.TrimRight(baseURL, "/")}}
	conf.HTTPClient = httpClient

	return &PlaidClient{
		api:        plaid.NewAPIClient(conf),
		upstream:   newUpstream(providerPlaid, cfg.Timeout, observer),
		templateID: cfg.TemplateID,
	}
}

// call runs one SDK request. The SDK reports HTTP failures as an error
// plus the raw response, so classification needs both.
func (c *PlaidClient) call(ctx context.Context, operation string, fn func(context.Context) (*http.Response, error)) error {
	var httpResp *http.Response
	return c.upstream.call(ctx, operation, func(ctx context.Context) (err error) {
		httpResp, err = fn(ctx)
		return err
	}, func(err error) error {
		if httpResp == nil || httpResp.StatusCode < http.StatusBadRequest {
			return c.upstream.unavailable(operation, err)
		}
		apiErr := &APIError{Provider: providerPlaid, Operation: operation, StatusCode: httpResp.StatusCode}
		if plaidErr, convErr := plaid.ToPlaidError(err); convErr == nil {
			apiErr.Type = string(plaidErr.ErrorType)
			apiErr.Code = plaidErr.ErrorCode
			apiErr.Message = plaidErr.ErrorMessage
		}
		return apiErr
	})
}

// CreateSession starts a shareable identity verification for userID.
func (c *PlaidClient) CreateSession(ctx context.Context, userID string) (*IDVSession, error) {
	req := plaid.IdentityVerificationCreateRequest{
		IsShareable: true,
		TemplateId:  c.templateID,
		GaveConsent: true,
	}
	req.SetClientUserId(userID)

	var session *IDVSession
	err := c.call(ctx, "identity_verification.create", func(ctx context.Context) (*http.Response, error) {
		resp, httpResp, err := c.api.PlaidApi.IdentityVerificationCreate(ctx).IdentityVerificationCreateRequest(req).Execute()
		if err == nil {
			session = idvSession(resp.GetId(), resp.GetShareableUrl(), string(resp.GetStatus()), resp.GetSteps())
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if session.ShareableURL == "" {
		return nil, fmt.Errorf("%w: plaid create returned no shareable url", ErrProviderUnavailable)
	}

	util.Info("IDV session created", util.UserID(userID), zap.String("idv_id", session.ID))
	return session, nil
}

// GetSession fetches the current status and step summary.
func (c *PlaidClient) GetSession(ctx context.Context, idvID string) (*IDVSession, error) {
	req := plaid.IdentityVerificationGetRequest{IdentityVerificationId: idvID}

	var session *IDVSession
	err := c.call(ctx, "identity_verification.get", func(ctx context.Context) (*http.Response, error) {
		resp, httpResp, err := c.api.PlaidApi.IdentityVerificationGet(ctx).IdentityVerificationGetRequest(req).Execute()
		if err == nil {
			session = idvSession(resp.GetId(), resp.GetShareableUrl(), string(resp.GetStatus()), resp.GetSteps())
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RetrySession asks Plaid to rerun the verification steps for the user's
// latest verification under the configured template.
func (c *PlaidClient) RetrySession(ctx context.Context, userID string) (*IDVSession, error) {
	req := plaid.IdentityVerificationRetryRequest{
		ClientUserId: userID,
		TemplateId:   c.templateID,
		Strategy:     plaid.Strategy("custom"),
	}
	req.SetSteps(plaid.IdentityVerificationRetryRequestStepsObject{
		VerifySms:               true,
		KycCheck:                true,
		DocumentaryVerification: true,
		SelfieCheck:             true,
	})

	var session *IDVSession
	err := c.call(ctx, "identity_verification.retry", func(ctx context.Context) (*http.Response, error) {
		resp, httpResp, err := c.api.PlaidApi.IdentityVerificationRetry(ctx).IdentityVerificationRetryRequest(req).Execute()
		if err == nil {
			session = idvSession(resp.GetId(), resp.GetShareableUrl(), string(resp.GetStatus()), resp.GetSteps())
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if session.ShareableURL == "" {
		return nil, fmt.Errorf("%w: plaid retry returned no shareable url", ErrProviderUnavailable)
	}
	return session, nil
}

// WebhookVerificationKey fetches the ES256 key Plaid signed a webhook
// with. Expired keys are refused.
func (c *PlaidClient) WebhookVerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	req := plaid.WebhookVerificationKeyGetRequest{KeyId: keyID}

	var jwk plaid.JWKPublicKey
	err := c.call(ctx, "webhook_verification_key.get", func(ctx context.Context) (*http.Response, error) {
		resp, httpResp, err := c.api.PlaidApi.WebhookVerificationKeyGet(ctx).WebhookVerificationKeyGetRequest(req).Execute()
		if err == nil {
			jwk = resp.GetKey()
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if jwk.GetExpiredAt() != 0 {
		return nil, fmt.Errorf("%w: key %s expired", ErrWebhookKeyInvalid, keyID)
	}
	return ecdsaKeyFromJWK(jwk.GetCrv(), jwk.GetX(), jwk.GetY())
}

func ecdsaKeyFromJWK(crv, x, y string) (*ecdsa.PublicKey, error) {
	if crv != "P-256" {
		return nil, fmt.Errorf("%w: unsupported curve %q", ErrWebhookKeyInvalid, crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(x, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: x coordinate: %v", ErrWebhookKeyInvalid, err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(y, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: y coordinate: %v", ErrWebhookKeyInvalid, err)
	}

	key := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(xb), Y: new(big.Int).SetBytes(yb)}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrWebhookKeyInvalid)
	}
	return key, nil
}
