package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"paypollen-api/internal/client"
)

const (
	opWebhookVerify = "kyc.webhook.verify"

	defaultWebhookMaxAge = 5 * time.Minute
	webhookClockSkew     = 30 * time.Second
)

type webhookClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

// WebhookVerifier checks the signed header Plaid attaches to each webhook:
// an ES256 JWT naming its key id, issued recently, carrying the SHA-256 of
// the exact body bytes.
type WebhookVerifier struct {
	keys   WebhookKeySource
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time

	// key id -> *ecdsa.PublicKey
	cache sync.Map
}

func NewWebhookVerifier(keys WebhookKeySource, maxAge time.Duration, logger *zap.Logger) *WebhookVerifier {
	if maxAge <= 0 {
		maxAge = defaultWebhookMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookVerifier{keys: keys, maxAge: maxAge, logger: logger, now: time.Now}
}

// Verify returns nil when signed authenticates body. Key lookup failures
// are dependency errors; every other failure is ErrUnauthenticated.
func (v *WebhookVerifier) Verify(ctx context.Context, signed string, body []byte) error {
	if signed == "" {
		return opError(ErrUnauthenticated, opWebhookVerify, errors.New("missing verification header"))
	}

	var keyErr error
	claims := &webhookClaims{}
	_, err := jwt.ParseWithClaims(signed, claims,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			key, err := v.key(ctx, kid)
			if err != nil {
				keyErr = err
			}
			return key, err
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(webhookClockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if keyErr != nil {
		if errors.Is(keyErr, client.ErrWebhookKeyInvalid) {
			return opError(ErrUnauthenticated, opWebhookVerify, keyErr)
		}
		v.logger.Error("Failed to fetch webhook verification key", zap.Error(keyErr))
		return providerError(opWebhookVerify, keyErr, ErrUnauthenticated)
	}
	if err != nil {
		return opError(ErrUnauthenticated, opWebhookVerify, err)
	}

	if claims.IssuedAt == nil || v.now().Sub(claims.IssuedAt.Time) > v.maxAge {
		return opError(ErrUnauthenticated, opWebhookVerify, errors.New("verification token too old"))
	}

	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(claims.RequestBodySHA256)) != 1 {
		return opError(ErrUnauthenticated, opWebhookVerify, errors.New("body hash mismatch"))
	}
	return nil
}

func (v *WebhookVerifier) key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	if cached, ok := v.cache.Load(kid); ok {
		return cached.(*ecdsa.PublicKey), nil
	}
	key, err := v.keys.WebhookVerificationKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	v.cache.Store(kid, key)
	return key, nil
}
