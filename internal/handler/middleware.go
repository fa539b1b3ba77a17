package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
	redisrepo "paypollen-api/internal/repository/redis"
	"paypollen-api/internal/service"
	"paypollen-api/internal/util"
)

const (
	headerStepUp    = "X-Step-Up-Token"
	headerTurnstile = "Cf-Turnstile-Response"
	fieldTurnstile  = "cf-turnstile-response"
)

type contextKey int

const (
	principalKey contextKey = iota
	sessionTokenKey
)

// PrincipalFrom returns the authenticated principal, or nil.
func PrincipalFrom(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(principalKey).(*models.Principal)
	return p
}

func sessionTokenFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionTokenKey).(string)
	return s
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Authenticator resolves sessions and step-up tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionToken string) (*models.Principal, error)
	VerifyStepUp(token string, principal *models.Principal) error
}

// Middleware holds the request gates.
type Middleware struct {
	responder
	auth      Authenticator
	turnstile TurnstileVerifier
	limiter   RateLimiter
	limits    RateLimits
}

// TurnstileVerifier checks bot-challenge tokens.
type TurnstileVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*client.TurnstileResult, error)
}

// RateLimiter counts requests in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (redisrepo.RateLimitResult, error)
}

// RateLimit is one limit/window pair.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

type RateLimits struct {
	General   RateLimit
	Auth      RateLimit
	Sensitive RateLimit
}

func NewMiddleware(auth Authenticator, turnstile TurnstileVerifier, limiter RateLimiter, limits RateLimits, logger *zap.Logger, devMode bool) *Middleware {
	return &Middleware{
		responder: responder{logger: logger, devMode: devMode},
		auth:      auth,
		turnstile: turnstile,
		limiter:   limiter,
		limits:    limits,
	}
}

// RequireAuth resolves the bearer session into a principal.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			m.respondWithError(w, r, &service.OpError{Kind: service.ErrUnauthenticated, Op: "auth"}, "Missing or invalid authorization header")
			return
		}

		principal, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			m.respondWithError(w, r, err, "Invalid or expired session")
			return
		}
		principal.SourceIP = clientIP(r)
		principal.UserAgent = r.UserAgent()
		principal.RequestID = middleware.GetReqID(r.Context())

		ctx := context.WithValue(r.Context(), principalKey, principal)
		ctx = context.WithValue(ctx, sessionTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalTurnstile verifies a challenge token when one is supplied in the
// header or the JSON body, and lets the request through otherwise.
func (m *Middleware) OptionalTurnstile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(headerTurnstile)
		if token == "" && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				m.respondWithError(w, r, &service.OpError{Kind: service.ErrInvalidInput, Op: "turnstile", Err: errors.New("invalid request body")}, "Invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			var fields map[string]json.RawMessage
			if json.Unmarshal(body, &fields) == nil {
				_ = json.Unmarshal(fields[fieldTurnstile], &token)
			}
		}
		if token == "" || m.turnstile == nil {
			next.ServeHTTP(w, r)
			return
		}

		result, err := m.turnstile.Verify(r.Context(), token, clientIP(r))
		if err != nil {
			m.respondWithError(w, r, &service.OpError{Kind: service.ErrDependency, Op: "turnstile", Err: err}, "Turnstile verification unavailable")
			return
		}
		if !result.Success {
			m.respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "Turnstile validation failed",
				"codes":   result.ErrorCodes,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits requests per client address within scope. Limiter
// failures let the request through.
func (m *Middleware) RateLimit(scope string, limit RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m.limiter == nil || limit.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientIP(r)
			result, err := m.limiter.Allow(r.Context(), key, limit.Limit, limit.Window)
			if err != nil {
				m.logger.Warn("Rate limiter unavailable, allowing request", util.String("scope", scope), util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetIn.Seconds())))
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.ResetIn.Seconds())))
				m.respondWithJSON(w, http.StatusTooManyRequests, Response{
					Success: false,
					Error:   "too many requests",
					Message: "Rate limit exceeded, try again later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. After middleware.RealIP the
// address may be a bare IP, including an unbracketed IPv6 one.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
