package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"paypollen-api/internal/util"
)

// HealthChecker reports per-dependency health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// MetricsRecorder instruments requests and serves the scrape endpoint.
type MetricsRecorder interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// RouterOptions collects what NewRouter mounts.
type RouterOptions struct {
	Auth     *AuthHandler
	KYC      *KYCHandler
	PII      *PIIHandler
	Accounts *AccountHandler

	Middleware   *Middleware
	Metrics      MetricsRecorder
	Health       HealthChecker
	CORSOrigins  []string
	RequireHTTPS bool
	Timeout      time.Duration
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	router.Use(middleware.Timeout(timeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerStepUp, headerTurnstile},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		checks := map[string]string{}
		if opts.Health != nil {
			for name, err := range opts.Health.HealthCheck(r.Context()) {
				if err != nil {
					util.Warn("Health check failed", util.String("component", name), util.ErrorField(err))
					checks[name] = "unhealthy"
					status, code = "unhealthy", http.StatusServiceUnavailable
					continue
				}
				checks[name] = "healthy"
			}
		}
		writeJSON(w, code, map[string]interface{}{
			"status":  status,
			"service": "paypollen-api",
			"checks":  checks,
		})
	})

	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics.Handler())
	}

	if opts.KYC != nil {
		opts.KYC.RegisterWebhooks(router)
	}

	router.Route("/api", func(r chi.Router) {
		if opts.Middleware != nil {
			r.Use(opts.Middleware.RateLimit("general", opts.Middleware.limits.General))
		}

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"service": "paypollen-api",
				"routes":  []string{"/api/auth", "/api/kyc", "/api/pii/{userId}", "/api/accounts"},
			})
		})

		if opts.Auth != nil {
			opts.Auth.RegisterRoutes(r)
		}
		if opts.KYC != nil {
			opts.KYC.RegisterRoutes(r)
		}
		if opts.PII != nil {
			opts.PII.RegisterRoutes(r)
		}
		if opts.Accounts != nil {
			opts.Accounts.RegisterRoutes(r)
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Error: "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method not allowed"})
	})

	return router
}
