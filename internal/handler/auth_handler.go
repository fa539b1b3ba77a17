package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paypollen-api/internal/service"
)

// AuthHandler serves magic-link login and step-up.
type AuthHandler struct {
	responder
	auth *service.AuthService
	mw   *Middleware
}

func NewAuthHandler(auth *service.AuthService, mw *Middleware, logger *zap.Logger, devMode bool) *AuthHandler {
	return &AuthHandler{
		responder: responder{logger: logger, devMode: devMode},
		auth:      auth,
		mw:        mw,
	}
}

// RegisterRoutes mounts the routes under /auth.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RateLimit("auth", h.mw.limits.Auth))
			r.With(h.mw.OptionalTurnstile).Post("/login", h.Login)
			r.Post("/callback", h.Callback)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireAuth)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
			r.With(h.mw.RateLimit("sensitive", h.mw.limits.Sensitive)).Post("/step-up", h.StepUp)
		})
	})
}

type loginRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	userID, err := h.auth.Login(r.Context(), req.Email)
	if err != nil {
		h.respondWithError(w, r, err, "Failed to send magic link")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"user_id": userID},
		Message: "Magic link sent",
	})
}

// Callback handles POST /auth/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	result, err := h.auth.Callback(r.Context(), req.Token)
	if err != nil {
		h.respondWithError(w, r, err, "Authentication failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"user":          result.User,
			"session_token": result.SessionToken,
		},
		Message: "Authenticated",
	})
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), sessionTokenFrom(r.Context())); err != nil {
		h.respondWithError(w, r, err, "Failed to revoke session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Logged out"})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: PrincipalFrom(r.Context())})
}

// StepUp handles POST /auth/step-up
func (h *AuthHandler) StepUp(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	token, err := h.auth.StepUp(r.Context(), PrincipalFrom(r.Context()), sessionTokenFrom(r.Context()), req.Token)
	if err != nil {
		h.respondWithError(w, r, err, "Step-up verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"step_up_token": token.Token,
			"expires_at":    token.ExpiresAt.Format(time.RFC3339),
		},
	})
}
