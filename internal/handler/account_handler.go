package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paypollen-api/internal/service"
)

type AccountHandler struct {
	responder
	accounts *service.AccountService
	mw       *Middleware
}

func NewAccountHandler(accounts *service.AccountService, mw *Middleware, logger *zap.Logger, devMode bool) *AccountHandler {
	return &AccountHandler{
		responder: responder{logger: logger, devMode: devMode},
		accounts:  accounts,
		mw:        mw,
	}
}

func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Use(h.mw.RequireAuth)
		r.Post("/", h.Create)
		r.Get("/", h.List)
	})
}

// Create handles POST /accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	view, err := h.accounts.Create(r.Context(), PrincipalFrom(r.Context()), req)
	if err != nil {
		h.respondWithError(w, r, err, "Failed to link account")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, Response{Success: true, Data: view})
}

// List handles GET /accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.accounts.List(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		h.respondWithError(w, r, err, "Failed to list accounts")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: views})
}
