package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paypollen-api/internal/models"
	"paypollen-api/internal/service"
)

// PIIHandler exposes the encrypted user records.
type PIIHandler struct {
	responder
	pii *service.PIIService
	mw  *Middleware
}

func NewPIIHandler(pii *service.PIIService, mw *Middleware, logger *zap.Logger, devMode bool) *PIIHandler {
	return &PIIHandler{
		responder: responder{logger: logger, devMode: devMode},
		pii:       pii,
		mw:        mw,
	}
}

func (h *PIIHandler) RegisterRoutes(r chi.Router) {
	r.Route("/pii/{userId}", func(r chi.Router) {
		r.Use(h.mw.RequireAuth)
		r.Use(h.mw.RateLimit("sensitive", h.mw.limits.Sensitive))
		r.Post("/", h.Insert)
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
	})
}

type piiRequest struct {
	Email   string          `json:"email"`
	Phone   string          `json:"phone"`
	SSN     string          `json:"ssn"`
	Address *models.Address `json:"address,omitempty"`
}

// access builds the read/delete request. The step-up header is checked
// here and enforced by the service after authorization.
func (h *PIIHandler) access(r *http.Request) service.PIIAccess {
	principal := PrincipalFrom(r.Context())
	return service.PIIAccess{
		Principal:      principal,
		TargetUserID:   chi.URLParam(r, "userId"),
		StepUpVerified: h.mw.auth.VerifyStepUp(r.Header.Get(headerStepUp), principal) == nil,
	}
}

// Insert handles POST /pii/{userId}
func (h *PIIHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var req piiRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	view, err := h.pii.Insert(r.Context(), PrincipalFrom(r.Context()), &models.UserPIIRecord{
		UserID:  chi.URLParam(r, "userId"),
		Email:   req.Email,
		Phone:   req.Phone,
		SSN:     req.SSN,
		Address: req.Address,
	})
	if err != nil {
		h.respondWithError(w, r, err, "Failed to store PII")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, Response{Success: true, Data: view})
}

// Get handles GET /pii/{userId}
func (h *PIIHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.pii.Get(r.Context(), h.access(r))
	if err != nil {
		h.respondWithError(w, r, err, "Failed to read PII")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: view})
}

// Update handles PUT /pii/{userId}
func (h *PIIHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch models.PIIPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		h.respondWithError(w, r, err, "Invalid request body")
		return
	}

	if err := h.pii.Update(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "userId"), patch); err != nil {
		h.respondWithError(w, r, err, "Failed to update PII")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "PII updated"})
}

// Delete handles DELETE /pii/{userId}
func (h *PIIHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.pii.Delete(r.Context(), h.access(r)); err != nil {
		h.respondWithError(w, r, err, "Failed to delete PII")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "PII deleted"})
}
