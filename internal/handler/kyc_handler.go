package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paypollen-api/internal/models"
	"paypollen-api/internal/service"
)

const headerPlaidVerification = "Plaid-Verification"

// WebhookVerifier authenticates a provider webhook body against its signed
// header.
type WebhookVerifier interface {
	Verify(ctx context.Context, signed string, body []byte) error
}

// KYCHandler serves the identity verification flow and its webhook.
type KYCHandler struct {
	responder
	kyc      *service.KYCService
	mw       *Middleware
	verifier WebhookVerifier
}

// NewKYCHandler builds the handler. A nil verifier accepts unsigned
// webhooks and is meant for local development only.
func NewKYCHandler(kyc *service.KYCService, mw *Middleware, verifier WebhookVerifier, logger *zap.Logger, devMode bool) *KYCHandler {
	return &KYCHandler{
		responder: responder{logger: logger, devMode: devMode},
		kyc:       kyc,
		mw:        mw,
		verifier:  verifier,
	}
}

func (h *KYCHandler) RegisterRoutes(r chi.Router) {
	r.Route("/kyc", func(r chi.Router) {
		r.Use(h.mw.RequireAuth)
		r.Get("/status", h.Status)
		r.Post("/start", h.Start)
		r.Post("/retry", h.Retry)
	})
}

// RegisterWebhooks mounts the unauthenticated provider callbacks.
func (h *KYCHandler) RegisterWebhooks(r chi.Router) {
	r.Post("/webhooks/plaid/idv", h.Webhook)
}

type kycSessionResponse struct {
	IDVID        string           `json:"idv_id"`
	Status       models.KYCStatus `json:"status"`
	ShareableURL string           `json:"shareable_url,omitempty"`
	Steps        *models.KYCSteps `json:"steps,omitempty"`
	Created      *bool            `json:"created,omitempty"`
}

func sessionResponse(s *models.KYCSession) kycSessionResponse {
	return kycSessionResponse{
		IDVID:        s.IDVID,
		Status:       s.Status,
		ShareableURL: s.ShareableURL,
		Steps:        s.Steps,
	}
}

// Status handles GET /kyc/status
func (h *KYCHandler) Status(w http.ResponseWriter, r *http.Request) {
	session, err := h.kyc.Status(r.Context(), PrincipalFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithError(w, r, err, "Failed to get KYC status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: sessionResponse(session)})
}

// Start handles POST /kyc/start
func (h *KYCHandler) Start(w http.ResponseWriter, r *http.Request) {
	session, created, err := h.kyc.Start(r.Context(), PrincipalFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithError(w, r, err, "Failed to start KYC")
		return
	}

	resp := sessionResponse(session)
	resp.Created = &created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondWithJSON(w, status, Response{Success: true, Data: resp})
}

// Retry handles POST /kyc/retry
func (h *KYCHandler) Retry(w http.ResponseWriter, r *http.Request) {
	session, err := h.kyc.Retry(r.Context(), PrincipalFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithError(w, r, err, "Failed to retry KYC")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Data: sessionResponse(session)})
}

// Webhook handles POST /webhooks/plaid/idv
func (h *KYCHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier != nil {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.respondWithError(w, r, &service.OpError{Kind: service.ErrInvalidInput, Op: "decode", Err: errors.New("invalid request body")}, "Invalid webhook body")
			return
		}
		if err := h.verifier.Verify(r.Context(), r.Header.Get(headerPlaidVerification), body); err != nil {
			h.respondWithError(w, r, err, "Webhook signature rejected")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	var event models.WebhookEvent
	if err := decodeJSON(w, r, &event); err != nil {
		h.respondWithError(w, r, err, "Invalid webhook body")
		return
	}

	session, err := h.kyc.OnWebhook(r.Context(), event)
	if err != nil {
		h.respondWithError(w, r, err, "Webhook not applied")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"idv_id": session.IDVID, "status": session.Status},
	})
}
