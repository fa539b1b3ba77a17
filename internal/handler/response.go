package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"paypollen-api/internal/service"
	"paypollen-api/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type stepUpResponse struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	StepUpRequired bool   `json:"step_up_required"`
}

// responder writes JSON bodies. Internal error detail is only exposed in
// development.
type responder struct {
	logger  *zap.Logger
	devMode bool
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	if err := writeJSON(w, statusCode, data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

func (h responder) respondWithError(w http.ResponseWriter, r *http.Request, err error, message string) {
	statusCode := getStatusCode(err)
	fields := []zap.Field{
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
		util.String("path", r.URL.Path),
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", fields...)
	} else {
		h.logger.Warn("HTTP error response", fields...)
	}

	if errors.Is(err, service.ErrStepUpRequired) {
		h.respondWithJSON(w, statusCode, stepUpResponse{
			Success:        false,
			Error:          service.ErrStepUpRequired.Error(),
			Message:        message,
			StepUpRequired: true,
		})
		return
	}

	h.respondWithJSON(w, statusCode, Response{
		Success: false,
		Error:   h.publicError(err, statusCode),
		Message: message,
	})
}

func (h responder) publicError(err error, statusCode int) string {
	if statusCode >= http.StatusInternalServerError && !h.devMode {
		return "internal server error"
	}
	var opErr *service.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Kind, service.ErrInvalidInput) && opErr.Err != nil {
			return opErr.Err.Error()
		}
		if !h.devMode {
			return opErr.Kind.Error()
		}
	}
	return err.Error()
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &service.OpError{Kind: service.ErrInvalidInput, Op: "decode", Err: errors.New("invalid request body")}
	}
	return nil
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrPermissionDenied), errors.Is(err, service.ErrStepUpRequired):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
