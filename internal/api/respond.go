package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const (
	codeNotFound     = "NOT_FOUND"
	codeValidation   = "VALIDATION_ERROR"
	codeConflict     = "CONFLICT"
	codeUnauthorized = "UNAUTHORIZED"
	codeInternal     = "INTERNAL"

	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 4 << 20
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, code, msg string) {
	writeJSON(w, logger, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// statusFor maps fleet sentinels to an HTTP status and stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, fleet.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, fleet.ErrConflict), errors.Is(err, fleet.ErrInvalidTransition):
		return http.StatusConflict, codeConflict
	case errors.Is(err, fleet.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeError(w, s.logger, status, code, msg)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", fleet.ErrValidation, err)
	}
	return nil
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	query := r.URL.Query()
	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", fleet.ErrValidation)
		}
		limit = min(v, maxListLimit)
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", fleet.ErrValidation)
		}
		offset = v
	}
	return limit, offset, nil
}
