package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// WriteJSONError writes a JSON error body whose status follows the error kind.
// Server-side failures are logged.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, msg string, err error, fields ...zap.Field) {
	status := StatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"code":    errors.Code(err),
		"message": msg,
		"details": err.Error(),
	}); encErr != nil {
		log.Error("Failed to write error response", zap.Error(encErr))
	}
}

// WriteJSONResponse writes v with status 200.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
	}
}

// StatusFromError converts a gateway error to an HTTP status code.
func StatusFromError(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnauthenticated), errors.Is(err, errors.ErrInvalidToken), errors.Is(err, errors.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrStoreUnavailable), errors.Is(err, errors.ErrRequestFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
