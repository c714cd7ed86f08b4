package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string, details ...string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

// statusFor переводит доменную ошибку в HTTP-статус.
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallbackMalformed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallbackSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLockNotAcquired), domain.IsVersionConflict(err), domain.IsIdempotencyConflict(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewayFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage не раскрывает внутренние ошибки для 5xx.
func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		if status == http.StatusBadGateway {
			return "payment gateway is unavailable"
		}
		return "internal error"
	}
	return err.Error()
}
