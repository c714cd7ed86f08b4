package httpapi

import (
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
	"github.com/vladislavdragonenkov/keyshop/internal/service/fulfillment"
)

type callbackResponse struct {
	Status    string `json:"status"`
	OrderID   string `json:"order_id,omitempty"`
	Outcome   string `json:"outcome"`
	Delivered int    `json:"delivered"`
	Short     int    `json:"short,omitempty"`
}

// handleCallback проверяет подпись по сырому телу до разбора JSON.
// Любой не-2xx ответ шлюз повторит.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil || s.deps.Callbacks == nil {
		writeError(w, http.StatusServiceUnavailable, "payment callbacks are not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "callback body is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read callback body")
		return
	}

	logger := s.logger.WithField("remote_addr", r.RemoteAddr)
	if err := s.deps.Verifier.Verify(body, r.Header.Get(s.cfg.SignatureHeader)); err != nil {
		logger.WithError(err).Warn("payment callback rejected: bad signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	cb, err := paygate.ParseCallback(body, s.clock())
	if err != nil {
		logger.WithError(err).Warn("payment callback rejected: malformed payload")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger = logger.WithFields(log.Fields{"order_id": cb.OrderID, "track_id": cb.TrackID})
	res, err := s.deps.Callbacks.HandleCallback(r.Context(), cb)
	if err != nil {
		status := statusFor(err)
		logger.WithError(err).WithField("status", status).Error("payment callback processing failed")
		writeError(w, status, publicMessage(status, err))
		return
	}

	writeJSON(w, http.StatusOK, callbackResponseOf(res))
}

func callbackResponseOf(res fulfillment.Result) callbackResponse {
	return callbackResponse{
		Status:    "ok",
		OrderID:   res.OrderID,
		Outcome:   string(res.Outcome),
		Delivered: res.Delivered,
		Short:     res.Short,
	}
}
