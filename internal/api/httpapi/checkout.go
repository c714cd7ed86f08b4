package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/service/checkout"
)

const (
	// IdempotencyKeyHeader: необязательный заголовок для безопасного повтора checkout.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader выставляется, когда ответ взят из кэша идемпотентности.
	ReplayedHeader = "Idempotent-Replayed"
)

type checkoutItem struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	VariantID string `json:"variant_id" validate:"max=64"`
	Quantity  int32  `json:"quantity" validate:"gt=0,lte=100"`
}

type checkoutRequest struct {
	Items           []checkoutItem `json:"items" validate:"required,min=1,max=50,dive"`
	Email           string         `json:"email" validate:"required,email,max=254"`
	Name            string         `json:"name" validate:"max=200"`
	Phone           string         `json:"phone" validate:"max=50"`
	ShippingAddress string         `json:"shipping_address" validate:"max=500"`
	ContactMethod   string         `json:"contact_method" validate:"omitempty,oneof=email telegram whatsapp phone"`
	ContactInfo     string         `json:"contact_info" validate:"max=200"`
	Language        string         `json:"language" validate:"omitempty,alpha,len=2"`
}

type checkoutResponse struct {
	OrderID  string `json:"order_id"`
	PayURL   string `json:"pay_url"`
	TrackID  string `json:"track_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "checkout is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body is too large")
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" || s.deps.Idempotency == nil {
		status, payload := s.runCheckout(r, body)
		writeRaw(w, status, payload)
		return
	}

	s.withIdempotency(w, r, key, body)
}

// withIdempotency резервирует ключ, выполняет checkout и сохраняет ответ.
// Повтор с тем же ключом и телом получает сохранённый ответ.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, key string, body []byte) {
	ctx := r.Context()
	logger := s.logger.WithField("idempotency_key", key)

	record, err := s.deps.Idempotency.CreateProcessing(ctx, key, requestHash(r.Method, r.URL.Path, body), s.clock().Add(s.cfg.IdempotencyTTL))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			writeError(w, http.StatusConflict, "idempotency key is already used with a different request")
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			s.replay(w, record)
		default:
			logger.WithError(err).Error("reserve idempotency key failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	status, payload := s.runCheckout(r, body)

	// Ответ кэшируется и при ошибке: при сбое шлюза заказ уже создан,
	// повтор должен прийти с новым ключом.
	mark := s.deps.Idempotency.MarkDone
	if status >= http.StatusBadRequest {
		mark = s.deps.Idempotency.MarkFailed
	}
	if err := mark(ctx, key, payload, status); err != nil {
		logger.WithError(err).Warn("store idempotent response failed")
	}

	writeRaw(w, status, payload)
}

func (s *Server) replay(w http.ResponseWriter, record domain.IdempotencyRecord) {
	if !record.Replayable() {
		writeError(w, http.StatusConflict, "request with the same idempotency key is still processing")
		return
	}
	w.Header().Set(ReplayedHeader, "true")
	writeRaw(w, record.HTTPStatus, record.ResponseBody)
}

// runCheckout возвращает готовое тело ответа, чтобы его можно было сохранить.
func (s *Server) runCheckout(r *http.Request, body []byte) (int, []byte) {
	var req checkoutRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return encodeError(http.StatusBadRequest, "invalid JSON body")
	}
	req.normalize()
	if err := s.validate.Struct(req); err != nil {
		return encodeError(http.StatusBadRequest, "validation failed", validationDetails(err)...)
	}

	resp, err := s.deps.Checkout.Checkout(r.Context(), toCheckoutRequest(req))
	if err != nil {
		status := statusFor(err)
		entry := s.logger.WithError(err).WithField("status", status)
		if status >= http.StatusInternalServerError {
			entry.Error("checkout failed")
		} else {
			entry.Info("checkout rejected")
		}
		if ve := (*domain.ValidationError)(nil); errors.As(err, &ve) {
			details := make([]string, 0, len(ve.Problems))
			for _, p := range ve.Problems {
				details = append(details, p.Error())
			}
			return encodeError(status, "validation failed", details...)
		}
		return encodeError(status, publicMessage(status, err))
	}

	payload, _ := json.Marshal(checkoutResponse{
		OrderID:  resp.OrderID,
		PayURL:   resp.PayURL,
		TrackID:  resp.TrackID,
		Amount:   resp.Amount.StringFixed(2),
		Currency: resp.Currency,
	})
	return http.StatusCreated, payload
}

func (r *checkoutRequest) normalize() {
	for i := range r.Items {
		r.Items[i].ProductID = strings.TrimSpace(r.Items[i].ProductID)
		r.Items[i].VariantID = strings.TrimSpace(r.Items[i].VariantID)
	}
	r.Email = strings.TrimSpace(r.Email)
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.ShippingAddress = strings.TrimSpace(r.ShippingAddress)
	r.ContactMethod = strings.ToLower(strings.TrimSpace(r.ContactMethod))
	r.ContactInfo = strings.TrimSpace(r.ContactInfo)
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
}

func toCheckoutRequest(req checkoutRequest) checkout.Request {
	lines := make([]checkout.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, checkout.Line{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return checkout.Request{
		Lines: lines,
		Customer: domain.Customer{
			Email:           req.Email,
			Name:            req.Name,
			Phone:           req.Phone,
			ShippingAddress: req.ShippingAddress,
			ContactMethod:   req.ContactMethod,
			ContactInfo:     req.ContactInfo,
			Language:        req.Language,
		},
	}
}

func validationDetails(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return details
}

func encodeError(status int, message string, details ...string) (int, []byte) {
	payload, _ := json.Marshal(errorResponse{Error: message, Details: details})
	return status, payload
}

// requestHash связывает ключ идемпотентности с конкретным телом запроса.
func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + ":" + path + ":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
