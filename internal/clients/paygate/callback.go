package paygate

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// SignatureHeader: заголовок, в котором шлюз передаёт HMAC тела callback-а.
const SignatureHeader = "HMAC"

// Verifier проверяет HMAC-SHA512 подпись сырого тела callback-а ключом мерчанта.
type Verifier struct {
	secret []byte
}

// NewVerifier создаёт проверку подписи. Пустой секрет отклоняет все callback-и.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify сравнивает подпись за постоянное время.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: merchant key is not configured", domain.ErrCallbackSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return domain.ErrCallbackSignature
	}
	if !hmac.Equal(got, Sign(v.secret, body)) {
		return domain.ErrCallbackSignature
	}
	return nil
}

// Sign считает HMAC-SHA512 тела (используется шлюзом и тестами).
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// flexString принимает и строку, и число: шлюз присылает trackId в обоих видах.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

type callbackPayload struct {
	Type     string     `json:"type"`
	Status   string     `json:"status"`
	OrderID  flexString `json:"orderId"`
	TrackID  flexString `json:"trackId"`
	Amount   flexString `json:"amount"`
	Currency string     `json:"currency"`
}

// ParseCallback разбирает тело callback-а в строгий тип. Неизвестный type,
// отсутствие status/orderId/trackId или некорректная сумма дают ErrCallbackMalformed.
func ParseCallback(body []byte, receivedAt time.Time) (domain.PaymentCallback, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: %v", domain.ErrCallbackMalformed, err)
	}

	var kind domain.CallbackKind
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "", "invoice":
		kind = domain.CallbackKindInvoice
	case "payment":
		kind = domain.CallbackKindPayment
	default:
		return domain.PaymentCallback{}, fmt.Errorf("%w: unsupported type %q", domain.ErrCallbackMalformed, p.Type)
	}

	cb := domain.PaymentCallback{
		Kind:       kind,
		RawStatus:  strings.TrimSpace(p.Status),
		OrderID:    strings.TrimSpace(string(p.OrderID)),
		TrackID:    strings.TrimSpace(string(p.TrackID)),
		Currency:   strings.TrimSpace(p.Currency),
		ReceivedAt: receivedAt,
	}
	if cb.RawStatus == "" || cb.OrderID == "" || cb.TrackID == "" {
		return domain.PaymentCallback{}, fmt.Errorf("%w: status, orderId and trackId are required", domain.ErrCallbackMalformed)
	}
	cb.Status = normalizeStatus(cb.RawStatus)

	if p.Amount != "" {
		amount, err := decimal.NewFromString(string(p.Amount))
		if err != nil {
			return domain.PaymentCallback{}, fmt.Errorf("%w: amount: %v", domain.ErrCallbackMalformed, err)
		}
		cb.Amount = amount
	}

	return cb, nil
}

// normalizeStatus: оплату подтверждают только "Paid", "paid" и "Confirming",
// прочие написания этих статусов считаются неизвестными.
func normalizeStatus(raw string) domain.PaymentStatus {
	switch raw {
	case "Paid", "paid":
		return domain.PaymentStatusPaid
	case "Confirming":
		return domain.PaymentStatusConfirming
	}
	switch strings.ToLower(raw) {
	case "waiting", "new":
		return domain.PaymentStatusWaiting
	case "expired":
		return domain.PaymentStatusExpired
	case "failed", "canceled", "cancelled":
		return domain.PaymentStatusFailed
	case "refunded", "refunding":
		return domain.PaymentStatusRefunded
	default:
		return domain.PaymentStatusUnknown
	}
}
