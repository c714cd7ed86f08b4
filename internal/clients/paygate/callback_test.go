package paygate

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

func TestVerifierAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"status":"Paid","orderId":"o-1","trackId":"1"}`)
	sig := hex.EncodeToString(Sign([]byte("secret"), body))

	v := NewVerifier("secret")
	require.NoError(t, v.Verify(body, sig))
	require.NoError(t, v.Verify(body, " "+sig+" "))
}

func TestVerifierRejects(t *testing.T) {
	body := []byte(`{"status":"Paid"}`)
	good := hex.EncodeToString(Sign([]byte("secret"), body))

	cases := []struct {
		name   string
		secret string
		body   []byte
		sig    string
	}{
		{name: "empty signature", secret: "secret", body: body, sig: ""},
		{name: "not hex", secret: "secret", body: body, sig: "zz"},
		{name: "wrong key", secret: "other", body: body, sig: good},
		{name: "tampered body", secret: "secret", body: []byte(`{"status":"Paid "}`), sig: good},
		{name: "no merchant key", secret: "", body: body, sig: good},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewVerifier(tc.secret).Verify(tc.body, tc.sig)
			require.ErrorIs(t, err, domain.ErrCallbackSignature)
		})
	}
}

func TestParseCallback(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cb, err := ParseCallback([]byte(`{"type":"invoice","status":"Paid","orderId":"o-1","trackId":987,"amount":"10.5","currency":"USDT"}`), now)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackKindInvoice, cb.Kind)
	assert.Equal(t, domain.PaymentStatusPaid, cb.Status)
	assert.Equal(t, "Paid", cb.RawStatus)
	assert.Equal(t, "o-1", cb.OrderID)
	assert.Equal(t, "987", cb.TrackID)
	assert.True(t, cb.Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, now, cb.ReceivedAt)

	cb, err = ParseCallback([]byte(`{"type":"payment","status":"Confirming","orderId":"o-2","trackId":"t","amount":3}`), now)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackKindPayment, cb.Kind)
	assert.Equal(t, domain.PaymentStatusConfirming, cb.Status)

	cb, err = ParseCallback([]byte(`{"status":"Waiting","orderId":"o-3","trackId":"t"}`), now)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackKindInvoice, cb.Kind)
	assert.Equal(t, domain.PaymentStatusWaiting, cb.Status)
	assert.False(t, cb.Status.IsConfirmed())
}

func TestParseCallbackStatuses(t *testing.T) {
	cases := map[string]domain.PaymentStatus{
		"Paid":       domain.PaymentStatusPaid,
		"paid":       domain.PaymentStatusPaid,
		"Confirming": domain.PaymentStatusConfirming,
		"confirming": domain.PaymentStatusUnknown,
		"CONFIRMING": domain.PaymentStatusUnknown,
		"Expired":    domain.PaymentStatusExpired,
		"Failed":     domain.PaymentStatusFailed,
		"Refunded":   domain.PaymentStatusRefunded,
		"PAID":       domain.PaymentStatusUnknown,
		"Whatever":   domain.PaymentStatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeStatus(raw), raw)
	}
}

func TestParseCallbackLowercaseConfirmingIsNotConfirmed(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"type":"payment","status":"confirming","orderId":"o-3","trackId":"t"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnknown, cb.Status)
	assert.False(t, cb.Status.IsConfirmed())
}

func TestParseCallbackMalformed(t *testing.T) {
	bodies := map[string]string{
		"not json":        `status=Paid`,
		"unknown type":    `{"type":"payout","status":"Paid","orderId":"o","trackId":"t"}`,
		"missing order":   `{"status":"Paid","trackId":"t"}`,
		"missing track":   `{"status":"Paid","orderId":"o"}`,
		"missing status":  `{"orderId":"o","trackId":"t"}`,
		"bad amount":      `{"status":"Paid","orderId":"o","trackId":"t","amount":"ten"}`,
		"object track id": `{"status":"Paid","orderId":"o","trackId":{"id":1}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(body), time.Now())
			require.ErrorIs(t, err, domain.ErrCallbackMalformed)
		})
	}
}
