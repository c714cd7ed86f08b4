package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

func TestCreateInvoiceSendsMerchantRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, invoicePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"result":100,"message":"ok","trackId":123456,"payLink":"https://pay.example/123456"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/", MerchantKey: "merchant", DescriptionLimit: 5}, srv.Client(), nil)
	inv, err := client.CreateInvoice(context.Background(), domain.InvoiceRequest{
		OrderID:     "order-1",
		Amount:      decimal.RequireFromString("12.50"),
		Currency:    "USD",
		Lifetime:    30 * time.Minute,
		CallbackURL: "https://shop.example/api/payments/callback",
		ReturnURL:   "https://shop.example/return",
		Description: "Заказ номер один",
		Email:       "buyer@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", inv.TrackID)
	assert.Equal(t, "https://pay.example/123456", inv.PayURL)

	assert.Equal(t, "merchant", got["merchant"])
	assert.Equal(t, 12.5, got["amount"])
	assert.Equal(t, float64(30), got["lifeTime"])
	assert.Equal(t, "order-1", got["orderId"])
	assert.Equal(t, "Заказ ", got["description"])
}

func TestCreateInvoiceRejectedByGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":102,"message":"invalid merchant"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	_, err := client.CreateInvoice(context.Background(), domain.InvoiceRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayFailed))
	assert.Contains(t, err.Error(), "invalid merchant")
}

func TestCreateInvoiceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	_, err := client.CreateInvoice(context.Background(), domain.InvoiceRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrGatewayFailed)
}

func TestCreateInvoiceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), nil)
	start := time.Now()
	_, err := client.CreateInvoice(context.Background(), domain.InvoiceRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrGatewayFailed)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "ключ", truncateRunes(strings.Repeat("ключ", 3), 4))
}
