// Package paygate реализует клиент платёжного шлюза: выставление счетов и разбор callback-ов.
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/version"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultDescriptionLimit = 50
	invoicePath             = "/merchants/request"
	// resultSuccess: код успешного ответа шлюза.
	resultSuccess    = 100
	maxResponseBytes = 1 << 20
)

// Config: параметры доступа к шлюзу.
type Config struct {
	BaseURL     string
	MerchantKey string
	Timeout     time.Duration
	// DescriptionLimit: максимальная длина описания счёта в символах.
	DescriptionLimit int
}

// Client выставляет счета в шлюзе.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Entry
}

// New создаёт клиента шлюза.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = defaultDescriptionLimit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.WithField("component", "payment-gateway")
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type invoiceRequest struct {
	Merchant    string      `json:"merchant"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	LifeTime    int         `json:"lifeTime"`
	CallbackURL string      `json:"callbackUrl"`
	ReturnURL   string      `json:"returnUrl"`
	OrderID     string      `json:"orderId"`
	Description string      `json:"description"`
	Email       string      `json:"email"`
}

type invoiceResponse struct {
	Result  int        `json:"result"`
	Message string     `json:"message"`
	TrackID flexString `json:"trackId"`
	PayLink string     `json:"payLink"`
}

// CreateInvoice создаёт счёт на сумму заказа и возвращает ссылку на оплату.
func (c *Client) CreateInvoice(ctx context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(invoiceRequest{
		Merchant:    c.cfg.MerchantKey,
		Amount:      json.Number(req.Amount.String()),
		Currency:    req.Currency,
		LifeTime:    int(req.Lifetime / time.Minute),
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
		OrderID:     req.OrderID,
		Description: truncateRunes(req.Description, c.cfg.DescriptionLimit),
		Email:       req.Email,
	})
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("marshal invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+invoicePath, bytes.NewReader(body))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("build invoice request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("%w: %v", domain.ErrGatewayFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("%w: read response: %v", domain.ErrGatewayFailed, err)
	}
	if resp.StatusCode/100 != 2 {
		return domain.Invoice{}, fmt.Errorf("%w: http status %d", domain.ErrGatewayFailed, resp.StatusCode)
	}

	var out invoiceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Invoice{}, fmt.Errorf("%w: decode response: %v", domain.ErrGatewayFailed, err)
	}
	if out.Result != resultSuccess || out.PayLink == "" || out.TrackID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: result=%d message=%q", domain.ErrGatewayFailed, out.Result, out.Message)
	}

	c.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"track_id": string(out.TrackID),
	}).Info("invoice created")

	return domain.Invoice{TrackID: string(out.TrackID), PayURL: out.PayLink}, nil
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

var _ domain.PaymentGateway = (*Client)(nil)
