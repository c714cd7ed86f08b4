// Package keyprovider реализует HTTP-клиент внешнего поставщика ключей.
package keyprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/version"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	mintPath                = "/v1/keys"
	maxResponseBytes        = 64 << 10
)

// Config: параметры поставщика ключей.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout ограничивает один вызов MintKey целиком.
	Timeout time.Duration
	// FailureThreshold: число подряд неудачных вызовов до размыкания breaker-а.
	FailureThreshold uint32
	// OpenTimeout: сколько breaker остаётся разомкнутым перед пробным вызовом.
	OpenTimeout time.Duration
}

// Client выпускает ключи у поставщика. Повторов внутри вызова нет:
// повтор выполняет следующий callback шлюза.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *log.Entry
}

// New создаёт клиента поставщика ключей.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.WithField("component", "key-provider")
	}

	c := &Client{cfg: cfg, httpClient: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "key-provider",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Отказ по ctx вызывающего не говорит о здоровье поставщика.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("key provider circuit breaker state changed")
		},
	})
	return c
}

type mintRequest struct {
	Product   string `json:"product"`
	SKU       string `json:"sku,omitempty"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type mintResponse struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// MintKey запрашивает один ключ. Любая ошибка оборачивается в ErrKeyProviderFailed.
func (c *Client) MintKey(ctx context.Context, req domain.MintRequest) (string, error) {
	key, err := c.breaker.Execute(func() (string, error) {
		return c.mint(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", domain.ErrKeyProviderFailed, err)
		}
		return "", err
	}
	return key, nil
}

func (c *Client) mint(ctx context.Context, req domain.MintRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	product := req.ExternalRef
	if product == "" {
		product = req.ProductID
	}
	body, err := json.Marshal(mintRequest{
		Product:   product,
		SKU:       req.SKU,
		Price:     req.Price.String(),
		Currency:  req.Currency,
		Reference: req.OrderID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", domain.ErrKeyProviderFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+mintPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrKeyProviderFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrKeyProviderFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", domain.ErrKeyProviderFailed, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: http status %d", domain.ErrKeyProviderFailed, resp.StatusCode)
	}

	var out mintResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrKeyProviderFailed, err)
	}
	key := strings.TrimSpace(out.Key)
	if key == "" {
		return "", fmt.Errorf("%w: empty key in response: %s", domain.ErrKeyProviderFailed, out.Error)
	}

	c.logger.WithFields(log.Fields{
		"order_id":   req.OrderID,
		"product_id": req.ProductID,
	}).Info("key minted by provider")

	return key, nil
}

// State возвращает текущее состояние breaker-а для health-проверок.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

var _ domain.KeyProvider = (*Client)(nil)
