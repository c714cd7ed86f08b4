package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/api/httpapi"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
)

const (
	checkoutPath     = "/api/checkout"
	callbackPath     = "/api/payments/callback"
	maxResponseBytes = 64 << 10
	transportError   = "transport_error"
)

type checkoutItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int32  `json:"quantity"`
}

type checkoutBody struct {
	Items []checkoutItem `json:"items"`
	Email string         `json:"email"`
}

type checkoutResult struct {
	OrderID  string `json:"order_id"`
	TrackID  string `json:"track_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type callbackBody struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	OrderID  string `json:"orderId"`
	TrackID  string `json:"trackId"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type callbackResult struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
}

// runner выполняет сценарии против HTTP API магазина.
type runner struct {
	cfg    config
	client *http.Client
	col    *collector
	runID  string
}

func (r *runner) runScenario(ctx context.Context, index int) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		r.col.record(scenarioStep, time.Since(start), status, err == nil)
	}()

	body := checkoutBody{
		Items: []checkoutItem{{ProductID: r.cfg.productID, VariantID: r.cfg.variantID, Quantity: int32(r.cfg.quantity)}},
		Email: fmt.Sprintf("%s+%s-%d@loadtest.invalid", r.cfg.customerTag, r.runID, index),
	}
	key := fmt.Sprintf("lt-%s-%d", r.runID, index)

	order, err := r.checkout(ctx, "checkout", body, key, false)
	if err != nil {
		return err
	}
	if r.cfg.mode == modeCheckoutReplay || r.cfg.mode == modeFullReplay {
		replayed, err := r.checkout(ctx, "checkout_replay", body, key, true)
		if err != nil {
			return err
		}
		if replayed.OrderID != order.OrderID {
			return fmt.Errorf("replay returned order %s, want %s", replayed.OrderID, order.OrderID)
		}
	}
	if r.cfg.mode == modeCheckout || r.cfg.mode == modeCheckoutReplay {
		return nil
	}

	if err := r.callback(ctx, "callback", order, "completed"); err != nil {
		return err
	}
	if r.cfg.mode == modeFullReplay {
		return r.callback(ctx, "callback_replay", order, "already_completed")
	}
	return nil
}

func (r *runner) checkout(ctx context.Context, step string, body checkoutBody, key string, wantReplay bool) (checkoutResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return checkoutResult{}, err
	}
	headers := map[string]string{httpapi.IdempotencyKeyHeader: key}

	var out checkoutResult
	resp, err := r.post(ctx, step, checkoutPath, raw, headers, http.StatusCreated, &out)
	if err != nil {
		return out, err
	}
	if out.OrderID == "" || out.TrackID == "" {
		return out, errors.New("checkout response without order_id or track_id")
	}
	if wantReplay && resp.Header.Get(httpapi.ReplayedHeader) != "true" {
		return out, errors.New("repeated checkout was not served from idempotency cache")
	}
	return out, nil
}

// callback подписывает Paid-уведомление ключом мерчанта, как это делает шлюз.
func (r *runner) callback(ctx context.Context, step string, order checkoutResult, wantOutcome string) error {
	raw, err := json.Marshal(callbackBody{
		Type:     "invoice",
		Status:   "Paid",
		OrderID:  order.OrderID,
		TrackID:  order.TrackID,
		Amount:   order.Amount,
		Currency: order.Currency,
	})
	if err != nil {
		return err
	}
	signature := hex.EncodeToString(paygate.Sign([]byte(r.cfg.merchantKey), raw))

	var out callbackResult
	if _, err := r.post(ctx, step, callbackPath, raw, map[string]string{paygate.SignatureHeader: signature}, http.StatusOK, &out); err != nil {
		return err
	}
	if out.Outcome != wantOutcome {
		return fmt.Errorf("callback outcome %q, want %q", out.Outcome, wantOutcome)
	}
	return nil
}

func (r *runner) post(ctx context.Context, step, path string, body []byte, headers map[string]string, wantStatus int, out any) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.col.record(step, time.Since(start), transportError, false)
		return nil, err
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	ok := readErr == nil && resp.StatusCode == wantStatus
	r.col.record(step, time.Since(start), strconv.Itoa(resp.StatusCode), ok)
	if readErr != nil {
		return resp, readErr
	}
	if resp.StatusCode != wantStatus {
		return resp, fmt.Errorf("%s: status %d: %s", step, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp, fmt.Errorf("%s: decode response: %w", step, err)
	}
	return resp, nil
}
