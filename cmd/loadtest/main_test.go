package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/api/httpapi"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
)

const testMerchantKey = "merchant-secret"

// fakeShop повторяет контракт API: идемпотентное оформление и подписанный callback.
type fakeShop struct {
	mu        sync.Mutex
	verifier  *paygate.Verifier
	byKey     map[string][]byte
	completed map[string]bool
	seq       int
}

func newFakeShop() *fakeShop {
	return &fakeShop{
		verifier:  paygate.NewVerifier(testMerchantKey),
		byKey:     map[string][]byte{},
		completed: map[string]bool{},
	}
}

func (s *fakeShop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case checkoutPath:
		key := r.Header.Get(httpapi.IdempotencyKeyHeader)
		if cached, ok := s.byKey[key]; ok {
			w.Header().Set(httpapi.ReplayedHeader, "true")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(cached)
			return
		}
		s.seq++
		resp, _ := json.Marshal(checkoutResult{
			OrderID:  fmt.Sprintf("order-%d", s.seq),
			TrackID:  "track",
			Amount:   "12.50",
			Currency: "USDT",
		})
		s.byKey[key] = resp
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(resp)
	case callbackPath:
		if err := s.verifier.Verify(body, r.Header.Get(paygate.SignatureHeader)); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cb callbackBody
		_ = json.Unmarshal(body, &cb)
		outcome := "completed"
		if s.completed[cb.OrderID] {
			outcome = "already_completed"
		}
		s.completed[cb.OrderID] = true
		_ = json.NewEncoder(w).Encode(callbackResult{Status: "ok", Outcome: outcome})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func noEnv(string) string { return "" }

func TestParseMode(t *testing.T) {
	for _, m := range []string{"checkout", "checkout-replay", " checkout-pay ", "checkout-pay-replay"} {
		_, err := parseMode(m)
		assert.NoError(t, err, m)
	}
	_, err := parseMode("create-pay-cancel")
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-product=game", "-url=http://shop:8080/"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "http://shop:8080", cfg.baseURL)
	assert.Equal(t, modeCheckout, cfg.mode)
	assert.False(t, cfg.totalSet)

	cfg, err = parseConfig([]string{"-product=game", "-mode=checkout-pay", "-total=5"}, func(key string) string {
		if key == envMerchantKey {
			return "from-env"
		}
		return ""
	})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.merchantKey)
	assert.True(t, cfg.totalSet)

	invalid := map[string][]string{
		"product is required":           {},
		"concurrency must be > 0":       {"-product=p", "-concurrency=0"},
		"rps must be >= 0":              {"-product=p", "-rps=-1"},
		"quantity must be > 0":          {"-product=p", "-quantity=0"},
		"total must be > 0":             {"-product=p", "-total=0"},
		"duration must be >= 0":         {"-product=p", "-duration=-1s"},
		"-merchant-key":                 {"-product=p", "-mode=checkout-pay"},
		"unsupported mode":              {"-product=p", "-mode=pay"},
		"flag provided but not defined": {"-addr=localhost:50051"},
	}
	for want, args := range invalid {
		_, err := parseConfig(args, noEnv)
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}

func TestDispatchJobs(t *testing.T) {
	collect := func(cfg config) []int {
		jobs := make(chan int, 100)
		dispatchJobs(context.Background(), jobs, cfg)
		var got []int
		for j := range jobs {
			got = append(got, j)
		}
		return got
	}

	assert.Equal(t, []int{0, 1, 2}, collect(config{total: 3}))
	assert.Len(t, collect(config{total: 4, totalSet: true, duration: time.Minute}), 4)

	// По времени без явного total: останавливается по истечении duration.
	jobs := make(chan int)
	done := make(chan struct{})
	go func() {
		dispatchJobs(context.Background(), jobs, config{duration: 30 * time.Millisecond, rps: 1000})
		close(done)
	}()
	go func() {
		for range jobs {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop after duration")
	}
}

func TestExecuteFullReplayScenario(t *testing.T) {
	shop := httptest.NewServer(newFakeShop())
	defer shop.Close()

	cfg := config{
		baseURL:     shop.URL,
		total:       6,
		concurrency: 3,
		timeout:     time.Second,
		mode:        modeFullReplay,
		productID:   "game",
		quantity:    1,
		customerTag: "load",
		merchantKey: testMerchantKey,
	}
	result := execute(context.Background(), cfg, shop.Client())

	assert.Equal(t, int64(6), result.TotalScenarios)
	assert.Equal(t, int64(0), result.FailedScenarios, "steps: %+v", result.Steps)
	for _, step := range []string{"checkout", "checkout_replay", "callback", "callback_replay"} {
		assert.Equal(t, int64(6), result.Steps[step].Success, step)
	}
	assert.Equal(t, int64(6), result.Steps["checkout"].Statuses["201"])
	assert.Equal(t, int64(6), result.Steps["callback"].Statuses["200"])
}

func TestExecuteWrongMerchantKeyFails(t *testing.T) {
	shop := httptest.NewServer(newFakeShop())
	defer shop.Close()

	cfg := config{
		baseURL:     shop.URL,
		total:       2,
		concurrency: 1,
		timeout:     time.Second,
		mode:        modeCheckoutPay,
		productID:   "game",
		quantity:    1,
		customerTag: "load",
		merchantKey: "wrong",
	}
	result := execute(context.Background(), cfg, shop.Client())
	assert.Equal(t, int64(2), result.FailedScenarios)
	assert.Equal(t, int64(2), result.Steps["callback"].Statuses["401"])
	assert.InDelta(t, 1.0, result.ErrorRate, 0.0001)
}

func TestTransportErrorRecorded(t *testing.T) {
	shop := httptest.NewServer(newFakeShop())
	url := shop.URL
	shop.Close()

	r := &runner{
		cfg:    config{baseURL: url, timeout: 200 * time.Millisecond, mode: modeCheckout, productID: "p", quantity: 1, customerTag: "t"},
		client: &http.Client{},
		col:    newCollector(),
		runID:  "run",
	}
	require.Error(t, r.runScenario(context.Background(), 0))
	rep := r.col.buildReport(time.Now(), time.Second)
	assert.Equal(t, int64(1), rep.Steps["checkout"].Statuses[transportError])
}

func TestCollectorReportAndPercentiles(t *testing.T) {
	col := newCollector()
	for i := 1; i <= 4; i++ {
		col.record(scenarioStep, time.Duration(i)*time.Millisecond, "ok", i != 4)
	}
	rep := col.buildReport(time.Unix(0, 0), 2*time.Second)

	assert.Equal(t, int64(4), rep.TotalScenarios)
	assert.Equal(t, int64(1), rep.FailedScenarios)
	assert.InDelta(t, 0.25, rep.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0, rep.RPS, 1e-9)
	assert.InDelta(t, 1.0, rep.ScenarioLatencyMs.Min, 1e-9)
	assert.InDelta(t, 4.0, rep.ScenarioLatencyMs.Max, 1e-9)
	assert.InDelta(t, 2.5, rep.ScenarioLatencyMs.P50, 1e-9)

	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.Equal(t, 0.0, ratio(1, 0))
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, writeJSONReport("report.json", report{TotalScenarios: 3}))
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total_scenarios": 3`)

	assert.Error(t, writeJSONReport(".", report{}))
	assert.Error(t, writeJSONReport("../outside.json", report{}))
}

func TestPrintReport(t *testing.T) {
	col := newCollector()
	col.record(scenarioStep, time.Millisecond, "ok", true)
	col.record("checkout", time.Millisecond, "201", true)
	col.record("callback", time.Millisecond, "409", false)

	var buf bytes.Buffer
	printReport(&buf, col.buildReport(time.Now(), time.Second), config{mode: modeCheckoutPay, total: 1})

	out := buf.String()
	assert.Contains(t, out, "mode=checkout-pay run=count:1")
	assert.Contains(t, out, "callback: calls=1 success=0 failed=1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("callback:")), bytes.Index(buf.Bytes(), []byte("checkout:")))
	assert.Equal(t, "duration:1m0s,max-total:5", runTarget(config{duration: time.Minute, total: 5, totalSet: true}))
}
