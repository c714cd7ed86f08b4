package integration

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/keyshop/internal/api/httpapi"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/keyprovider"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
	"github.com/vladislavdragonenkov/keyshop/internal/service/checkout"
	"github.com/vladislavdragonenkov/keyshop/internal/service/delivery"
	"github.com/vladislavdragonenkov/keyshop/internal/service/expiry"
	"github.com/vladislavdragonenkov/keyshop/internal/service/fulfillment"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
	"github.com/vladislavdragonenkov/keyshop/internal/service/outbox"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/memory"
)

const merchantKey = "integration-merchant-key"

type capturedNotifier struct {
	mu        sync.Mutex
	failNext  int
	delivered []domain.KeyDelivery
}

func (n *capturedNotifier) SendKeys(_ context.Context, d domain.KeyDelivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return errors.New("smtp: 421 service not available")
	}
	n.delivered = append(n.delivered, d)
	return nil
}

func (n *capturedNotifier) all() []domain.KeyDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.KeyDelivery(nil), n.delivered...)
}

type capturedAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *capturedAlerter) Alert(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

func (a *capturedAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type capturedPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *capturedPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturedPublisher) ofType(eventType string) []domain.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OutboxMessage
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// KeyshopFlowSuite проходит путь покупателя через HTTP API: оформление,
// подписанный callback, выдача ключей, outbox и повторная доставка.
type KeyshopFlowSuite struct {
	suite.Suite

	orders   domain.OrderRepository
	catalog  *memory.CatalogRepository
	keys     *memory.KeyRepository
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	locker   *memory.OrderLocker

	notifier  *capturedNotifier
	alerter   *capturedAlerter
	published *capturedPublisher
	minted    []string

	events   *orderevents.Recorder
	worker   *outbox.Worker
	delivery *delivery.Service
	sweeper  *expiry.Sweeper

	provider *httptest.Server
	api      *httptest.Server
}

func (s *KeyshopFlowSuite) SetupTest() {
	base := log.New()
	base.SetLevel(log.WarnLevel)
	logger := base.WithField("component", "integration-test")

	s.orders = memory.NewOrderRepository()
	s.catalog = memory.NewCatalogRepository()
	s.keys = memory.NewKeyRepository()
	s.outbox = memory.NewOutboxRepository()
	s.timeline = memory.NewTimelineRepository()
	s.locker = memory.NewOrderLocker()
	s.notifier = &capturedNotifier{}
	s.alerter = &capturedAlerter{}
	s.published = &capturedPublisher{}
	s.minted = nil

	s.provider = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Product   string `json:"product"`
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		key := fmt.Sprintf("X%d", len(s.minted)+1)
		s.minted = append(s.minted, req.Reference)
		_ = json.NewEncoder(w).Encode(map[string]string{"key": key})
	}))

	m := metrics.NewFulfillmentMetricsWithRegisterer(prometheus.NewRegistry())
	s.events = orderevents.NewRecorder(s.outbox, s.timeline, m, logger)

	pipeline := fulfillment.NewPipeline(fulfillment.Dependencies{
		Orders:   s.orders,
		Catalog:  s.catalog,
		Keys:     s.keys,
		Locker:   s.locker,
		Provider: keyprovider.New(keyprovider.Config{BaseURL: s.provider.URL, Timeout: time.Second}, s.provider.Client(), logger),
		Notifier: s.notifier,
		Alerter:  s.alerter,
		Events:   s.events,
	}, fulfillment.WithLogger(logger), fulfillment.WithMetrics(m), fulfillment.WithLockTimeout(time.Second))

	checkoutSvc := checkout.NewService(s.orders, s.catalog, paygate.NewMockGateway(), s.events, checkout.Config{
		Currency:    "USDT",
		CallbackURL: "https://shop.example/api/payments/callback",
		ReturnURL:   "https://shop.example/orders/{orderId}",
	}, logger)

	server := httpapi.NewServer(httpapi.Deps{
		Checkout:    checkoutSvc,
		Callbacks:   pipeline,
		Verifier:    paygate.NewVerifier(merchantKey),
		Orders:      s.orders,
		Timeline:    s.timeline,
		Idempotency: memory.NewIdempotencyRepository(),
		Logger:      logger,
	}, httpapi.Config{RateLimitRPS: 1000, RateLimitBurst: 1000})
	s.api = httptest.NewServer(server.Routes())

	s.worker = outbox.NewWorker(s.outbox, s.published, outbox.WithLogger(logger), outbox.WithPollInterval(10*time.Millisecond))
	s.delivery = delivery.NewService(s.orders, s.keys, s.notifier, s.events, time.Second, logger)
	s.sweeper = expiry.NewSweeper(s.orders, s.locker, s.events, expiry.WithExpireAfter(time.Hour))
}

func (s *KeyshopFlowSuite) TearDownTest() {
	s.api.Close()
	s.provider.Close()
}

func (s *KeyshopFlowSuite) product(id string, allowExternal bool, keys ...string) {
	s.catalog.Put(domain.Product{
		ID:               id,
		Name:             "Game " + id,
		Price:            decimal.RequireFromString("7.50"),
		IsDigital:        true,
		AllowExternalKey: allowExternal,
	})
	if len(keys) > 0 {
		_, err := s.keys.Import(context.Background(), domain.KeyScope{ProductID: id}, keys)
		s.Require().NoError(err)
	}
}

type checkoutReply struct {
	OrderID  string `json:"order_id"`
	TrackID  string `json:"track_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type callbackReply struct {
	Outcome   string `json:"outcome"`
	Delivered int    `json:"delivered"`
	Short     int    `json:"short"`
}

func (s *KeyshopFlowSuite) post(path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	req, err := http.NewRequest(http.MethodPost, s.api.URL+path, bytes.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.api.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	return resp, buf.Bytes()
}

func (s *KeyshopFlowSuite) checkout(productID string, qty int) checkoutReply {
	body := fmt.Sprintf(`{"items":[{"product_id":%q,"quantity":%d}],"email":"buyer@example.com","name":"Buyer"}`, productID, qty)
	resp, raw := s.post("/api/checkout", []byte(body), nil)
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(raw))

	var out checkoutReply
	s.Require().NoError(json.Unmarshal(raw, &out))
	return out
}

func (s *KeyshopFlowSuite) callback(order checkoutReply, status string) (int, callbackReply) {
	body, err := json.Marshal(map[string]string{
		"type":     "invoice",
		"status":   status,
		"orderId":  order.OrderID,
		"trackId":  order.TrackID,
		"amount":   order.Amount,
		"currency": order.Currency,
	})
	s.Require().NoError(err)
	sig := hex.EncodeToString(paygate.Sign([]byte(merchantKey), body))

	resp, raw := s.post("/api/payments/callback", body, map[string]string{paygate.SignatureHeader: sig})
	var out callbackReply
	if resp.StatusCode == http.StatusOK {
		s.Require().NoError(json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (s *KeyshopFlowSuite) reload(id string) domain.Order {
	order, err := s.orders.Get(context.Background(), id)
	s.Require().NoError(err)
	return order
}

func (s *KeyshopFlowSuite) TestPartialPoolWithoutExternalFallback() {
	s.product("game-a", false, "POOL-1")
	order := s.checkout("game-a", 2)
	s.Equal("15.00", order.Amount)

	status, reply := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("completed", reply.Outcome)
	s.Equal(1, reply.Delivered)
	s.Equal(1, reply.Short)

	stored := s.reload(order.OrderID)
	s.Equal(domain.OrderStatusCompleted, stored.Status)
	s.Contains(stored.Notes, "1 of 2 unit(s) short")

	sent := s.notifier.all()
	s.Require().Len(sent, 1)
	s.Equal([]string{"POOL-1"}, sent[0].Values())
	s.Positive(s.alerter.count())
	s.Empty(s.minted)
}

func (s *KeyshopFlowSuite) TestExternalMintOnEmptyPool() {
	s.product("game-b", true)
	order := s.checkout("game-b", 1)

	status, reply := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("completed", reply.Outcome)
	s.Equal(1, reply.Delivered)

	keys, err := s.keys.ListByOrder(context.Background(), order.OrderID)
	s.Require().NoError(err)
	s.Require().Len(keys, 1)
	s.Equal("X1", keys[0].Value)
	s.True(keys[0].IsUsed)
	s.Equal([]string{order.OrderID}, s.minted)

	sent := s.notifier.all()
	s.Require().Len(sent, 1)
	s.Equal([]string{"X1"}, sent[0].Values())
}

func (s *KeyshopFlowSuite) TestReplayedPaidCallbackIsNoop() {
	s.product("game-c", false, "POOL-C1", "POOL-C2")
	order := s.checkout("game-c", 1)

	status, _ := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)

	status, reply := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("already_completed", reply.Outcome)

	keys, err := s.keys.ListByOrder(context.Background(), order.OrderID)
	s.Require().NoError(err)
	s.Len(keys, 1)
	s.Len(s.notifier.all(), 1)

	left, err := s.keys.CountAvailable(context.Background(), domain.KeyScope{ProductID: "game-c"})
	s.Require().NoError(err)
	s.Equal(1, left)
}

func (s *KeyshopFlowSuite) TestExpiredCallbackLeavesOrderForSweep() {
	s.product("game-d", false, "POOL-D1")
	order := s.checkout("game-d", 1)

	status, reply := s.callback(order, "Expired")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("ignored", reply.Outcome)
	s.Equal(domain.OrderStatusPending, s.reload(order.OrderID).Status)

	n, err := s.sweeper.RunOnce(context.Background(), time.Now().UTC().Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(domain.OrderStatusExpired, s.reload(order.OrderID).Status)

	// Поздняя оплата просроченного заказа не выдаёт ключи, но будит оператора.
	status, reply = s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("order_closed", reply.Outcome)
	s.Empty(s.notifier.all())
	s.Positive(s.alerter.count())
}

func (s *KeyshopFlowSuite) TestFailedDeliveryIsRedeliveredFromOutbox() {
	s.product("game-e", false, "POOL-E1")
	s.notifier.failNext = 1
	order := s.checkout("game-e", 1)

	status, reply := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)
	s.Equal("completed", reply.Outcome)
	s.Empty(s.notifier.all())

	s.worker.ProcessOnce(context.Background())
	failed := s.published.ofType(domain.TimelineDeliveryFailed)
	s.Require().Len(failed, 1)
	s.Equal(order.OrderID, failed[0].AggregateID)

	value, err := json.Marshal(kafka.Envelope{
		ID:            failed[0].ID,
		AggregateType: failed[0].AggregateType,
		AggregateID:   failed[0].AggregateID,
		EventType:     failed[0].EventType,
		Payload:       failed[0].Payload,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.delivery.HandleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: kafka.TopicOrderEvents,
		Key:   []byte(order.OrderID),
		Value: value,
	}))

	sent := s.notifier.all()
	s.Require().Len(sent, 1)
	s.Equal([]string{"POOL-E1"}, sent[0].Values())

	// Повторная доставка не выдаёт новых ключей.
	keys, err := s.keys.ListByOrder(context.Background(), order.OrderID)
	s.Require().NoError(err)
	s.Len(keys, 1)
}

func (s *KeyshopFlowSuite) TestOrderStatusReadHidesKeys() {
	s.product("game-f", false, "SECRET-KEY")
	order := s.checkout("game-f", 1)
	status, _ := s.callback(order, "Paid")
	s.Require().Equal(http.StatusOK, status)

	resp, err := s.api.Client().Get(s.api.URL + "/api/orders/" + order.OrderID)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	s.Contains(buf.String(), `"status":"completed"`)
	s.NotContains(buf.String(), "SECRET-KEY")
	s.NotContains(buf.String(), "buyer@example.com")
}

func (s *KeyshopFlowSuite) TestTamperedCallbackRejected() {
	s.product("game-g", false, "POOL-G1")
	order := s.checkout("game-g", 1)

	body := []byte(fmt.Sprintf(`{"status":"Paid","orderId":%q,"trackId":%q}`, order.OrderID, order.TrackID))
	sig := hex.EncodeToString(paygate.Sign([]byte("someone-else"), body))
	resp, _ := s.post("/api/payments/callback", body, map[string]string{paygate.SignatureHeader: sig})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal(domain.OrderStatusPending, s.reload(order.OrderID).Status)
}

func TestKeyshopFlowSuite(t *testing.T) {
	suite.Run(t, new(KeyshopFlowSuite))
}
