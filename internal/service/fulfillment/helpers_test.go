package fulfillment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/memory"
)

type recordingNotifier struct {
	mu         sync.Mutex
	err        error
	deliveries []domain.KeyDelivery
}

func (n *recordingNotifier) SendKeys(_ context.Context, d domain.KeyDelivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	return n.err
}

func (n *recordingNotifier) sent() []domain.KeyDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.KeyDelivery(nil), n.deliveries...)
}

type recordingAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAlerter) Alert(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

func (a *recordingAlerter) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

// stubProvider выдаёт ключи из values по порядку и считает вызовы.
type stubProvider struct {
	mu     sync.Mutex
	values []string
	err    error
	calls  atomic.Int32
}

func (p *stubProvider) MintKey(_ context.Context, _ domain.MintRequest) (string, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if len(p.values) == 0 {
		return "", domain.ErrKeyProviderFailed
	}
	v := p.values[0]
	p.values = p.values[1:]
	return v, nil
}

// flakyKeys проваливает ClaimUnused начиная с вызова failAt (1-based), пока failAt > 0.
type flakyKeys struct {
	*memory.KeyRepository
	mu     sync.Mutex
	calls  int
	failAt int
}

var errStorageDown = errors.New("storage unavailable")

func (k *flakyKeys) ClaimUnused(ctx context.Context, scope domain.KeyScope, orderID string) (domain.Key, error) {
	k.mu.Lock()
	k.calls++
	fail := k.failAt > 0 && k.calls >= k.failAt
	k.mu.Unlock()
	if fail {
		return domain.Key{}, errStorageDown
	}
	return k.KeyRepository.ClaimUnused(ctx, scope, orderID)
}

// failingInsertKeys проваливает InsertUsed начиная с вызова failAt (1-based).
type failingInsertKeys struct {
	*memory.KeyRepository
	mu     sync.Mutex
	calls  int
	failAt int
}

func (k *failingInsertKeys) InsertUsed(ctx context.Context, key domain.Key) (domain.Key, error) {
	k.mu.Lock()
	k.calls++
	fail := k.calls >= k.failAt
	k.mu.Unlock()
	if fail {
		return domain.Key{}, errStorageDown
	}
	return k.KeyRepository.InsertUsed(ctx, key)
}

type harness struct {
	orders   domain.OrderRepository
	catalog  *memory.CatalogRepository
	keys     *memory.KeyRepository
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	locker   *memory.OrderLocker
	provider *stubProvider
	notifier *recordingNotifier
	alerter  *recordingAlerter
	pipeline *Pipeline
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		orders:   memory.NewOrderRepository(),
		catalog:  memory.NewCatalogRepository(),
		keys:     memory.NewKeyRepository(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		locker:   memory.NewOrderLocker(),
		provider: &stubProvider{},
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
	}
	h.pipeline = h.build(h.keys, opts...)
	return h
}

func (h *harness) build(keys domain.KeyRepository, opts ...Option) *Pipeline {
	m := metrics.NewFulfillmentMetricsWithRegisterer(prometheus.NewRegistry())
	opts = append([]Option{WithMetrics(m), WithLockTimeout(time.Second)}, opts...)
	return NewPipeline(Dependencies{
		Orders:   h.orders,
		Catalog:  h.catalog,
		Keys:     keys,
		Locker:   h.locker,
		Provider: h.provider,
		Notifier: h.notifier,
		Alerter:  h.alerter,
		Events:   orderevents.NewRecorder(h.outbox, h.timeline, m, nil),
	}, opts...)
}

func (h *harness) digitalProduct(t *testing.T, id string, allowExternal bool, keys ...string) {
	t.Helper()
	h.catalog.Put(domain.Product{
		ID:               id,
		Name:             "Game " + id,
		Price:            decimal.RequireFromString("9.99"),
		IsDigital:        true,
		AllowExternalKey: allowExternal,
	})
	if len(keys) > 0 {
		n, err := h.keys.Import(context.Background(), domain.KeyScope{ProductID: id}, keys)
		require.NoError(t, err)
		require.Equal(t, len(keys), n)
	}
}

func (h *harness) order(t *testing.T, id string, items ...domain.OrderItem) domain.Order {
	t.Helper()
	now := time.Now().UTC()
	amount := decimal.Zero
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = id + "-item-" + string(rune('a'+i))
		}
		if items[i].Price.IsZero() {
			items[i].Price = decimal.RequireFromString("9.99")
		}
		items[i].CreatedAt = now
		amount = amount.Add(items[i].Subtotal())
	}
	order := domain.Order{
		ID:        id,
		Customer:  domain.Customer{Email: "buyer@example.com", Name: "Buyer", Language: "en"},
		Status:    domain.OrderStatusPending,
		Currency:  "USD",
		Amount:    amount,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.orders.Create(context.Background(), order))
	return order
}

func (h *harness) reload(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (h *harness) orderKeys(t *testing.T, id string) []domain.Key {
	t.Helper()
	keys, err := h.keys.ListByOrder(context.Background(), id)
	require.NoError(t, err)
	return keys
}

func (h *harness) outboxTypes() []string {
	var types []string
	for _, msg := range h.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	return types
}

func digitalItem(productID string, qty int32) domain.OrderItem {
	return domain.OrderItem{ProductID: productID, Quantity: qty, IsDigital: true}
}

func paid(orderID string) domain.PaymentCallback {
	return domain.PaymentCallback{
		Kind:      domain.CallbackKindInvoice,
		Status:    domain.PaymentStatusPaid,
		RawStatus: "Paid",
		OrderID:   orderID,
		TrackID:   "track-" + orderID,
	}
}
