package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
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
	if n.err != nil {
		return n.err
	}
	n.deliveries = append(n.deliveries, d)
	return nil
}

type fixture struct {
	orders   domain.OrderRepository
	keys     domain.KeyRepository
	timeline domain.TimelineRepository
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:   memory.NewOrderRepository(),
		keys:     memory.NewKeyRepository(),
		timeline: memory.NewTimelineRepository(),
		notifier: &recordingNotifier{},
	}
	events := orderevents.NewRecorder(nil, f.timeline, nil, nil)
	f.svc = NewService(f.orders, f.keys, f.notifier, events, time.Second, nil)
	return f
}

func (f *fixture) order(t *testing.T, id string, status domain.OrderStatus, keys ...string) {
	t.Helper()
	ctx := context.Background()
	price := decimal.NewFromInt(10)
	now := time.Now().UTC()
	require.NoError(t, f.orders.Create(ctx, domain.Order{
		ID:        id,
		Customer:  domain.Customer{Email: "buyer@example.com", Name: "Buyer", Language: "en"},
		Status:    status,
		Currency:  "USDT",
		Amount:    price.Mul(decimal.NewFromInt(int64(len(keys)))),
		Items:     []domain.OrderItem{{ID: id + "-i", ProductID: "game", Quantity: int32(len(keys)), Price: price, IsDigital: true, CreatedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}))
	for _, v := range keys {
		_, err := f.keys.InsertUsed(ctx, domain.Key{ProductID: "game", Value: v, OrderID: id})
		require.NoError(t, err)
	}
}

func message(t *testing.T, eventType string, payload any) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := json.Marshal(kafka.Envelope{ID: "e-1", AggregateType: domain.AggregateOrder, AggregateID: "o-1", EventType: eventType, Payload: raw})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicOrderEvents, Value: env}
}

func TestRedeliverSendsExistingKeys(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusCompleted, "AAA", "BBB")

	n, err := f.svc.Redeliver(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, f.notifier.deliveries, 1)
	assert.Equal(t, []string{"AAA", "BBB"}, f.notifier.deliveries[0].Values())
	assert.Equal(t, "buyer@example.com", f.notifier.deliveries[0].Email)

	events, err := f.timeline.List(context.Background(), "o-1")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.TimelineKeysDelivered, events[len(events)-1].Type)
}

func TestRedeliverRejectsNotCompletedOrder(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusPending, "AAA")

	_, err := f.svc.Redeliver(context.Background(), "o-1")
	assert.ErrorIs(t, err, ErrOrderNotCompleted)
	assert.Empty(t, f.notifier.deliveries)
}

func TestRedeliverWithoutKeys(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusCompleted)

	_, err := f.svc.Redeliver(context.Background(), "o-1")
	assert.ErrorIs(t, err, ErrNothingToDeliver)
}

func TestHandleMessageRedelivers(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusCompleted, "AAA")

	err := f.svc.HandleMessage(context.Background(), message(t, domain.TimelineDeliveryFailed,
		domain.DeliveryFailedEvent{OrderID: "o-1", Reason: "smtp down", Attempt: 1}))
	require.NoError(t, err)
	assert.Len(t, f.notifier.deliveries, 1)
}

func TestHandleMessageFallsBackToAggregateID(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusCompleted, "AAA")

	err := f.svc.HandleMessage(context.Background(), message(t, domain.TimelineDeliveryFailed, map[string]any{"reason": "x"}))
	require.NoError(t, err)
	assert.Len(t, f.notifier.deliveries, 1)
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleMessage(context.Background(), message(t, domain.TimelineOrderCompleted, map[string]any{}))
	require.NoError(t, err)
	assert.Empty(t, f.notifier.deliveries)
}

func TestHandleMessageReturnsSendErrorForRetry(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusCompleted, "AAA")
	f.notifier.err = domain.ErrNotificationFailed

	err := f.svc.HandleMessage(context.Background(), message(t, domain.TimelineDeliveryFailed, domain.DeliveryFailedEvent{OrderID: "o-1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotificationFailed)
	assert.False(t, errors.Is(err, kafka.ErrPermanent))
}

func TestHandleMessagePermanentFailures(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("garbage")})
	assert.ErrorIs(t, err, kafka.ErrPermanent)

	err = f.svc.HandleMessage(context.Background(), message(t, domain.TimelineDeliveryFailed, domain.DeliveryFailedEvent{OrderID: "missing"}))
	assert.ErrorIs(t, err, kafka.ErrPermanent)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestHandleMessageSkipsNotCompletedOrder(t *testing.T) {
	f := newFixture(t)
	f.order(t, "o-1", domain.OrderStatusExpired, "AAA")

	err := f.svc.HandleMessage(context.Background(), message(t, domain.TimelineDeliveryFailed, domain.DeliveryFailedEvent{OrderID: "o-1"}))
	assert.NoError(t, err)
	assert.Empty(t, f.notifier.deliveries)
}
