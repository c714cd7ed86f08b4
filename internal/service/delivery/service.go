// Package delivery повторно отправляет покупателю ключи выполненного заказа.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
)

const defaultSendTimeout = 20 * time.Second

var (
	// ErrNothingToDeliver: у заказа нет ключей (например, только физические товары).
	ErrNothingToDeliver = errors.New("order has no keys to deliver")
	// ErrOrderNotCompleted: ключи отправляются только по выполненному заказу.
	ErrOrderNotCompleted = errors.New("order is not completed")
)

// Service отправляет письмо с уже выданными ключами. Ключи не выдаются заново:
// письмо собирается из ListByOrder.
type Service struct {
	orders      domain.OrderRepository
	keys        domain.KeyRepository
	notifier    domain.Notifier
	events      *orderevents.Recorder
	logger      *log.Entry
	sendTimeout time.Duration
}

// NewService создаёт сервис повторной доставки.
func NewService(orders domain.OrderRepository, keys domain.KeyRepository, notifier domain.Notifier, events *orderevents.Recorder, sendTimeout time.Duration, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "key-redelivery")
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Service{
		orders:      orders,
		keys:        keys,
		notifier:    notifier,
		events:      events,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Redeliver отправляет ключи выполненного заказа ещё раз и возвращает их число.
func (s *Service) Redeliver(ctx context.Context, orderID string) (int, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if order.Status != domain.OrderStatusCompleted {
		return 0, fmt.Errorf("%w: status %s", ErrOrderNotCompleted, order.Status)
	}

	keys, err := s.keys.ListByOrder(ctx, order.ID)
	if err != nil {
		return 0, fmt.Errorf("list order keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, ErrNothingToDeliver
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.notifier.SendKeys(sendCtx, domain.NewKeyDelivery(order, keys)); err != nil {
		return 0, err
	}

	s.logger.WithFields(log.Fields{"order_id": order.ID, "keys": len(keys)}).Info("keys redelivered")
	s.events.Timeline(ctx, order.ID, domain.TimelineKeysDelivered, fmt.Sprintf("%d key(s), redelivery", len(keys)), time.Now().UTC())
	return len(keys), nil
}

// HandleMessage: обработчик kafka.Consumer для событий KeysDeliveryFailed.
// Ошибка отправки возвращается как есть: повторы и DLQ делает consumer.
func (s *Service) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	env, err := kafka.DecodeEnvelope(message)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.EventType != domain.TimelineDeliveryFailed {
		return nil
	}

	var event domain.DeliveryFailedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return kafka.Permanent(fmt.Errorf("decode delivery failed event: %w", err))
	}
	if event.OrderID == "" {
		event.OrderID = env.AggregateID
	}

	logger := s.logger.WithFields(log.Fields{"order_id": event.OrderID, "attempt": event.Attempt})
	_, err = s.Redeliver(ctx, event.OrderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNothingToDeliver), errors.Is(err, ErrOrderNotCompleted):
		logger.WithError(err).Warn("redelivery skipped")
		return nil
	case errors.Is(err, domain.ErrOrderNotFound):
		return kafka.Permanent(err)
	default:
		logger.WithError(err).Warn("redelivery failed")
		return err
	}
}
