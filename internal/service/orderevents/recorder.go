// Package orderevents пишет события заказа в таймлайн и transactional outbox.
package orderevents

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
)

// Recorder фиксирует события заказа. Ошибки хранилищ логируются и не
// прерывают вызывающий процесс: статус заказа уже сохранён.
type Recorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.FulfillmentMetrics
	logger   *log.Entry
}

// NewRecorder создаёт Recorder; outbox, timeline и m могут быть nil.
func NewRecorder(outbox domain.OutboxRepository, timeline domain.TimelineRepository, m *metrics.FulfillmentMetrics, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.WithField("component", "order-events")
	}
	return &Recorder{outbox: outbox, timeline: timeline, metrics: m, logger: logger}
}

// Timeline добавляет событие только в таймлайн.
func (r *Recorder) Timeline(ctx context.Context, orderID, eventType, reason string, at time.Time) {
	if r == nil || r.timeline == nil {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	event := domain.TimelineEvent{OrderID: orderID, Type: eventType, Reason: reason, Occurred: at}
	if err := r.timeline.Append(ctx, event); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordTimelineEvent()
	}
}

// Emit ставит событие в outbox и дублирует его в таймлайн.
func (r *Recorder) Emit(ctx context.Context, orderID, eventType, reason string, payload map[string]any) {
	if r == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	now := time.Now().UTC()
	payload["order_id"] = orderID
	if reason != "" {
		payload["reason"] = reason
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = now.Format(time.RFC3339Nano)
	}

	r.enqueue(ctx, orderID, eventType, payload)
	r.Timeline(ctx, orderID, eventType, reason, now)
}

// EmitStatus публикует OrderStatusChanged для нового статуса заказа.
func (r *Recorder) EmitStatus(ctx context.Context, order domain.Order) {
	r.Emit(ctx, order.ID, domain.EventOrderStatusChanged, "", map[string]any{
		"status":     string(order.Status),
		"updated_at": order.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// EnqueueRaw ставит в outbox готовую полезную нагрузку (без таймлайна).
func (r *Recorder) EnqueueRaw(ctx context.Context, orderID, eventType string, payload any) {
	if r == nil {
		return
	}
	r.enqueue(ctx, orderID, eventType, payload)
}

func (r *Recorder) enqueue(ctx context.Context, orderID, eventType string, payload any) {
	if r.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := r.outbox.Enqueue(ctx, msg); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Error("enqueue event failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordOutboxEvent()
	}
}
