package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// OutboxPublisher публикует outbox-сообщения заказа в TopicOrderEvents.
type OutboxPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{producer: producer, topic: topic}
}

func (p *OutboxPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	env := envelopeOf(event)
	return p.producer.PublishEvent(ctx, p.topic, env.Key(), env, map[string]string{
		HeaderEventType: event.EventType,
	})
}

// DeadLetterPublisher отправляет в DLQ сообщения outbox, которые не удалось
// опубликовать за все попытки.
type DeadLetterPublisher struct {
	producer      *Producer
	topic         string
	originalTopic string
}

// NewDeadLetterPublisher создаёт паблишер DLQ для outbox worker-а.
func NewDeadLetterPublisher(producer *Producer, originalTopic string) *DeadLetterPublisher {
	if originalTopic == "" {
		originalTopic = TopicOrderEvents
	}
	return &DeadLetterPublisher{producer: producer, topic: TopicDeadLetterQueue, originalTopic: originalTopic}
}

// PublishDeadLetter реализует outbox.DeadLetterSink.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, event domain.OutboxMessage, attempts int, cause error) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}

	env := envelopeOf(event)
	dl := DeadLetter{
		Source:        DeadLetterSourceOutbox,
		OriginalTopic: p.originalTopic,
		OriginalKey:   env.Key(),
		Original:      env,
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return p.producer.PublishEvent(ctx, p.topic, dl.OriginalKey, dl, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderOriginalTopic: p.originalTopic,
	})
}

func envelopeOf(event domain.OutboxMessage) Envelope {
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	}
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
