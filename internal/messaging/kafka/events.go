package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "keyshop.order.events"
	TopicDeadLetterQueue = "keyshop.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
)

// Источники сообщений в DLQ.
const (
	DeadLetterSourceOutbox   = "outbox"
	DeadLetterSourceConsumer = "consumer"
)

// Envelope: формат всех событий заказа в TopicOrderEvents.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Key возвращает ключ партиционирования: события одного заказа идут в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// DeadLetter: сообщение в TopicDeadLetterQueue. Original хранит исходный
// Envelope целиком, этого достаточно для повторной публикации.
type DeadLetter struct {
	Source        string    `json:"source"`
	OriginalTopic string    `json:"original_topic"`
	OriginalKey   string    `json:"original_key"`
	Original      Envelope  `json:"original"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failed_at"`
}

// DecodeEnvelope разбирает событие заказа из сообщения.
func DecodeEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if message == nil {
		return env, fmt.Errorf("nil kafka message")
	}
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return env, fmt.Errorf("envelope without event_type")
	}
	return env, nil
}

// DecodeDeadLetter разбирает сообщение из DLQ.
func DecodeDeadLetter(value []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(value, &dl); err != nil {
		return dl, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if dl.Original.EventType == "" {
		return dl, fmt.Errorf("dead letter without original event")
	}
	return dl, nil
}

func rawOrString(value []byte) json.RawMessage {
	if json.Valid(value) {
		return json.RawMessage(value)
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}
