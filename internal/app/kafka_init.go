package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/keyshop/internal/service/delivery"
	"github.com/vladislavdragonenkov/keyshop/internal/service/outbox"
)

// Подменяются в тестах.
var (
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
)

// initKafkaProducer подключает producer к брокерам из списка через запятую.
// Пустой список даёт nil, nil: магазин работает без Kafka.
func initKafkaProducer(brokers, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	list := splitList(brokers)
	if len(list) == 0 {
		logger.Info("kafka brokers not configured, outbox goes to log")
		return nil, nil
	}

	producer, err := newKafkaProducer(list, clientID)
	if err != nil {
		logger.WithError(err).WithField("brokers", list).Warn("kafka unavailable, outbox goes to log")
		return nil, err
	}
	logger.WithFields(log.Fields{"brokers": list, "client_id": clientID}).Info("kafka producer connected")
	return producer, nil
}

// outboxSink выбирает, куда уходит outbox: в топик событий заказов с DLQ
// или, без producer-а, в лог.
func outboxSink(producer *kafka.Producer, logger *log.Entry) (domain.OutboxPublisher, []outbox.Option) {
	if producer == nil {
		return outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")), nil
	}
	return kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		[]outbox.Option{outbox.WithDeadLetters(kafka.NewDeadLetterPublisher(producer, kafka.TopicOrderEvents))}
}

// startDeliveryConsumer подписывает повторную доставку ключей на события заказов.
// Без Kafka повтор выполняет оператор по алерту.
func startDeliveryConsumer(ctx context.Context, cfg Config, svc *delivery.Service, producer *kafka.Producer, logger *log.Entry) *kafka.Consumer {
	if producer == nil {
		return nil
	}
	logger = logger.WithField("component", "delivery-consumer")

	consumer, err := newKafkaConsumer(
		cfg.KafkaBrokerList(),
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicOrderEvents},
		svc.HandleMessage,
		kafka.WithConsumerLogger(logger),
		kafka.WithDLQ(producer),
		kafka.WithMaxRetries(cfg.DeliveryMaxRetries),
	)
	if err != nil {
		logger.WithError(err).Warn("delivery consumer not created, redelivery is manual")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("delivery consumer not started, redelivery is manual")
		_ = consumer.Stop()
		return nil
	}
	return consumer
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	logger.Info("kafka producer closed")
}
