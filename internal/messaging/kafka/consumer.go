package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
)

var consumerMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keyshop_kafka_consumer_messages_total",
	Help: "Total number of consumed kafka messages grouped by topic and result.",
}, []string{"topic", "result"})

// ErrPermanent помечает ошибку, которую бессмысленно повторять:
// такое сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent message failure")

// Permanent оборачивает err как ErrPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// MessageHandler обрабатывает одно сообщение. Ошибка, обёрнутая Permanent, не повторяется.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDLQ включает отправку в TopicDeadLetterQueue после исчерпания попыток.
// Без DLQ такое сообщение коммитится и теряется.
func WithDLQ(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.dlqProducer = producer }
}

// WithMaxRetries задаёт число повторов после первой неудачной попытки.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = max(n, 0) }
}

func WithRetryBaseDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryBaseDelay = max(d, 0) }
}

// Consumer читает topics в consumer group. Сообщение коммитится только после
// успешной обработки или успешной отправки в DLQ.
type Consumer struct {
	group          sarama.ConsumerGroup
	topics         []string
	handler        MessageHandler
	logger         *log.Entry
	wg             sync.WaitGroup
	dlqProducer    *Producer
	maxRetries     int
	retryBaseDelay time.Duration
}

// consumerConfig: round-robin по партициям, чтение с самого старого offset-а
// для новой группы, ошибки группы отдаются в канал Errors.
func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumer подключает consumer group groupID к брокерам.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka: join consumer group %s: %w", groupID, err)
	}
	return newConsumerFromGroup(group, topics, handler, options...), nil
}

func newConsumerFromGroup(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:          group,
		topics:         topics,
		handler:        handler,
		logger:         log.WithField("component", "kafka-consumer"),
		maxRetries:     defaultMaxRetries,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, apply := range options {
		apply(c)
	}
	return c
}

// Start запускает цикл Consume и чтение ошибок группы в фоне.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("kafka consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// consumeLoop перезапускает Consume после каждого rebalance, пока жив ctx.
func (c *Consumer) consumeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		err := c.group.Consume(ctx, c.topics, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			c.logger.WithError(err).Error("kafka consume session failed")
		}
	}
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает партицию по порядку. Сообщение, которое не удалось
// ни обработать, ни отправить в DLQ, не коммитится: сессия завершается ошибкой
// и сообщение придёт снова.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		var msg *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok || m == nil {
				return nil
			}
			msg = m
		}

		err := c.process(ctx, msg)
		switch {
		case err == nil:
			session.MarkMessage(msg, "")
		case ctx.Err() != nil:
			return nil
		default:
			c.logger.WithError(err).WithFields(log.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("message is neither processed nor dead-lettered")
			return err
		}
	}
}

// process вызывает handler до 1+maxRetries раз, затем отправляет сообщение в DLQ.
// nil означает, что offset можно коммитить.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	attempts, err := c.handle(ctx, msg)
	if err == nil {
		consumerMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	logger := c.logger.WithError(err).WithFields(log.Fields{"topic": msg.Topic, "attempts": attempts})
	if c.dlqProducer == nil {
		consumerMessagesTotal.WithLabelValues(msg.Topic, "dropped").Inc()
		logger.Error("message dropped: dlq is not configured")
		return nil
	}
	if dlqErr := c.sendToDLQ(ctx, msg, attempts, err); dlqErr != nil {
		consumerMessagesTotal.WithLabelValues(msg.Topic, "dlq_failed").Inc()
		return fmt.Errorf("kafka: dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}
	consumerMessagesTotal.WithLabelValues(msg.Topic, "dead_lettered").Inc()
	logger.Warn("message sent to DLQ")
	return nil
}

// handle возвращает число сделанных попыток и последнюю ошибку handler-а.
func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	var err error
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}

		if err = c.handler(ctx, msg); err == nil || errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			return attempt, err
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       msg.Topic,
			"attempt":     attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed")
	}
	return c.maxRetries + 1, err
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if c.retryBaseDelay <= 0 {
		return 0
	}
	delay := c.retryBaseDelay
	for i := 1; i < attempt && delay < time.Minute; i++ {
		delay *= 2
	}
	return min(delay, time.Minute)
}

// retryCount читает число предыдущих прогонов через DLQ из заголовка.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
		}
	}
	return 0
}

func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, attempts int, processingErr error) error {
	dl := DeadLetter{
		Source:        DeadLetterSourceConsumer,
		OriginalTopic: message.Topic,
		OriginalKey:   string(message.Key),
		Attempts:      attempts + retryCount(message),
		FailedAt:      time.Now().UTC(),
	}
	if processingErr != nil {
		dl.Error = processingErr.Error()
	}
	env, err := DecodeEnvelope(message)
	if err != nil {
		// Нераспознанное сообщение сохраняем как payload, чтобы не потерять байты.
		env = Envelope{EventType: "unknown", Payload: rawOrString(message.Value)}
	}
	dl.Original = env

	return c.dlqProducer.PublishEvent(ctx, TopicDeadLetterQueue, dl.OriginalKey, dl, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderRetryCount:    strconv.Itoa(dl.Attempts),
	})
}
