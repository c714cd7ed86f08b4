// Команда dlq-reprocess переигрывает события заказов из DLQ в исходный топик.
// По умолчанию работает в dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "KEYSHOP_KAFKA_BROKERS"
	replayClientID     = "keyshop-dlq-reprocess"
)

type config struct {
	brokers     []string
	sourceTopic string
	// targetTopic используется, если в DeadLetter не записан исходный топик.
	targetTopic string
	eventType   string
	source      string
	maxAttempts int
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "replay topic when the dead letter has no original topic")
	fs.StringVar(&cfg.eventType, "event-type", "", "replay only this event type")
	fs.StringVar(&cfg.source, "source", "", "replay only dead letters from this source: outbox|consumer")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", 0, "skip dead letters that already failed this many times (0=no limit)")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed events; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.eventType = strings.TrimSpace(cfg.eventType)
	cfg.source = strings.ToLower(strings.TrimSpace(cfg.source))

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.targetTopic == "":
		return config{}, errors.New("target-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	case cfg.maxAttempts < 0:
		return config{}, errors.New("max-attempts must be >= 0")
	}
	switch cfg.source {
	case "", kafka.DeadLetterSourceOutbox, kafka.DeadLetterSourceConsumer:
	default:
		return config{}, fmt.Errorf("unsupported source %q (use outbox|consumer)", cfg.source)
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// offsetClient: часть sarama.Client для чтения границ партиций.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

// eventPublisher: часть kafka.Producer, которой достаточно для повторной публикации.
type eventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event any, headers map[string]string) error
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

type dependencies struct {
	offsets   offsetClient
	source    partitionSource
	publisher eventPublisher
}

func (d dependencies) close() {
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.offsets != nil {
		_ = d.offsets.Close()
	}
}

var connect = func(cfg config) (dependencies, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = replayClientID
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return dependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := dependencies{offsets: client, source: saramaSource{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, replayClientID)
	if err != nil {
		deps.close()
		return dependencies{}, err
	}
	deps.publisher = producer
	return deps, nil
}

func run(ctx context.Context, cfg config, logger *log.Entry) (replayStats, error) {
	logger.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"event_type":   cfg.eventType,
		"limit":        cfg.limit,
		"mode":         cfg.mode(),
	}).Info("starting dlq replay")

	deps, err := connect(cfg)
	if err != nil {
		return replayStats{}, err
	}
	defer deps.close()

	r := &replayer{cfg: cfg, deps: deps, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	return r.run(ctx)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	logger := log.WithField("component", "dlq-reprocess")

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("dlq replay failed")
		stop()
		os.Exit(1)
	}
}
