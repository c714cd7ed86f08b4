// Package outbox публикует события заказов из transactional outbox.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// Метки keyshop_outbox_publish_attempts_total.
const (
	resultSent         = "sent"
	resultRetryError   = "retry_error"
	resultFailed       = "failed"
	resultDeadLettered = "dead_lettered"
	resultDLQFailed    = "dlq_failed"
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyshop_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keyshop_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	oldestPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keyshop_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// DeadLetterSink принимает сообщения, которые не удалось опубликовать за все попытки.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, event domain.OutboxMessage, attempts int, cause error) error
}

// Option настраивает Worker. Нулевые и отрицательные значения оставляют умолчания.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDeadLetters включает DLQ: без него исчерпавшее попытки сообщение сразу становится failed.
func WithDeadLetters(sink DeadLetterSink) Option {
	return func(w *Worker) { w.deadLetters = sink }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxAttempts задаёт число попыток Publish за один цикл.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу backoff; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = max(delay, 0) }
}

// Worker публикует pending-сообщения из outbox. Сообщение помечается sent
// только после успешного Publish, поэтому доставка at-least-once.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	deadLetters    DeadLetterSink
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, apply := range options {
		apply(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx. Первый цикл выполняется сразу.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число опубликованных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("outbox pull failed")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		ok, stop := w.handle(ctx, msg)
		if stop {
			break
		}
		if ok {
			sent++
		}
	}
	return sent
}

// handle публикует одно сообщение и фиксирует исход в outbox.
// stop означает останов воркера: сообщение остаётся pending.
func (w *Worker) handle(ctx context.Context, msg domain.OutboxMessage) (ok, stop bool) {
	if ctx.Err() != nil {
		return false, true
	}
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"order_id":   msg.AggregateID,
		"event_type": msg.EventType,
	})

	attempts, err := w.publish(ctx, msg)
	if err == nil {
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("outbox mark sent failed")
		}
		return true, false
	}
	if ctx.Err() != nil {
		return false, true
	}

	publishResults.WithLabelValues(resultFailed).Inc()
	logger.WithError(err).WithField("attempts", attempts).Error("outbox publish exhausted retries")
	w.retire(ctx, logger, msg, attempts, err)
	return false, false
}

// publish повторяет Publish до maxAttempts раз с экспоненциальной паузой.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(ctx, msg); lastErr == nil {
			publishResults.WithLabelValues(resultSent).Inc()
			return attempt, nil
		}
		publishResults.WithLabelValues(resultRetryError).Inc()

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// retire отправляет сообщение в DLQ и помечает failed. Пока DLQ не принял
// сообщение, оно остаётся pending и повторяется в следующем цикле.
func (w *Worker) retire(ctx context.Context, logger *log.Entry, msg domain.OutboxMessage, attempts int, cause error) {
	if w.deadLetters != nil {
		if err := w.deadLetters.PublishDeadLetter(ctx, msg, attempts, cause); err != nil {
			publishResults.WithLabelValues(resultDLQFailed).Inc()
			logger.WithError(err).Warn("outbox dead letter publish failed")
			return
		}
		publishResults.WithLabelValues(resultDeadLettered).Inc()
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("outbox mark failed failed")
	}
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Debug("outbox stats unavailable")
		return
	}
	pendingGauge.Set(float64(stats.PendingCount))

	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(time.Since(stats.OldestPendingAt).Seconds(), 0)
	}
	oldestPendingGauge.Set(age)
}

// retryBackoff: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}
