package fulfillment

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
)

const (
	defaultLockTimeout   = 10 * time.Second
	defaultMintTimeout   = 15 * time.Second
	defaultNotifyTimeout = 20 * time.Second
	defaultRunTimeout    = 90 * time.Second
)

// Options задаёт параметры конвейера.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.FulfillmentMetrics
	// LockTimeout: сколько ждать блокировку заказа, занятую параллельным callback-ом.
	LockTimeout time.Duration
	// RunTimeout ограничивает работу под блокировкой от загрузки заказа до
	// completed; должен быть короче аренды блокировки.
	RunTimeout    time.Duration
	MintTimeout   time.Duration
	NotifyTimeout time.Duration
	Clock         func() time.Time
}

// Option настраивает Pipeline.
type Option func(*Options)

// WithLogger задаёт logger конвейера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics включает Prometheus-метрики.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithLockTimeout задаёт время ожидания блокировки заказа.
func WithLockTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.LockTimeout = d
	}
}

// WithRunTimeout задаёт предел прогона под блокировкой.
func WithRunTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.RunTimeout = d
	}
}

// WithMintTimeout ограничивает один вызов поставщика ключей.
func WithMintTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.MintTimeout = d
	}
}

// WithNotifyTimeout ограничивает отправку письма с ключами.
func WithNotifyTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.NotifyTimeout = d
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}
