// Package redislock реализует распределённую блокировку заказов поверх Redis.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	defaultTTL           = 2 * time.Minute
	defaultRetryInterval = 50 * time.Millisecond
	renewTimeout         = 2 * time.Second
	releaseTimeout       = 2 * time.Second
	keyPrefix            = "keyshop:order-lock:"
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит нашему токену.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript продлевает аренду, только пока ключ принадлежит нашему токену.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker: блокировка SET NX PX с токеном владельца. Пока блокировка
// удерживается, фоновая горутина продлевает её каждые renewInterval.
type Locker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	renewInterval time.Duration
	retryInterval time.Duration
	logger        *log.Entry
}

// Option настраивает Locker.
type Option func(*Locker)

// WithTTL задаёт время жизни блокировки; оно должно превышать длительность обработки заказа.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRenewInterval задаёт период продления; по умолчанию треть TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.renewInterval = d
		}
	}
}

// WithRetryInterval задаёт паузу между попытками захвата.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New создаёт блокировщик заказов на Redis.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:        client,
		ttl:           defaultTTL,
		retryInterval: defaultRetryInterval,
		logger:        log.WithField("component", "order-locker-redis"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.renewInterval <= 0 || l.renewInterval >= l.ttl {
		l.renewInterval = max(l.ttl/3, time.Millisecond)
	}
	return l
}

// TTL возвращает срок аренды, который держит блокировка без продления.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Lock ждёт блокировку заказа до отмены ctx.
func (l *Locker) Lock(ctx context.Context, orderID string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := keyPrefix + orderID

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrLockNotAcquired
			}
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrLockNotAcquired
		case <-time.After(l.retryInterval):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, orderID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(key, token, orderID)
		})
	}, nil
}

// keepAlive продлевает аренду до закрытия stop. Потеря владения
// останавливает продление: чужой ключ трогать нельзя.
func (l *Locker) keepAlive(key, token, orderID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ok, err := l.renew(key, token)
		switch {
		case err != nil:
			l.logger.WithError(err).WithField("order_id", orderID).Warn("redis lock renew failed")
		case !ok:
			l.logger.WithField("order_id", orderID).Error("redis lock lost before release")
			return
		}
	}
}

func (l *Locker) renew(key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis pexpire: %w", err)
	}
	return n == 1, nil
}

func (l *Locker) release(key, token, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.WithError(err).WithField("order_id", orderID).Warn("redis lock release failed")
		return
	}
	if n == 0 {
		// Блокировка истекла по TTL и, возможно, уже занята другим обработчиком.
		l.logger.WithField("order_id", orderID).Warn("redis lock expired before release")
	}
}

// Ping проверяет доступность Redis для health-check.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ domain.OrderLocker = (*Locker)(nil)
