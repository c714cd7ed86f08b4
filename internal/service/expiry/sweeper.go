// Package expiry переводит неоплаченные заказы в expired по истечении срока счёта.
package expiry

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
)

const (
	jobName = "order_expiry"

	defaultExpireAfter = time.Hour
	defaultBatchSize   = 100
	defaultLockTimeout = 2 * time.Second
)

// Options задаёт параметры sweep-а.
type Options struct {
	Logger      *log.Entry
	ExpireAfter time.Duration
	BatchSize   int
	LockTimeout time.Duration
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithExpireAfter задаёт возраст pending-заказа, после которого он просрочен.
func WithExpireAfter(d time.Duration) Option {
	return func(opts *Options) {
		opts.ExpireAfter = d
	}
}

// WithBatchSize задаёт размер выборки за один запрос.
func WithBatchSize(n int) Option {
	return func(opts *Options) {
		opts.BatchSize = n
	}
}

// Sweeper закрывает просроченные pending-заказы. Переход делается под той же
// блокировкой заказа, что и исполнение, со сверкой статуса. Периодичность
// задаёт maintenance.Runner.
type Sweeper struct {
	orders      domain.OrderRepository
	locker      domain.OrderLocker
	events      *orderevents.Recorder
	logger      *log.Entry
	expireAfter time.Duration
	batchSize   int
	lockTimeout time.Duration
}

// NewSweeper создаёт sweep просрочки.
func NewSweeper(orders domain.OrderRepository, locker domain.OrderLocker, events *orderevents.Recorder, options ...Option) *Sweeper {
	opts := Options{
		ExpireAfter: defaultExpireAfter,
		BatchSize:   defaultBatchSize,
		LockTimeout: defaultLockTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-expiry-sweeper")
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = defaultExpireAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	return &Sweeper{
		orders:      orders,
		locker:      locker,
		events:      events,
		logger:      logger,
		expireAfter: opts.ExpireAfter,
		batchSize:   opts.BatchSize,
		lockTimeout: opts.LockTimeout,
	}
}

// Name возвращает имя задачи для метрик и логов.
func (s *Sweeper) Name() string {
	return jobName
}

// RunOnce закрывает заказы старше now-expireAfter.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (int, error) {
	return s.ExpireBefore(ctx, now.Add(-s.expireAfter))
}

// ExpireBefore закрывает pending-заказы, созданные раньше cutoff, порциями batchSize.
// Заказы, которые не удалось заблокировать, пропускаются до следующего прохода.
func (s *Sweeper) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	skipped := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		// Пропущенные заказы остаются в выборке, поэтому лимит растёт вместе с ними.
		limit := s.batchSize + len(skipped)
		batch, err := s.orders.ListPendingBefore(ctx, cutoff, limit)
		if err != nil {
			return total, err
		}

		for _, order := range batch {
			if _, ok := skipped[order.ID]; ok {
				continue
			}
			ok, err := s.expireOne(ctx, order.ID, cutoff)
			if err != nil {
				return total, err
			}
			if ok {
				total++
			} else {
				skipped[order.ID] = struct{}{}
			}
		}

		if len(batch) < limit {
			return total, nil
		}
	}
}

// expireOne перечитывает заказ под блокировкой: оплата могла прийти после выборки.
func (s *Sweeper) expireOne(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	logger := s.logger.WithField("order_id", orderID)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, orderID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			logger.Debug("order is busy, expiry postponed")
			return false, nil
		}
		return false, err
	}
	defer unlock()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	if order.Status != domain.OrderStatusPending || !order.CreatedAt.Before(cutoff) {
		return false, nil
	}

	if err := order.Transition(domain.OrderStatusExpired, time.Now().UTC()); err != nil {
		return false, err
	}
	if err := s.orders.Save(ctx, order); err != nil {
		if domain.IsVersionConflict(err) {
			logger.Debug("order changed concurrently, expiry skipped")
			return false, nil
		}
		return false, err
	}

	s.events.Emit(ctx, order.ID, domain.TimelineOrderExpired, "invoice not paid in time", nil)
	s.events.EmitStatus(ctx, order)
	logger.Info("pending order expired")
	return true, nil
}
