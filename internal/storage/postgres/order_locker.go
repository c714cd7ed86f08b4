package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	// orderLockNamespace: первый ключ двухаргументного advisory lock,
	// отделяет блокировки заказов от блокировки миграций.
	orderLockNamespace = int32(0x6b73)

	defaultLockRetryInterval = 50 * time.Millisecond
	unlockTimeout            = 2 * time.Second
)

// OrderLocker: блокировка заказа через session-level advisory lock PostgreSQL.
// Блокировку держит выделенное подключение до вызова unlock.
type OrderLocker struct {
	db            *sql.DB
	retryInterval time.Duration
	logger        *log.Entry
}

// NewOrderLocker создаёт блокировщик заказов поверх advisory lock.
func NewOrderLocker(store *Store, logger *log.Entry) *OrderLocker {
	if logger == nil {
		logger = log.WithField("component", "order-locker-postgres")
	}
	return &OrderLocker{db: store.DB(), retryInterval: defaultLockRetryInterval, logger: logger}
}

// Lock пробует взять блокировку, пока не истечёт ctx.
func (l *OrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	for {
		var ok bool
		err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, hashtext($2))`, orderLockNamespace, orderID).Scan(&ok)
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, domain.ErrLockNotAcquired
			}
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, domain.ErrLockNotAcquired
		case <-time.After(l.retryInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(conn, orderID) })
	}, nil
}

func (l *OrderLocker) unlock(conn *sql.Conn, orderID string) {
	unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1, hashtext($2))`, orderLockNamespace, orderID); err != nil {
		// Сессия с неснятой блокировкой не должна вернуться в пул: ErrBadConn
		// заставляет database/sql закрыть подключение, и сервер снимет блокировку сам.
		l.logger.WithError(err).WithField("order_id", orderID).Warn("advisory unlock failed, discarding connection")
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

var _ domain.OrderLocker = (*OrderLocker)(nil)
