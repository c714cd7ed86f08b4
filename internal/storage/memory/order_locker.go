package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// orderLock: семафор на один заказ; refs считает ожидающих и держателя.
type orderLock struct {
	ch   chan struct{}
	refs int
}

// OrderLocker: внутрипроцессная блокировка заказов для драйвера memory.
type OrderLocker struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

// NewOrderLocker создаёт блокировщик заказов в памяти процесса.
func NewOrderLocker() *OrderLocker {
	return &OrderLocker{locks: make(map[string]*orderLock)}
}

// Lock ждёт освобождения заказа или отмены ctx.
func (l *OrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[orderID]
	if !ok {
		lk = &orderLock{ch: make(chan struct{}, 1)}
		l.locks[orderID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(orderID, lk)
		return nil, domain.ErrLockNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(orderID, lk)
		})
	}, nil
}

func (l *OrderLocker) release(orderID string, lk *orderLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, orderID)
	}
}

var _ domain.OrderLocker = (*OrderLocker)(nil)
