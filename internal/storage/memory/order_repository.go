package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// orderBook хранит заказы в памяти. Наружу отдаются только копии,
// поэтому вызывающий не может обойти проверку версии в Save.
type orderBook struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderRepository возвращает in-memory OrderRepository для тестов и запуска без БД.
func NewOrderRepository() domain.OrderRepository {
	return &orderBook{orders: make(map[string]domain.Order)}
}

func (b *orderBook) Create(_ context.Context, o domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, taken := b.orders[o.ID]; taken {
		return domain.ErrOrderAlreadyExists
	}
	b.orders[o.ID] = detach(o)
	return nil
}

func (b *orderBook) Get(_ context.Context, id string) (domain.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if o, ok := b.orders[id]; ok {
		return detach(o), nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// Save обновляет статус, track id и заметки при совпадении Version. Позиции неизменны.
func (b *orderBook) Save(_ context.Context, o domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.orders[o.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case stored.Version != o.Version:
		return domain.ErrOrderVersionConflict
	}

	stored.Status, stored.TrackID, stored.Notes = o.Status, o.TrackID, o.Notes
	stored.UpdatedAt = o.UpdatedAt
	stored.Version++
	b.orders[o.ID] = stored
	return nil
}

func (b *orderBook) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	b.mu.RLock()
	out := []domain.Order{}
	for _, o := range b.orders {
		if o.Status == domain.OrderStatusPending && o.CreatedAt.Before(before) {
			out = append(out, detach(o))
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(x, y domain.Order) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	if limit > 0 {
		out = out[:min(limit, len(out))]
	}
	return out, nil
}

func detach(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

var _ domain.OrderRepository = (*orderBook)(nil)
