package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// KeyRepository: in-memory пул ключей. Порядок выдачи совпадает с порядком импорта.
type KeyRepository struct {
	mu     sync.Mutex
	keys   []domain.Key
	values map[string]struct{}
}

// NewKeyRepository создаёт пустой пул ключей.
func NewKeyRepository() *KeyRepository {
	return &KeyRepository{values: make(map[string]struct{})}
}

// ClaimUnused под мьютексом находит первый свободный ключ пула и помечает его.
func (r *KeyRepository) ClaimUnused(_ context.Context, scope domain.KeyScope, orderID string) (domain.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.keys {
		k := &r.keys[i]
		if k.IsUsed || k.Scope() != scope {
			continue
		}
		k.IsUsed = true
		k.OrderID = orderID
		k.UsedAt = time.Now().UTC()
		return *k, nil
	}
	return domain.Key{}, domain.ErrNoKeyAvailable
}

// InsertUsed сохраняет выпущенный поставщиком ключ сразу привязанным к заказу.
func (r *KeyRepository) InsertUsed(_ context.Context, key domain.Key) (domain.Key, error) {
	if key.OrderID == "" {
		return domain.Key{}, domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.values[key.Value]; dup {
		return domain.Key{}, domain.ErrKeyAlreadyExists
	}
	now := time.Now().UTC()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.IsUsed = true
	key.CreatedAt = now
	key.UsedAt = now
	r.keys = append(r.keys, key)
	r.values[key.Value] = struct{}{}
	return key, nil
}

// ListByOrder возвращает ключи заказа в порядке выдачи.
func (r *KeyRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Key, 0)
	for _, k := range r.keys {
		if k.IsUsed && k.OrderID == orderID {
			result = append(result, k)
		}
	}
	// Ключи из пула и выпущенные поставщиком упорядочиваем по моменту выдачи.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UsedAt.Before(result[j].UsedAt)
	})
	return result, nil
}

// Import добавляет свободные ключи в пул; пустые строки и дубликаты пропускаются.
func (r *KeyRepository) Import(_ context.Context, scope domain.KeyScope, values []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	added := 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := r.values[v]; dup {
			continue
		}
		r.keys = append(r.keys, domain.Key{
			ID:        uuid.NewString(),
			ProductID: scope.ProductID,
			SKU:       scope.SKU,
			Value:     v,
			CreatedAt: now,
		})
		r.values[v] = struct{}{}
		added++
	}
	return added, nil
}

// CountAvailable возвращает количество свободных ключей пула.
func (r *KeyRepository) CountAvailable(_ context.Context, scope domain.KeyScope) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, k := range r.keys {
		if !k.IsUsed && k.Scope() == scope {
			n++
		}
	}
	return n, nil
}

// All возвращает копию всех ключей (используется в тестах).
func (r *KeyRepository) All() []domain.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.Key(nil), r.keys...)
}

var _ domain.KeyRepository = (*KeyRepository)(nil)
