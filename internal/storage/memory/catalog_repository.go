package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// CatalogRepository: in-memory каталог с физическими остатками.
type CatalogRepository struct {
	mu       sync.Mutex
	products map[string]domain.Product
	// taken запоминает списание по позиции заказа, чтобы повтор не списывал дважды.
	taken map[string]int32
}

// NewCatalogRepository создаёт пустой каталог.
func NewCatalogRepository() *CatalogRepository {
	return &CatalogRepository{
		products: make(map[string]domain.Product),
		taken:    make(map[string]int32),
	}
}

// Put добавляет или заменяет товар (используется при старте и в тестах).
func (r *CatalogRepository) Put(product domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.products[product.ID] = cloneProduct(product)
}

// GetProduct возвращает товар или ErrProductNotFound.
func (r *CatalogRepository) GetProduct(_ context.Context, id string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return cloneProduct(p), nil
}

// TakeStock списывает не больше доступного остатка товара или варианта.
func (r *CatalogRepository) TakeStock(_ context.Context, item domain.OrderItem) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.taken[item.ID]; ok {
		return n, nil
	}

	p, ok := r.products[item.ProductID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}

	var taken int32
	if item.VariantID == "" {
		taken = int32(min(p.PhysicalStock, int64(item.Quantity)))
		p.PhysicalStock -= int64(taken)
	} else {
		idx := -1
		for i := range p.Variants {
			if p.Variants[i].ID == item.VariantID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, domain.ErrVariantNotFound
		}
		taken = int32(min(p.Variants[idx].Stock, int64(item.Quantity)))
		p.Variants[idx].Stock -= int64(taken)
	}

	r.products[p.ID] = p
	r.taken[item.ID] = taken
	return taken, nil
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Variants = append([]domain.Variant(nil), src.Variants...)
	return dst
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
