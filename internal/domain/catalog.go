package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product: позиция каталога.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	// IsDigital: товар выдаётся ключами, а не отгрузкой.
	IsDigital bool
	// AllowExternalKey разрешает докупать ключ у внешнего поставщика, когда пул пуст.
	AllowExternalKey bool
	// ExternalRef: идентификатор товара у поставщика ключей.
	ExternalRef string
	// PhysicalStock: остаток для физических товаров без вариантов.
	PhysicalStock int64
	Variants      []Variant
}

// Variant: вариант товара (регион, размер) со своей наценкой и остатком.
type Variant struct {
	ID            string
	ProductID     string
	Name          string
	PriceModifier decimal.Decimal
	Stock         int64
}

// Variant ищет вариант по ID.
func (p Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// UnitPrice возвращает актуальную цену единицы с учётом варианта.
func (p Product) UnitPrice(variantID string) (decimal.Decimal, error) {
	if variantID == "" {
		return p.Price, nil
	}
	v, ok := p.Variant(variantID)
	if !ok {
		return decimal.Zero, ErrVariantNotFound
	}
	return p.Price.Add(v.PriceModifier), nil
}

// KeyScope определяет пул ключей: товар и, опционально, имя варианта.
type KeyScope struct {
	ProductID string
	SKU       string
}

// Key: единица цифрового товара.
type Key struct {
	ID        string
	ProductID string
	SKU       string
	Value     string
	IsUsed    bool
	// OrderID заполнен только у использованных ключей.
	OrderID   string
	CreatedAt time.Time
	UsedAt    time.Time
}

// Scope возвращает пул, к которому относится ключ.
func (k Key) Scope() KeyScope {
	return KeyScope{ProductID: k.ProductID, SKU: k.SKU}
}

// ScopeOf возвращает пул ключей для позиции заказа.
func ScopeOf(item OrderItem) KeyScope {
	return KeyScope{ProductID: item.ProductID, SKU: item.SKU}
}
