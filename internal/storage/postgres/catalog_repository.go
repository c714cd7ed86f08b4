package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

type catalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogRepository.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepository{db: store.DB()}
}

func (r *catalogRepository) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.Product
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price, is_digital, allow_external_key, external_ref, physical_stock
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Price, &p.IsDigital, &p.AllowExternalKey, &p.ExternalRef, &p.PhysicalStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, name, price_modifier, stock
		FROM product_variants
		WHERE product_id = $1
		ORDER BY name
	`, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("select variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &v.PriceModifier, &v.Stock); err != nil {
			return domain.Product{}, fmt.Errorf("scan variant: %w", err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, fmt.Errorf("iterate variants: %w", err)
	}

	return p, nil
}

// TakeStock блокирует строку остатка, затем проверяет журнал списаний по позиции,
// поэтому параллельные и повторные вызовы для одной позиции списывают один раз.
func (r *catalogRepository) TakeStock(ctx context.Context, item domain.OrderItem) (int32, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var taken int32
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			stock int64
			err   error
		)
		if item.VariantID == "" {
			err = tx.QueryRowContext(ctx, `
				SELECT physical_stock FROM products WHERE id = $1 FOR UPDATE
			`, item.ProductID).Scan(&stock)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrProductNotFound
			}
		} else {
			err = tx.QueryRowContext(ctx, `
				SELECT stock FROM product_variants WHERE id = $1 AND product_id = $2 FOR UPDATE
			`, item.VariantID, item.ProductID).Scan(&stock)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrVariantNotFound
			}
		}
		if err != nil {
			return fmt.Errorf("lock stock row: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			SELECT qty FROM stock_movements WHERE order_item_id = $1
		`, item.ID).Scan(&taken)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select stock movement: %w", err)
		}

		taken = int32(min(stock, int64(item.Quantity)))
		if taken > 0 {
			if item.VariantID == "" {
				_, err = tx.ExecContext(ctx, `
					UPDATE products SET physical_stock = physical_stock - $2 WHERE id = $1
				`, item.ProductID, taken)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE product_variants SET stock = stock - $2 WHERE id = $1
				`, item.VariantID, taken)
			}
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (order_item_id, qty) VALUES ($1, $2)
		`, item.ID, taken); err != nil {
			return fmt.Errorf("record stock movement: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return taken, nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
