package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	selectOrderSQL = `SELECT id, email, name, phone, shipping_address, contact_method, contact_info, language,
	status, currency, amount, track_id, notes, version, created_at, updated_at FROM orders`

	selectItemsSQL = `SELECT order_id, id, product_id, variant_id, sku, qty, price, is_digital, created_at
	FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, created_at, id`

	defaultPendingBatch = 100
	pgUniqueViolation   = "23505"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// Create пишет заказ и позиции одной транзакцией.
func (r *orderRepository) Create(ctx context.Context, o domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		c := o.Customer
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, email, name, phone, shipping_address, contact_method, contact_info, language,
				status, currency, amount, track_id, notes, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			o.ID, c.Email, c.Name, c.Phone, c.ShippingAddress, c.ContactMethod, c.ContactInfo, c.Language,
			string(o.Status), o.Currency, o.Amount, o.TrackID, o.Notes, o.Version, o.CreatedAt, o.UpdatedAt)
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("orders: insert %s: %w", o.ID, err)
		}

		for _, it := range o.Items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO order_items (id, order_id, product_id, variant_id, sku, qty, price, is_digital, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				it.ID, o.ID, it.ProductID, it.VariantID, it.SKU, it.Quantity, it.Price, it.IsDigital, it.CreatedAt)
			if err != nil {
				return fmt.Errorf("orders: insert item %s of %s: %w", it.ID, o.ID, err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	o, err := scanOrder(r.db.QueryRowContext(ctx, selectOrderSQL+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("orders: get %s: %w", id, err)
	}

	orders := []domain.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

// Save меняет то, что трогают конвейер и sweep просрочки: статус, track id и заметки.
// Запись проходит только при совпадении Version.
func (r *orderRepository) Save(ctx context.Context, o domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $3, track_id = $4, notes = $5, updated_at = $6, version = version + 1
		 WHERE id = $1 AND version = $2`,
		o.ID, o.Version, string(o.Status), o.TrackID, o.Notes, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("orders: save %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("orders: save %s: %w", o.ID, err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return fmt.Errorf("orders: save %s: %w", o.ID, err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

// ListPendingBefore отдаёт старейшие pending-заказы, созданные раньше before, вместе с позициями.
func (r *orderRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultPendingBatch
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		selectOrderSQL+` WHERE status = $1 AND created_at < $2 ORDER BY created_at, id LIMIT $3`,
		string(domain.OrderStatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list pending: %w", err)
	}
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("orders: list pending: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders: list pending: %w", err)
	}

	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems одним запросом подгружает позиции для всех переданных заказов.
func (r *orderRepository) attachItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.db.QueryContext(ctx, selectItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("orders: load items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      domain.OrderItem
		)
		if err := rows.Scan(&orderID, &it.ID, &it.ProductID, &it.VariantID, &it.SKU,
			&it.Quantity, &it.Price, &it.IsDigital, &it.CreatedAt); err != nil {
			return fmt.Errorf("orders: load items: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("orders: load items: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	c := &o.Customer
	err := row.Scan(&o.ID, &c.Email, &c.Name, &c.Phone, &c.ShippingAddress, &c.ContactMethod, &c.ContactInfo, &c.Language,
		&status, &o.Currency, &o.Amount, &o.TrackID, &o.Notes, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.Status = domain.OrderStatus(status)
	return o, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var _ domain.OrderRepository = (*orderRepository)(nil)
