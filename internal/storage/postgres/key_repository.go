package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// importTimeout больше opTimeout: импорт склада может содержать тысячи строк.
const importTimeout = 2 * time.Minute

type keyRepository struct {
	db *sql.DB
}

// NewKeyRepository создаёт PostgreSQL-реализацию KeyRepository.
func NewKeyRepository(store *Store) domain.KeyRepository {
	return &keyRepository{db: store.DB()}
}

// ClaimUnused выполняет один условный UPDATE: подзапрос выбирает первый свободный ключ пула
// и блокирует его, занятые другими транзакциями строки пропускаются.
func (r *keyRepository) ClaimUnused(ctx context.Context, scope domain.KeyScope, orderID string) (domain.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		k      domain.Key
		usedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		UPDATE keys
		SET is_used = TRUE,
		    order_id = $3,
		    used_at = NOW()
		WHERE id = (
			SELECT id
			FROM keys
			WHERE product_id = $1
			  AND sku = $2
			  AND NOT is_used
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		  AND NOT is_used
		RETURNING id, product_id, sku, value, order_id, created_at, used_at
	`, scope.ProductID, scope.SKU, orderID).Scan(
		&k.ID, &k.ProductID, &k.SKU, &k.Value, &k.OrderID, &k.CreatedAt, &usedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Key{}, domain.ErrNoKeyAvailable
		}
		return domain.Key{}, fmt.Errorf("claim key: %w", err)
	}
	k.IsUsed = true
	k.UsedAt = usedAt.Time
	return k, nil
}

func (r *keyRepository) InsertUsed(ctx context.Context, key domain.Key) (domain.Key, error) {
	if key.OrderID == "" {
		return domain.Key{}, domain.ErrOrderIDRequired
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO keys (id, product_id, sku, value, is_used, order_id, used_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, NOW())
		RETURNING created_at, used_at
	`, key.ID, key.ProductID, key.SKU, key.Value, key.OrderID).Scan(&key.CreatedAt, &usedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Key{}, domain.ErrKeyAlreadyExists
		}
		return domain.Key{}, fmt.Errorf("insert used key: %w", err)
	}
	key.IsUsed = true
	key.UsedAt = usedAt.Time
	return key, nil
}

func (r *keyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, sku, value, order_id, created_at, used_at
		FROM keys
		WHERE order_id = $1
		ORDER BY used_at ASC, seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order keys: %w", err)
	}
	defer rows.Close()

	keys := make([]domain.Key, 0)
	for rows.Next() {
		var (
			k      domain.Key
			usedAt sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.ProductID, &k.SKU, &k.Value, &k.OrderID, &k.CreatedAt, &usedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.IsUsed = true
		k.UsedAt = usedAt.Time
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Import вставляет ключи одной транзакцией; уже существующие значения пропускаются.
func (r *keyRepository) Import(ctx context.Context, scope domain.KeyScope, values []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()

	added := 0
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO keys (id, product_id, sku, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (value) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare key import: %w", err)
		}
		defer stmt.Close()

		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			res, err := stmt.ExecContext(ctx, uuid.NewString(), scope.ProductID, scope.SKU, v)
			if err != nil {
				return fmt.Errorf("import key: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (r *keyRepository) CountAvailable(ctx context.Context, scope domain.KeyScope) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM keys WHERE product_id = $1 AND sku = $2 AND NOT is_used
	`, scope.ProductID, scope.SKU).Scan(&n); err != nil {
		return 0, fmt.Errorf("count available keys: %w", err)
	}
	return n, nil
}

var _ domain.KeyRepository = (*keyRepository)(nil)
