package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	// reserveIdempotencyKeySQL занимает ключ. Строка с истёкшим ttl_at
	// перезаписывается, живая строка не даёт RETURNING ни одной записи.
	reserveIdempotencyKeySQL = `
		INSERT INTO idempotency_keys AS ik (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    http_status = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE ik.ttl_at <= EXCLUDED.created_at
		RETURNING key`

	selectIdempotencyKeySQL = `
		SELECT key, request_hash, status, http_status, response_body, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1`

	finishIdempotencyKeySQL = `
		UPDATE idempotency_keys
		SET status = $2, http_status = $3, response_body = $4, updated_at = $5
		WHERE key = $1`

	purgeIdempotencyKeysSQL = `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)`

	purgeAllIdempotencyKeysSQL = `DELETE FROM idempotency_keys WHERE ttl_at <= $1`
)

// idempotencyRepository хранит ответы checkout в таблице idempotency_keys.
type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec := domain.NewProcessingRecord(key, requestHash, ttlAt, r.now())
	var reserved string
	err := r.db.QueryRowContext(ctx, reserveIdempotencyKeySQL,
		rec.Key, rec.RequestHash, string(rec.Status), rec.TTLAt, rec.CreatedAt,
	).Scan(&reserved)
	switch {
	case err == nil:
		return rec, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	held, err := r.get(ctx, key)
	if err != nil {
		// Строку могли удалить между INSERT и SELECT, для клиента это всё ещё занятый ключ.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if held.RequestHash != requestHash {
		return held, domain.ErrIdempotencyHashMismatch
	}
	return held, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	if key = strings.TrimSpace(key); key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.get(ctx, key)
}

func (r *idempotencyRepository) get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		status     string
		httpStatus sql.NullInt32
	)
	err := r.db.QueryRowContext(ctx, selectIdempotencyKeySQL, key).Scan(
		&rec.Key, &rec.RequestHash, &status, &httpStatus, &rec.ResponseBody,
		&rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load idempotency key %s: %w", key, err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s: unknown status %q", key, status)
	}
	rec.HTTPStatus = int(httpStatus.Int32)
	return rec, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyRepository) finish(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte, httpStatus int) error {
	if key = strings.TrimSpace(key); key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, finishIdempotencyKeySQL, key, string(status), httpStatus, body, r.now())
	if err != nil {
		return fmt.Errorf("store %s response for idempotency key %s: %w", status, key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store %s response for idempotency key %s: %w", status, key, err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет записи с ttl_at <= before, самые старые первыми; limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, purgeIdempotencyKeysSQL, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, purgeAllIdempotencyKeysSQL, before)
	}
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
