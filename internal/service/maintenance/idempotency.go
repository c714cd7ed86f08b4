package maintenance

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const defaultCleanupBatchSize = 500

// IdempotencyCleanup удаляет просроченные ответы checkout порциями, чтобы
// одна итерация не держала долгую транзакцию.
type IdempotencyCleanup struct {
	repo      domain.IdempotencyRepository
	batchSize int
}

// NewIdempotencyCleanup создаёт задачу очистки idempotency-ключей.
func NewIdempotencyCleanup(repo domain.IdempotencyRepository, batchSize int) *IdempotencyCleanup {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	return &IdempotencyCleanup{repo: repo, batchSize: batchSize}
}

func (c *IdempotencyCleanup) Name() string {
	return "idempotency_cleanup"
}

// RunOnce удаляет все записи с ttl <= now.
func (c *IdempotencyCleanup) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := c.repo.DeleteExpired(ctx, now, c.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted

		if deleted < c.batchSize {
			return total, nil
		}
	}
}

var _ Job = (*IdempotencyCleanup)(nil)
