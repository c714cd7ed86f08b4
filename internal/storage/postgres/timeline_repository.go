package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// maxTimelineEvents: сколько событий отдаёт страница статуса заказа.
const maxTimelineEvents = 200

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, e domain.TimelineEvent) error {
	if e.Occurred.IsZero() {
		e.Occurred = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		e.OrderID, e.Type, e.Reason, e.Occurred)
	if err != nil {
		return fmt.Errorf("timeline: append %s for order %s: %w", e.Type, e.OrderID, err)
	}
	return nil
}

// List возвращает события заказа по времени; при равном времени порядок вставки.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT order_id, type, reason, occurred FROM timeline_events
		 WHERE order_id = $1 ORDER BY occurred, id LIMIT $2`, orderID, maxTimelineEvents)
	if err != nil {
		return nil, fmt.Errorf("timeline: list order %s: %w", orderID, err)
	}
	defer rows.Close()

	events := []domain.TimelineEvent{}
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.OrderID, &e.Type, &e.Reason, &e.Occurred); err != nil {
			return nil, fmt.Errorf("timeline: list order %s: %w", orderID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
