package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const defaultOutboxPull = 100

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	seq   uint64
	msg   domain.OutboxMessage
	state outboxState
}

// OutboxRepository хранит outbox в памяти. Порядок выдачи: CreatedAt,
// при равенстве порядок постановки.
type OutboxRepository struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*outboxEntry
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{entries: make(map[string]*outboxEntry)}
}

// Enqueue ставит сообщение в очередь, заполняя ID и CreatedAt, если они пусты.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = slices.Clone(msg.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.entries[msg.ID] = &outboxEntry{seq: r.seq, msg: msg}
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxPull
	}
	pending := r.pending()
	return pending[:min(limit, len(pending))], nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	pending := r.pending()
	var stats domain.OutboxStats
	stats.PendingCount = len(pending)
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].CreatedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, outboxFailed)
}

// AllPending нужен тестам других пакетов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.pending()
}

func (r *OutboxRepository) settle(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: outbox message %s not found", domain.ErrOutboxPublish, id)
	}
	e.state = state
	return nil
}

func (r *OutboxRepository) pending() []domain.OutboxMessage {
	r.mu.Lock()
	queue := make([]*outboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == outboxPending {
			queue = append(queue, e)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(queue, func(a, b *outboxEntry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]domain.OutboxMessage, len(queue))
	for i, e := range queue {
		out[i] = e.msg
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
