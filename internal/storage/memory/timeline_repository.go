package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// timelineStore держит таймлайны заказов в памяти процесса.
type timelineStore struct {
	mu      sync.Mutex
	byOrder map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineStore{byOrder: make(map[string][]domain.TimelineEvent)}
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
func (s *timelineStore) Append(_ context.Context, e domain.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.byOrder[e.OrderID]
	at := sort.Search(len(events), func(i int) bool { return events[i].Occurred.After(e.Occurred) })
	events = append(events, domain.TimelineEvent{})
	copy(events[at+1:], events[at:])
	events[at] = e
	s.byOrder[e.OrderID] = events
	return nil
}

func (s *timelineStore) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TimelineEvent{}, s.byOrder[orderID]...), nil
}

var _ domain.TimelineRepository = (*timelineStore)(nil)
