package keyprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// MockProvider: конфигурируемая заглушка KeyProvider для тестов и локального запуска.
type MockProvider struct {
	mu sync.Mutex

	// Err возвращается всеми вызовами, если задан.
	Err error
	// FailFirst: сколько первых вызовов завершатся ошибкой ErrKeyProviderFailed.
	FailFirst int

	calls    int
	requests []domain.MintRequest
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// MintKey считает вызовы и выдаёт уникальный ключ.
func (m *MockProvider) MintKey(ctx context.Context, req domain.MintRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrKeyProviderFailed, err)
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.calls <= m.FailFirst {
		return "", fmt.Errorf("%w: mock failure %d", domain.ErrKeyProviderFailed, m.calls)
	}
	return "EXT-" + uuid.NewString(), nil
}

// Calls возвращает число вызовов MintKey.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests возвращает копию полученных запросов.
func (m *MockProvider) Requests() []domain.MintRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MintRequest(nil), m.requests...)
}

var _ domain.KeyProvider = (*MockProvider)(nil)
