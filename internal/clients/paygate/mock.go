package paygate

import (
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// MockGateway: конфигурируемая заглушка шлюза для локальной разработки и тестов.
type MockGateway struct {
	mu sync.Mutex

	Err      error
	Requests []domain.InvoiceRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// CreateInvoice запоминает запрос и возвращает ссылку на return URL с номером заказа.
func (m *MockGateway) CreateInvoice(_ context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return domain.Invoice{}, m.Err
	}

	payURL := req.ReturnURL
	if u, err := url.Parse(req.ReturnURL); err == nil {
		q := u.Query()
		q.Set("orderId", req.OrderID)
		u.RawQuery = q.Encode()
		payURL = u.String()
	}
	return domain.Invoice{TrackID: "mock-" + uuid.NewString(), PayURL: payURL}, nil
}

// Calls возвращает число вызовов CreateInvoice.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
