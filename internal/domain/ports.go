package domain

import (
	"context"
	"time"
)

// OrderRepository хранит заказы и их позиции.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	// Save сохраняет статус, track id и заметки с оптимистичной блокировкой по Version.
	Save(ctx context.Context, order Order) error
	// ListPendingBefore возвращает pending-заказы, созданные раньше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

// CatalogRepository даёт доступ к каталогу и физическим остаткам.
type CatalogRepository interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	// TakeStock списывает до qty единиц физического остатка под позицию заказа.
	// Повторный вызов для той же позиции возвращает ранее списанное количество.
	TakeStock(ctx context.Context, item OrderItem) (int32, error)
}

// KeyRepository: пул ключей цифровых товаров.
type KeyRepository interface {
	// ClaimUnused атомарно помечает один свободный ключ пула как использованный заказом.
	// Возвращает ErrNoKeyAvailable, если свободных ключей нет.
	ClaimUnused(ctx context.Context, scope KeyScope, orderID string) (Key, error)
	// InsertUsed сохраняет ключ, полученный у поставщика, сразу использованным.
	InsertUsed(ctx context.Context, key Key) (Key, error)
	// ListByOrder возвращает ключи заказа в порядке выдачи.
	ListByOrder(ctx context.Context, orderID string) ([]Key, error)
	// Import добавляет свободные ключи в пул, пропуская дубликаты.
	Import(ctx context.Context, scope KeyScope, values []string) (int, error)
	CountAvailable(ctx context.Context, scope KeyScope) (int, error)
}

// OrderLocker сериализует обработку одного заказа между конкурентными вызовами.
type OrderLocker interface {
	// Lock блокирует заказ; unlock нужно вызвать ровно один раз.
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// KeyProvider выпускает ключ по запросу; одна попытка на вызов.
type KeyProvider interface {
	MintKey(ctx context.Context, req MintRequest) (string, error)
}

// Notifier доставляет покупателю письмо с ключами.
type Notifier interface {
	SendKeys(ctx context.Context, delivery KeyDelivery) error
}

// OperatorAlerter сообщает операторам о ситуациях, требующих ручной работы.
type OperatorAlerter interface {
	Alert(ctx context.Context, message string) error
}

// PaymentGateway выставляет счета во внешнем платёжном шлюзе.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// FulfillmentStep задаёт константы шагов конвейера для метрик/логов.
type FulfillmentStep string

const (
	FulfillmentStepGate     FulfillmentStep = "gate"
	FulfillmentStepLock     FulfillmentStep = "lock"
	FulfillmentStepLoad     FulfillmentStep = "load"
	FulfillmentStepAllocate FulfillmentStep = "allocate"
	FulfillmentStepCommit   FulfillmentStep = "commit"
	FulfillmentStepNotify   FulfillmentStep = "notify"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
