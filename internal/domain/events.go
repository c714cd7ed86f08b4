package domain

import "time"

// Типы событий outbox, помимо событий таймлайна с тем же именем.
const (
	EventOrderStatusChanged = "OrderStatusChanged"
	// AggregateOrder: тип агрегата для всех событий заказа.
	AggregateOrder = "order"
)

// DeliveryFailedEvent описывает полезную нагрузку KeysDeliveryFailed: по ней
// потребитель повторяет отправку письма.
type DeliveryFailedEvent struct {
	OrderID  string    `json:"order_id"`
	Reason   string    `json:"reason"`
	Attempt  int       `json:"attempt"`
	FailedAt time.Time `json:"failed_at"`
}
