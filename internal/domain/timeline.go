package domain

import "time"

// Типы событий таймлайна заказа.
const (
	TimelineOrderCreated     = "OrderCreated"
	TimelineInvoiceCreated   = "InvoiceCreated"
	TimelinePaymentConfirmed = "PaymentConfirmed"
	TimelineKeysAllocated    = "KeysAllocated"
	TimelineOrderCompleted   = "OrderCompleted"
	TimelineUnderDelivered   = "OrderUnderDelivered"
	TimelineKeysDelivered    = "KeysDelivered"
	TimelineDeliveryFailed   = "KeysDeliveryFailed"
	TimelineOrderExpired     = "OrderExpired"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
