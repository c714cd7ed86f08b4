package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus: нормализованный статус платежа из callback-а шлюза.
type PaymentStatus string

const (
	PaymentStatusWaiting    PaymentStatus = "waiting"
	PaymentStatusConfirming PaymentStatus = "confirming"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusUnknown    PaymentStatus = "unknown"
)

// IsConfirmed сообщает, что средства видны в сети и заказ можно исполнять.
func (s PaymentStatus) IsConfirmed() bool {
	return s == PaymentStatusPaid || s == PaymentStatusConfirming
}

// CallbackKind различает известные формы callback-а шлюза.
type CallbackKind string

const (
	// CallbackKindInvoice: оплата выставленного счёта.
	CallbackKindInvoice CallbackKind = "invoice"
	// CallbackKindPayment: прямой платёж, привязанный к заказу.
	CallbackKindPayment CallbackKind = "payment"
)

// PaymentCallback: строго разобранное уведомление шлюза о платеже.
type PaymentCallback struct {
	Kind      CallbackKind
	Status    PaymentStatus
	RawStatus string
	OrderID   string
	TrackID   string
	Amount    decimal.Decimal
	Currency  string
	// ReceivedAt: момент приёма callback-а нашим сервером.
	ReceivedAt time.Time
}

// InvoiceRequest: параметры счёта в платёжном шлюзе.
type InvoiceRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Lifetime    time.Duration
	CallbackURL string
	ReturnURL   string
	Description string
	Email       string
}

// Invoice: ответ шлюза на создание счёта.
type Invoice struct {
	TrackID string
	PayURL  string
}

// MintRequest: запрос на выпуск ключа внешним поставщиком.
type MintRequest struct {
	OrderID     string
	ProductID   string
	ExternalRef string
	SKU         string
	Price       decimal.Decimal
	Currency    string
}

// KeyDelivery: письмо покупателю с выданными ключами.
type KeyDelivery struct {
	OrderID  string
	Email    string
	Name     string
	Language string
	Keys     []DeliveredKey
}

// DeliveredKey: ключ вместе с названием товара для письма.
type DeliveredKey struct {
	ProductID string
	SKU       string
	Value     string
}

// NewKeyDelivery собирает письмо из заказа и его ключей в порядке выдачи.
func NewKeyDelivery(order Order, keys []Key) KeyDelivery {
	d := KeyDelivery{
		OrderID:  order.ID,
		Email:    order.Customer.Email,
		Name:     order.Customer.Name,
		Language: order.Customer.Language,
		Keys:     make([]DeliveredKey, 0, len(keys)),
	}
	for _, k := range keys {
		d.Keys = append(d.Keys, DeliveredKey{ProductID: k.ProductID, SKU: k.SKU, Value: k.Value})
	}
	return d
}

// Values возвращает значения ключей в порядке выдачи.
func (d KeyDelivery) Values() []string {
	out := make([]string, 0, len(d.Keys))
	for _, k := range d.Keys {
		out = append(out, k.Value)
	}
	return out
}
