package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа магазина.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан, счёт выставлен, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid: шлюз подтвердил оплату, идёт выдача товара.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCompleted: заказ исполнен; терминальный статус.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusExpired: счёт не был оплачен вовремя.
	OrderStatusExpired OrderStatus = "expired"
	// OrderStatusCanceled: заказ отменён до оплаты.
	OrderStatusCanceled OrderStatus = "canceled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCompleted, OrderStatusExpired, OrderStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusExpired, OrderStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionTo описывает допустимые переходы: только вперёд,
// pending может уйти в expired/canceled, терминальные статусы не меняются.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusPaid || next == OrderStatusCompleted ||
			next == OrderStatusExpired || next == OrderStatusCanceled
	case OrderStatusPaid:
		return next == OrderStatusCompleted
	default:
		return false
	}
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID        string
	ProductID string
	// VariantID пустой, если товар без вариантов.
	VariantID string
	// SKU: имя варианта, по которому подбираются ключи.
	SKU      string
	Quantity int32
	// Price: цена за единицу, зафиксированная при оформлении.
	Price     decimal.Decimal
	IsDigital bool
	CreatedAt time.Time
}

// Subtotal возвращает price * quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt32(i.Quantity))
}

// Customer: контактные данные покупателя.
type Customer struct {
	Email           string
	Name            string
	Phone           string
	ShippingAddress string
	ContactMethod   string
	ContactInfo     string
	// Language: подсказка языка для письма с ключами.
	Language string
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID       string
	Customer Customer
	Status   OrderStatus
	Currency string
	Amount   decimal.Decimal
	// TrackID: идентификатор платежа на стороне шлюза.
	TrackID   string
	Notes     string
	Items     []OrderItem
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition переводит заказ в новый статус или возвращает ErrInvalidTransition.
func (o *Order) Transition(next OrderStatus, at time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// AppendNote добавляет строку к заметкам заказа.
func (o *Order) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if o.Notes == "" {
		o.Notes = note
		return
	}
	o.Notes += "\n" + note
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.Customer.Email) == "" {
		errs = append(errs, ErrEmailRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrEmptyCart)
	}
	if o.Amount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	calc := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc = calc.Add(item.Subtotal())
	}
	if !calc.Equal(o.Amount) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// DigitalUnits возвращает общее количество цифровых единиц в заказе.
func (o *Order) DigitalUnits() int {
	var n int
	for _, item := range o.Items {
		if item.IsDigital {
			n += int(item.Quantity)
		}
	}
	return n
}
