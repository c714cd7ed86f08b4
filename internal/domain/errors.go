package domain

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyCart возвращается, если в корзине нет ни одной позиции.
	ErrEmptyCart = errors.New("cart must contain at least one item")
	// ErrEmailRequired возвращается, если у покупателя не указан email.
	ErrEmailRequired = errors.New("email is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrInvalidTransition: запрещённый переход статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrProductNotFound возвращается, если товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrVariantNotFound возвращается, если у товара нет указанного варианта.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrNoKeyAvailable: в пуле нет свободных ключей для товара/варианта.
	ErrNoKeyAvailable = errors.New("no unused key available")
	// ErrKeyAlreadyExists: ключ с таким значением уже есть в пуле.
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrKeyProviderFailed: внешний поставщик ключей не выдал ключ.
	ErrKeyProviderFailed = errors.New("external key provider failed")
	// ErrNotificationFailed: не удалось отправить уведомление покупателю.
	ErrNotificationFailed = errors.New("notification failed")
	// ErrGatewayFailed: платёжный шлюз не создал счёт.
	ErrGatewayFailed = errors.New("payment gateway failed")

	// ErrLockNotAcquired: не удалось взять блокировку заказа за отведённое время.
	ErrLockNotAcquired = errors.New("order lock not acquired")

	// ErrCallbackSignature: подпись callback-а не совпала.
	ErrCallbackSignature = errors.New("callback signature mismatch")
	// ErrCallbackMalformed: тело callback-а не соответствует ни одной известной форме.
	ErrCallbackMalformed = errors.New("callback payload malformed")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired: пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired: не передан хэш тела запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound: запись по ключу идемпотентности отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists: ключ уже использован другим запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: тот же ключ пришёл с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// ValidationError агрегирует ошибки валидации входных данных оформления заказа.
type ValidationError struct {
	Problems []error
}

// NewValidationError возвращает nil, если замечаний нет.
func NewValidationError(problems ...error) error {
	var filtered []error
	for _, p := range problems {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return &ValidationError{Problems: filtered}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap позволяет errors.Is находить вложенные sentinel-ошибки.
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// IsValidation проверяет, что ошибка относится к валидации входа.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает о конфликте по ключу идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
