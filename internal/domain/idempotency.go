package domain

import "time"

// DefaultIdempotencyTTL: срок хранения ответа checkout, если вызывающий не задал свой.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus: стадия обработки checkout под Idempotency-Key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: ключ занят, ответа ещё нет.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: checkout завершился, ответ можно отдавать повторно.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: checkout завершился ошибкой, сохранённая ошибка тоже отдаётся повторно.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid сообщает, знает ли система такую стадию.
func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord: сохранённый результат checkout для одного Idempotency-Key.
// RequestHash позволяет отличить повтор того же запроса от другого тела под тем же ключом.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	Status       IdempotencyStatus
	HTTPStatus   int
	ResponseBody []byte
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewProcessingRecord резервирует ключ на момент now. Нулевой ttlAt заменяется на now+DefaultIdempotencyTTL.
func NewProcessingRecord(key, requestHash string, ttlAt, now time.Time) IdempotencyRecord {
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ExpiredAt истинно, когда запись пережила свой TTL и ключ можно занять заново.
func (r IdempotencyRecord) ExpiredAt(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Replayable истинно, когда у записи есть готовый ответ для повтора.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status != IdempotencyStatusProcessing && r.HTTPStatus != 0
}

// Finish фиксирует итог обработки и копирует тело ответа.
func (r *IdempotencyRecord) Finish(status IdempotencyStatus, httpStatus int, body []byte, at time.Time) {
	r.Status = status
	r.HTTPStatus = httpStatus
	r.ResponseBody = append([]byte(nil), body...)
	r.UpdatedAt = at
}
