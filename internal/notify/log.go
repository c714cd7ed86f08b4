package notify

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

// LogNotifier пишет факт выдачи в лог вместо отправки письма.
// Значения ключей в лог не попадают.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт уведомитель для окружений без SMTP.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "log-notifier")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendKeys(_ context.Context, d domain.KeyDelivery) error {
	n.logger.WithFields(log.Fields{
		"order_id": d.OrderID,
		"email":    d.Email,
		"keys":     len(d.Keys),
	}).Info("keys delivery logged (smtp not configured)")
	return nil
}

// LogAlerter пишет сообщения оператору в лог с уровнем error.
type LogAlerter struct {
	logger *log.Entry
}

// NewLogAlerter создаёт алертер по умолчанию.
func NewLogAlerter(logger *log.Entry) *LogAlerter {
	if logger == nil {
		logger = log.WithField("component", "operator-alert")
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, message string) error {
	a.logger.Error(message)
	return nil
}

// MultiAlerter рассылает сообщение во все каналы и объединяет ошибки.
type MultiAlerter []domain.OperatorAlerter

func (m MultiAlerter) Alert(ctx context.Context, message string) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.Notifier        = (*LogNotifier)(nil)
	_ domain.OperatorAlerter = (*LogAlerter)(nil)
	_ domain.OperatorAlerter = MultiAlerter(nil)
)
