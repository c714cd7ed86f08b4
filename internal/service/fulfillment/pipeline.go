// Package fulfillment исполняет оплаченный заказ: выдаёт ключи из пула или у
// поставщика, списывает физический остаток, закрывает заказ и отправляет ключи покупателю.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
)

// Outcome: итог одного вызова конвейера.
type Outcome string

const (
	// OutcomeIgnored: статус платежа не подтверждает оплату.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAlreadyCompleted: повторный callback по исполненному заказу.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomeClosed: оплата пришла по просроченному или отменённому заказу.
	OutcomeClosed Outcome = "order_closed"
	// OutcomeCompleted: заказ переведён в completed этим вызовом.
	OutcomeCompleted Outcome = "completed"
)

// Result описывает, что сделал вызов.
type Result struct {
	OrderID string
	Outcome Outcome
	// Delivered: ключи, выданные этим вызовом (из пула и у поставщика).
	Delivered int
	Minted    int
	Physical  int
	Short     int
	Notified  bool
}

// Dependencies: порты, с которыми работает конвейер.
type Dependencies struct {
	Orders  domain.OrderRepository
	Catalog domain.CatalogRepository
	Keys    domain.KeyRepository
	Locker  domain.OrderLocker
	// Provider может быть nil: тогда докупка ключей отключена.
	Provider domain.KeyProvider
	Notifier domain.Notifier
	Alerter  domain.OperatorAlerter
	Events   *orderevents.Recorder
}

// Pipeline: обработчик подтверждённых платежей.
type Pipeline struct {
	orders   domain.OrderRepository
	catalog  domain.CatalogRepository
	keys     domain.KeyRepository
	locker   domain.OrderLocker
	provider domain.KeyProvider
	notifier domain.Notifier
	alerter  domain.OperatorAlerter
	events   *orderevents.Recorder

	logger        *log.Entry
	metrics       *metrics.FulfillmentMetrics
	lockTimeout   time.Duration
	runTimeout    time.Duration
	mintTimeout   time.Duration
	notifyTimeout time.Duration
	clock         func() time.Time
}

// NewPipeline создаёт конвейер исполнения.
func NewPipeline(deps Dependencies, options ...Option) *Pipeline {
	opts := Options{
		LockTimeout:   defaultLockTimeout,
		RunTimeout:    defaultRunTimeout,
		MintTimeout:   defaultMintTimeout,
		NotifyTimeout: defaultNotifyTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "fulfillment")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.MintTimeout <= 0 {
		opts.MintTimeout = defaultMintTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Pipeline{
		orders:        deps.Orders,
		catalog:       deps.Catalog,
		keys:          deps.Keys,
		locker:        deps.Locker,
		provider:      deps.Provider,
		notifier:      deps.Notifier,
		alerter:       deps.Alerter,
		events:        deps.Events,
		logger:        logger,
		metrics:       opts.Metrics,
		lockTimeout:   opts.LockTimeout,
		runTimeout:    opts.RunTimeout,
		mintTimeout:   opts.MintTimeout,
		notifyTimeout: opts.NotifyTimeout,
		clock:         clock,
	}
}

const tracerName = "github.com/vladislavdragonenkov/keyshop/internal/service/fulfillment"

// HandleCallback обрабатывает разобранный и проверенный callback шлюза.
// Повторный вызов с тем же callback-ом ничего не меняет. Ошибка означает, что
// заказ не переведён в completed и шлюз должен повторить callback.
func (p *Pipeline) HandleCallback(ctx context.Context, cb domain.PaymentCallback) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "fulfillment.HandleCallback", trace.WithAttributes(
		attribute.String("order.id", cb.OrderID),
		attribute.String("payment.track_id", cb.TrackID),
		attribute.String("payment.status", cb.RawStatus),
	))
	defer span.End()

	res, err := p.handle(ctx, cb)
	span.SetAttributes(
		attribute.String("fulfillment.outcome", string(res.Outcome)),
		attribute.Int("fulfillment.delivered", res.Delivered),
		attribute.Int("fulfillment.short", res.Short),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, cb domain.PaymentCallback) (Result, error) {
	res := Result{OrderID: cb.OrderID}
	logger := p.logger.WithFields(log.Fields{
		"order_id":       cb.OrderID,
		"track_id":       cb.TrackID,
		"payment_status": cb.RawStatus,
	})

	if !cb.Status.IsConfirmed() {
		logger.Debug("payment is not confirmed, nothing to fulfil")
		p.recordNoop("payment_status")
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	start := time.Now()
	if p.metrics != nil {
		p.metrics.RecordStarted()
		defer func() { p.metrics.RecordFinished(time.Since(start)) }()
	}

	// Начатый прогон доводится до конца, даже если шлюз оборвал соединение.
	ctx = context.WithoutCancel(ctx)

	stepStart := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	unlock, err := p.locker.Lock(lockCtx, cb.OrderID)
	cancel()
	if err != nil {
		p.recordFailed(domain.FulfillmentStepLock)
		return res, fmt.Errorf("lock order %s: %w", cb.OrderID, err)
	}
	defer unlock()
	p.recordStep(domain.FulfillmentStepLock, stepStart)

	// Всё до completed укладывается в runTimeout, чтобы прогон не пережил
	// аренду блокировки. Письмо уходит уже вне этого срока.
	runCtx, cancelRun := context.WithTimeout(ctx, p.runTimeout)
	defer cancelRun()

	order, err := p.orders.Get(runCtx, cb.OrderID)
	if err != nil {
		p.recordFailed(domain.FulfillmentStepLoad)
		if errors.Is(err, domain.ErrOrderNotFound) {
			logger.Warn("payment callback for unknown order")
			p.alert(runCtx, fmt.Sprintf("payment callback for unknown order %s (track %s, status %s)", cb.OrderID, cb.TrackID, cb.RawStatus))
		}
		return res, fmt.Errorf("load order %s: %w", cb.OrderID, err)
	}

	switch order.Status {
	case domain.OrderStatusCompleted:
		logger.Info("order already completed, duplicate callback ignored")
		p.recordNoop("already_completed")
		res.Outcome = OutcomeAlreadyCompleted
		return res, nil
	case domain.OrderStatusExpired, domain.OrderStatusCanceled:
		logger.WithField("status", order.Status).Warn("confirmed payment for closed order")
		p.recordNoop("order_closed")
		p.alert(runCtx, fmt.Sprintf("order %s is %s but payment %s reports %s; manual reconciliation required",
			order.ID, order.Status, cb.TrackID, cb.RawStatus))
		res.Outcome = OutcomeClosed
		return res, nil
	}

	if order.Status == domain.OrderStatusPending {
		if err := p.markPaid(runCtx, &order, cb); err != nil {
			p.recordFailed(domain.FulfillmentStepCommit)
			logger.WithError(err).Error("failed to mark order paid")
			return res, err
		}
	}

	stepStart = time.Now()
	alloc, err := p.allocate(runCtx, logger, order)
	if err != nil {
		// Выданные ключи остаются за заказом; повторный callback доберёт остаток.
		p.recordFailed(domain.FulfillmentStepAllocate)
		logger.WithError(err).Error("allocation interrupted, order left for retry")
		return res, err
	}
	p.recordStep(domain.FulfillmentStepAllocate, stepStart)
	res.Delivered = alloc.delivered
	res.Minted = alloc.minted
	res.Physical = alloc.physical
	res.Short = alloc.short

	if err := p.complete(runCtx, &order, cb, alloc); err != nil {
		p.recordFailed(domain.FulfillmentStepCommit)
		logger.WithError(err).Error("failed to complete order")
		return res, err
	}
	res.Outcome = OutcomeCompleted

	logger.WithFields(log.Fields{
		"delivered": alloc.delivered,
		"minted":    alloc.minted,
		"physical":  alloc.physical,
		"short":     alloc.short,
	}).Info("order completed")

	stepStart = time.Now()
	res.Notified = p.notify(ctx, logger, order)
	p.recordStep(domain.FulfillmentStepNotify, stepStart)

	return res, nil
}

func (p *Pipeline) markPaid(ctx context.Context, order *domain.Order, cb domain.PaymentCallback) error {
	if err := order.Transition(domain.OrderStatusPaid, p.clock()); err != nil {
		return fmt.Errorf("mark order %s paid: %w", order.ID, err)
	}
	if cb.TrackID != "" {
		order.TrackID = cb.TrackID
	}
	if err := p.save(ctx, order); err != nil {
		return fmt.Errorf("save paid order %s: %w", order.ID, err)
	}

	p.events.Emit(ctx, order.ID, domain.TimelinePaymentConfirmed, "", map[string]any{
		"track_id": cb.TrackID,
		"status":   cb.RawStatus,
		"amount":   cb.Amount.String(),
		"currency": cb.Currency,
	})
	p.events.EmitStatus(ctx, *order)
	return nil
}

func (p *Pipeline) complete(ctx context.Context, order *domain.Order, cb domain.PaymentCallback, alloc allocation) error {
	stepStart := time.Now()
	now := p.clock()
	if err := order.Transition(domain.OrderStatusCompleted, now); err != nil {
		return fmt.Errorf("complete order %s: %w", order.ID, err)
	}
	if cb.TrackID != "" {
		order.TrackID = cb.TrackID
	}
	if alloc.short > 0 {
		order.AppendNote(alloc.note(now))
	}
	if err := p.save(ctx, order); err != nil {
		return fmt.Errorf("save completed order %s: %w", order.ID, err)
	}
	p.recordStep(domain.FulfillmentStepCommit, stepStart)
	if p.metrics != nil {
		p.metrics.RecordCompleted()
	}

	if alloc.delivered > 0 || alloc.physical > 0 {
		p.events.Timeline(ctx, order.ID, domain.TimelineKeysAllocated,
			fmt.Sprintf("keys=%d minted=%d physical=%d", alloc.delivered, alloc.minted, alloc.physical), now)
	}
	p.events.Emit(ctx, order.ID, domain.TimelineOrderCompleted, "", map[string]any{
		"track_id":  order.TrackID,
		"delivered": alloc.delivered,
		"short":     alloc.short,
	})
	p.events.EmitStatus(ctx, *order)

	if alloc.short > 0 {
		reason := fmt.Sprintf("%d unit(s) undelivered", alloc.short)
		p.events.Emit(ctx, order.ID, domain.TimelineUnderDelivered, reason, map[string]any{
			"short":   alloc.short,
			"details": alloc.shortages,
		})
		p.alert(ctx, fmt.Sprintf("order %s completed with %d undelivered unit(s); manual fulfillment required", order.ID, alloc.short))
	}
	return nil
}

// save сохраняет заказ и синхронизирует локальную версию с хранилищем.
func (p *Pipeline) save(ctx context.Context, order *domain.Order) error {
	if err := p.orders.Save(ctx, *order); err != nil {
		return err
	}
	order.Version++
	return nil
}

func (p *Pipeline) notify(ctx context.Context, logger *log.Entry, order domain.Order) bool {
	keys, err := p.keys.ListByOrder(ctx, order.ID)
	if err != nil {
		p.deliveryFailed(ctx, logger, order.ID, fmt.Errorf("list order keys: %w", err))
		return false
	}
	if len(keys) == 0 {
		return false
	}

	notifyCtx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
	defer cancel()

	if err := p.notifier.SendKeys(notifyCtx, domain.NewKeyDelivery(order, keys)); err != nil {
		p.deliveryFailed(ctx, logger, order.ID, err)
		return false
	}

	logger.WithField("keys", len(keys)).Info("keys sent to buyer")
	p.events.Timeline(ctx, order.ID, domain.TimelineKeysDelivered, fmt.Sprintf("%d key(s)", len(keys)), p.clock())
	return true
}

// deliveryFailed не откатывает заказ: ставит событие на повторную отправку и зовёт оператора.
func (p *Pipeline) deliveryFailed(ctx context.Context, logger *log.Entry, orderID string, cause error) {
	if p.metrics != nil {
		p.metrics.RecordNotifyFailure()
	}
	logger.WithError(cause).Error("keys notification failed")

	now := p.clock()
	p.events.EnqueueRaw(ctx, orderID, domain.TimelineDeliveryFailed, domain.DeliveryFailedEvent{
		OrderID:  orderID,
		Reason:   cause.Error(),
		Attempt:  1,
		FailedAt: now,
	})
	p.events.Timeline(ctx, orderID, domain.TimelineDeliveryFailed, cause.Error(), now)
	p.alert(ctx, fmt.Sprintf("order %s: keys email was not delivered: %v", orderID, cause))
}

func (p *Pipeline) alert(ctx context.Context, message string) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Alert(ctx, message); err != nil {
		p.logger.WithError(err).Warn("operator alert failed")
	}
}

func (p *Pipeline) recordNoop(reason string) {
	if p.metrics != nil {
		p.metrics.RecordNoop(reason)
	}
}

func (p *Pipeline) recordFailed(step domain.FulfillmentStep) {
	if p.metrics != nil {
		p.metrics.RecordFailed(string(step))
	}
}

func (p *Pipeline) recordStep(step domain.FulfillmentStep, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStepDuration(string(step), time.Since(start))
	}
}
