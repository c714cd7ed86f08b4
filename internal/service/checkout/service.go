// Package checkout создаёт pending-заказ по корзине и выставляет счёт в платёжном шлюзе.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
)

const (
	defaultInvoiceLifetime = time.Hour
	// orderIDPlaceholder подставляется в ReturnURL.
	orderIDPlaceholder = "{orderId}"
)

// Line описывает строку корзины: товар, вариант и количество. Цена клиента не принимается.
type Line struct {
	ProductID string
	VariantID string
	Quantity  int32
}

// Request: корзина и контакты покупателя.
type Request struct {
	Lines    []Line
	Customer domain.Customer
}

// Response: данные для редиректа на страницу оплаты.
type Response struct {
	OrderID  string
	PayURL   string
	TrackID  string
	Amount   decimal.Decimal
	Currency string
}

// Config: параметры счёта.
type Config struct {
	// Currency: валюта расчётов, в которой выставляется счёт.
	Currency        string
	InvoiceLifetime time.Duration
	CallbackURL     string
	ReturnURL       string
	// DescriptionPrefix предшествует номеру заказа в описании счёта.
	DescriptionPrefix string
}

// Service оформляет заказы.
type Service struct {
	orders  domain.OrderRepository
	catalog domain.CatalogRepository
	gateway domain.PaymentGateway
	events  *orderevents.Recorder
	cfg     Config
	logger  *log.Entry
	clock   func() time.Time
}

// NewService создаёт сервис оформления.
func NewService(
	orders domain.OrderRepository,
	catalog domain.CatalogRepository,
	gateway domain.PaymentGateway,
	events *orderevents.Recorder,
	cfg Config,
	logger *log.Entry,
) *Service {
	if cfg.InvoiceLifetime <= 0 {
		cfg.InvoiceLifetime = defaultInvoiceLifetime
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	if cfg.DescriptionPrefix == "" {
		cfg.DescriptionPrefix = "Order"
	}
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{
		orders:  orders,
		catalog: catalog,
		gateway: gateway,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Checkout проверяет корзину, фиксирует цены каталога, создаёт pending-заказ
// и выставляет счёт. Если шлюз недоступен, заказ остаётся pending до sweep-а просрочки.
func (s *Service) Checkout(ctx context.Context, req Request) (Response, error) {
	var problems []error
	if len(req.Lines) == 0 {
		problems = append(problems, domain.ErrEmptyCart)
	}
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	if req.Customer.Email == "" {
		problems = append(problems, domain.ErrEmailRequired)
	}
	for i, line := range req.Lines {
		if line.Quantity <= 0 {
			problems = append(problems, fmt.Errorf("item[%d]: %w", i, domain.ErrItemQtyInvalid))
		}
	}
	if err := domain.NewValidationError(problems...); err != nil {
		return Response{}, err
	}

	now := s.clock()
	order := domain.Order{
		ID:        uuid.NewString(),
		Customer:  req.Customer,
		Status:    domain.OrderStatusPending,
		Currency:  s.cfg.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	names := make([]string, 0, len(req.Lines))
	for i, line := range req.Lines {
		item, name, err := s.priceLine(ctx, line, now)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrVariantNotFound) {
				problems = append(problems, fmt.Errorf("item[%d] %s: %w", i, line.ProductID, err))
				continue
			}
			return Response{}, err
		}
		order.Items = append(order.Items, item)
		order.Amount = order.Amount.Add(item.Subtotal())
		names = append(names, name)
	}
	if err := domain.NewValidationError(problems...); err != nil {
		return Response{}, err
	}
	if err := domain.NewValidationError(order.ValidateInvariants()...); err != nil {
		return Response{}, err
	}

	logger := s.logger.WithField("order_id", order.ID)
	if err := s.orders.Create(ctx, order); err != nil {
		logger.WithError(err).Error("failed to create order")
		return Response{}, fmt.Errorf("create order: %w", err)
	}
	s.events.Emit(ctx, order.ID, domain.TimelineOrderCreated, "", map[string]any{
		"amount":   order.Amount.String(),
		"currency": order.Currency,
		"items":    len(order.Items),
	})

	invoice, err := s.gateway.CreateInvoice(ctx, domain.InvoiceRequest{
		OrderID:     order.ID,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Lifetime:    s.cfg.InvoiceLifetime,
		CallbackURL: s.cfg.CallbackURL,
		ReturnURL:   strings.ReplaceAll(s.cfg.ReturnURL, orderIDPlaceholder, order.ID),
		Description: fmt.Sprintf("%s %s: %s", s.cfg.DescriptionPrefix, order.ID, strings.Join(names, ", ")),
		Email:       order.Customer.Email,
	})
	if err != nil {
		logger.WithError(err).Error("invoice creation failed, order left pending")
		return Response{}, fmt.Errorf("create invoice for order %s: %w", order.ID, err)
	}

	order.TrackID = invoice.TrackID
	order.UpdatedAt = s.clock()
	if err := s.orders.Save(ctx, order); err != nil {
		// Track id придёт и в callback-е, ссылка на оплату важнее.
		logger.WithError(err).Warn("failed to store track id")
	}
	s.events.Timeline(ctx, order.ID, domain.TimelineInvoiceCreated, "track "+invoice.TrackID, order.UpdatedAt)

	logger.WithFields(log.Fields{
		"track_id": invoice.TrackID,
		"amount":   order.Amount.String(),
	}).Info("checkout completed")

	return Response{
		OrderID:  order.ID,
		PayURL:   invoice.PayURL,
		TrackID:  invoice.TrackID,
		Amount:   order.Amount,
		Currency: order.Currency,
	}, nil
}

// priceLine берёт цену из каталога на момент оформления.
func (s *Service) priceLine(ctx context.Context, line Line, now time.Time) (domain.OrderItem, string, error) {
	product, err := s.catalog.GetProduct(ctx, line.ProductID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return domain.OrderItem{}, "", err
		}
		return domain.OrderItem{}, "", fmt.Errorf("load product %s: %w", line.ProductID, err)
	}

	price, err := product.UnitPrice(line.VariantID)
	if err != nil {
		return domain.OrderItem{}, "", err
	}

	item := domain.OrderItem{
		ID:        uuid.NewString(),
		ProductID: product.ID,
		VariantID: line.VariantID,
		Quantity:  line.Quantity,
		Price:     price,
		IsDigital: product.IsDigital,
		CreatedAt: now,
	}
	name := product.Name
	if v, ok := product.Variant(line.VariantID); ok {
		item.SKU = v.Name
		name += " (" + v.Name + ")"
	}
	return item, name, nil
}
