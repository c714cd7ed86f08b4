package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

type orderItemView struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int32  `json:"quantity"`
	Price     string `json:"price"`
	IsDigital bool   `json:"is_digital"`
}

type timelineView struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// orderView не содержит ключей, заметок и контактов покупателя:
// идентификатор заказа известен любому, у кого есть ссылка возврата.
type orderView struct {
	OrderID   string          `json:"order_id"`
	Status    string          `json:"status"`
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency"`
	TrackID   string          `json:"track_id,omitempty"`
	Items     []orderItemView `json:"items"`
	Timeline  []timelineView  `json:"timeline"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order lookup is not configured")
		return
	}

	orderID := chi.URLParam(r, "orderID")
	order, err := s.deps.Orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.WithError(err).WithField("order_id", orderID).Error("load order failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	view := orderView{
		OrderID:   order.ID,
		Status:    string(order.Status),
		Amount:    order.Amount.StringFixed(2),
		Currency:  order.Currency,
		TrackID:   order.TrackID,
		Items:     make([]orderItemView, 0, len(order.Items)),
		Timeline:  make([]timelineView, 0),
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}
	for _, it := range order.Items {
		view.Items = append(view.Items, orderItemView{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			Price:     it.Price.StringFixed(2),
			IsDigital: it.IsDigital,
		})
	}

	if s.deps.Timeline != nil {
		events, err := s.deps.Timeline.List(r.Context(), order.ID)
		if err != nil {
			// Таймлайн вторичен, статус заказа всё равно отдаём.
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("load order timeline failed")
		}
		for _, ev := range events {
			view.Timeline = append(view.Timeline, timelineView{Type: ev.Type, Reason: ev.Reason, OccurredAt: ev.Occurred})
		}
	}

	writeJSON(w, http.StatusOK, view)
}
