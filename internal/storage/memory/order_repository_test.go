package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:       id,
		Customer: domain.Customer{Email: "buyer@example.com"},
		Status:   domain.OrderStatusPending,
		Currency: "USDT",
		Amount:   decimal.RequireFromString("5"),
		Items: []domain.OrderItem{
			{ID: id + "-item-1", ProductID: "product-1", Quantity: 5, Price: decimal.RequireFromString("1"), IsDigital: true, CreatedAt: createdAt},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || len(stored.Items) != 1 {
		t.Fatalf("unexpected order %+v", stored)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, _ := repo.Get(ctx, order.ID)
	second, _ := repo.Get(ctx, order.ID)

	first.Status = domain.OrderStatusCompleted
	first.TrackID = "trk-1"
	first.Notes = "note"
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second.Status = domain.OrderStatusExpired
	if err := repo.Save(ctx, second); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusCompleted || stored.TrackID != "trk-1" || stored.Notes != "note" {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
}

func TestOrderRepository_ListPendingBefore(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	now := time.Now().UTC()

	old := newOrder("old", now.Add(-2*time.Hour))
	older := newOrder("older", now.Add(-3*time.Hour))
	fresh := newOrder("fresh", now)
	done := newOrder("done", now.Add(-4*time.Hour))
	done.Status = domain.OrderStatusCompleted

	for _, o := range []domain.Order{old, older, fresh, done} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}

	got, err := repo.ListPendingBefore(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "older" || got[1].ID != "old" {
		t.Fatalf("unexpected result %+v", got)
	}

	limited, _ := repo.ListPendingBefore(ctx, now.Add(-time.Hour), 1)
	if len(limited) != 1 || limited[0].ID != "older" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}
