package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id, side string, qty int64, price float64, created time.Time) {
	t.Helper()
	p := d(price)
	o := &model.Order{
		ID:        id,
		UserID:    "user-" + id,
		MarketID:  "mkt-1",
		Outcome:   model.OutcomeYes,
		Side:      side,
		Class:     model.ClassLimit,
		Quantity:  qty,
		Price:     &p,
		Status:    model.StatusPending,
		CreatedAt: created,
	}
	if err := ms.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func TestOpenOrders_PriceThenTimePriority(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	// Asks: lower price wins; at equal prices the earlier order wins.
	seedOrder(t, ms, "late-cheap", model.SideSell, 10, 0.50, base.Add(2*time.Second))
	seedOrder(t, ms, "early-cheap", model.SideSell, 10, 0.50, base)
	seedOrder(t, ms, "expensive", model.SideSell, 10, 0.55, base)

	asks, err := ms.OpenOrders(ctx, "mkt-1", model.OutcomeYes, model.SideSell)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{asks[0].ID, asks[1].ID, asks[2].ID}
	want := []string{"early-cheap", "late-cheap", "expensive"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ask priority mismatch: got %v, want %v", got, want)
		}
	}

	// Bids: higher price wins.
	seedOrder(t, ms, "bid-low", model.SideBuy, 10, 0.40, base)
	seedOrder(t, ms, "bid-high", model.SideBuy, 10, 0.45, base.Add(time.Second))

	bids, err := ms.OpenOrders(ctx, "mkt-1", model.OutcomeYes, model.SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if bids[0].ID != "bid-high" {
		t.Errorf("expected highest bid first, got %s", bids[0].ID)
	}
}

func TestOpenOrders_ExcludesClosedAndMarketOrders(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedOrder(t, ms, "open", model.SideSell, 10, 0.50, time.Now().UTC())
	seedOrder(t, ms, "cancelled", model.SideSell, 10, 0.50, time.Now().UTC())
	if err := ms.CancelOrder(ctx, "cancelled"); err != nil {
		t.Fatal(err)
	}
	// A market order never rests regardless of status.
	if err := ms.CreateOrder(ctx, &model.Order{
		ID: "mkt-order", UserID: "u", MarketID: "mkt-1", Outcome: model.OutcomeYes,
		Side: model.SideSell, Class: model.ClassMarket, Quantity: 10,
		Status: model.StatusPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	asks, err := ms.OpenOrders(ctx, "mkt-1", model.OutcomeYes, model.SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if len(asks) != 1 || asks[0].ID != "open" {
		t.Errorf("expected only the open limit order, got %+v", asks)
	}
}

func TestFillOrder_GuardsRemaining(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", model.SideSell, 10, 0.50, time.Now().UTC())

	o, err := ms.FillOrder(ctx, "o1", 6)
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if o.Status != model.StatusPartial || o.Remaining() != 4 {
		t.Errorf("expected PARTIAL with 4 remaining, got %s/%d", o.Status, o.Remaining())
	}

	if _, err := ms.FillOrder(ctx, "o1", 5); !errors.Is(err, store.ErrFillExceedsRemaining) {
		t.Errorf("expected ErrFillExceedsRemaining, got %v", err)
	}

	o, err = ms.FillOrder(ctx, "o1", 4)
	if err != nil {
		t.Fatalf("final fill failed: %v", err)
	}
	if o.Status != model.StatusFilled || o.FilledAt == nil {
		t.Errorf("expected FILLED with timestamp, got %s", o.Status)
	}

	if _, err := ms.FillOrder(ctx, "o1", 1); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Errorf("expected ErrOrderNotOpen on a filled order, got %v", err)
	}
}

func TestAdjustBalance_NeverNegative(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.AdjustBalance(ctx, "u1", d(-1000)); err != nil {
		t.Fatalf("spending the full starting balance should succeed: %v", err)
	}
	if err := ms.AdjustBalance(ctx, "u1", d(-0.01)); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestShareTotals(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	ms.AddShares(ctx, "u1", "mkt-1", model.OutcomeYes, 30, d(0.50))
	ms.AddShares(ctx, "u2", "mkt-1", model.OutcomeNo, 10, d(0.50))
	ms.AddShares(ctx, "u3", "other", model.OutcomeYes, 99, d(0.50))

	yes, no, err := ms.ShareTotals(ctx, "mkt-1")
	if err != nil {
		t.Fatal(err)
	}
	if yes != 30 || no != 10 {
		t.Errorf("expected 30/10, got %d/%d", yes, no)
	}
}
