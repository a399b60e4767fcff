package cart

import (
	"context"
	"math"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/domain"
	"github.com/spec-kit/portal-client/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.NewFileStore(config.StoreConfig{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	return NewEngine(config.CartConfig{TaxRate: 0.21}, st, nil, zap.NewNop())
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func checkSubtotalInvariant(t *testing.T, e *Engine) {
	t.Helper()
	state := e.State()
	want := 0.0
	for _, item := range state.Items {
		want += item.Price * float64(item.Quantity)
	}
	if !approxEqual(state.Subtotal, want) {
		t.Fatalf("subtotal = %v, want %v", state.Subtotal, want)
	}
}

func TestSubtotalTracksItems(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	a := e.AddItem(ctx, domain.CartItem{ProductName: "VPS", Price: 10, Quantity: 1})
	checkSubtotalInvariant(t, e)

	b := e.AddItem(ctx, domain.CartItem{ProductName: "Backup", Price: 20, Quantity: 2})
	checkSubtotalInvariant(t, e)

	e.UpdateQuantity(ctx, a.ID, 3)
	checkSubtotalInvariant(t, e)

	e.RemoveItem(ctx, b.ID)
	checkSubtotalInvariant(t, e)

	e.RemoveItem(ctx, a.ID)
	checkSubtotalInvariant(t, e)
	if got := e.State().Subtotal; got != 0 {
		t.Fatalf("subtotal after removing everything = %v, want 0", got)
	}
}

func TestAddItemNeverMergesLines(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	e.AddItem(ctx, domain.CartItem{ProductID: "p1", PlanID: "pl1", Price: 5, Quantity: 1})
	e.AddItem(ctx, domain.CartItem{ProductID: "p1", PlanID: "pl1", Price: 5, Quantity: 1})

	state := e.State()
	if len(state.Items) != 2 {
		t.Fatalf("len(items) = %d, want 2 distinct lines", len(state.Items))
	}
	if state.Items[0].ID == state.Items[1].ID {
		t.Fatal("line item ids must be unique")
	}
}

func TestRemoveUnknownItemIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 10, Quantity: 1})

	before := e.State()
	e.RemoveItem(ctx, "no-such-id")
	after := e.State()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("removing an unknown id changed state: %+v -> %+v", before, after)
	}
}

func TestQuantityFloor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	item := e.AddItem(ctx, domain.CartItem{Price: 10, Quantity: 2})

	before := e.State()
	e.UpdateQuantity(ctx, item.ID, 0)
	e.UpdateQuantity(ctx, item.ID, -3)
	after := e.State()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("quantity underflow changed state: %+v -> %+v", before, after)
	}
}

func TestTaxNeverNegative(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 10, Quantity: 1})

	// apply a coupon, then shrink the cart so the discount exceeds the subtotal
	if !e.ApplyCoupon(ctx, "SAVE20") {
		t.Fatal("expected SAVE20 to be valid")
	}
	e.AddItem(ctx, domain.CartItem{Price: 100, Quantity: 1})
	if !e.ApplyCoupon(ctx, "SAVE20") {
		t.Fatal("expected SAVE20 to be valid")
	}
	state := e.State()
	for _, item := range state.Items {
		if item.Price == 100 {
			e.RemoveItem(ctx, item.ID)
		}
	}

	state = e.State()
	if state.Tax < 0 || state.Total < 0 {
		t.Fatalf("tax = %v, total = %v; both must be >= 0", state.Tax, state.Total)
	}
}

func TestCouponIdempotence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 50, Quantity: 1})

	if !e.ApplyCoupon(ctx, "save20") {
		t.Fatal("expected save20 to be valid")
	}
	once := e.State()
	if !e.ApplyCoupon(ctx, "SAVE20") {
		t.Fatal("expected SAVE20 to be valid")
	}
	twice := e.State()

	if !approxEqual(once.Discount, twice.Discount) || !approxEqual(once.Total, twice.Total) {
		t.Fatalf("applying the same coupon twice changed totals: %+v vs %+v", once, twice)
	}
	if twice.CouponCode != "SAVE20" {
		t.Fatalf("coupon code = %q, want normalized SAVE20", twice.CouponCode)
	}
}

func TestUnknownCouponLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 50, Quantity: 1})

	before := e.State()
	if e.ApplyCoupon(ctx, "BOGUS99") {
		t.Fatal("expected BOGUS99 to be rejected")
	}
	after := e.State()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("unknown coupon changed state: %+v -> %+v", before, after)
	}
}

func TestRemoveCoupon(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 100, Quantity: 1})
	e.ApplyCoupon(ctx, "WELCOME10")

	e.RemoveCoupon(ctx)

	state := e.State()
	if state.CouponCode != "" || state.Discount != 0 {
		t.Fatalf("coupon not cleared: %+v", state)
	}
	if !approxEqual(state.Tax, 21) || !approxEqual(state.Total, 121) {
		t.Fatalf("totals not recomputed off full subtotal: %+v", state)
	}
}

func TestClearResetsEverything(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddItem(ctx, domain.CartItem{Price: 10, Quantity: 4})
	e.ApplyCoupon(ctx, "SAVE20")

	e.Clear(ctx)

	state := e.State()
	if len(state.Items) != 0 || state.CouponCode != "" || state.Discount != 0 ||
		state.Subtotal != 0 || state.Tax != 0 || state.Total != 0 {
		t.Fatalf("clear did not fully reset: %+v", state)
	}
}

// Mirrors the worked checkout example: 10 + 2x20 with a 20% coupon, then
// removing the larger line while the absolute discount stays put.
func TestCheckoutScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	e.AddItem(ctx, domain.CartItem{ProductName: "A", Price: 10, Quantity: 1})
	b := e.AddItem(ctx, domain.CartItem{ProductName: "B", Price: 20, Quantity: 2})

	state := e.State()
	if !approxEqual(state.Subtotal, 50) {
		t.Fatalf("subtotal = %v, want 50", state.Subtotal)
	}

	if !e.ApplyCoupon(ctx, "SAVE20") {
		t.Fatal("expected SAVE20 to be valid")
	}
	state = e.State()
	if !approxEqual(state.Discount, 10) {
		t.Fatalf("discount = %v, want 10", state.Discount)
	}
	if !approxEqual(state.Tax, 8.4) {
		t.Fatalf("tax = %v, want 8.4", state.Tax)
	}
	if !approxEqual(state.Total, 48.4) {
		t.Fatalf("total = %v, want 48.4", state.Total)
	}

	e.RemoveItem(ctx, b.ID)
	state = e.State()
	if !approxEqual(state.Subtotal, 10) {
		t.Fatalf("subtotal = %v, want 10", state.Subtotal)
	}
	if !approxEqual(state.Discount, 10) {
		t.Fatalf("discount = %v, want 10 (not auto-adjusted)", state.Discount)
	}
	if !approxEqual(state.Tax, 0) || !approxEqual(state.Total, 0) {
		t.Fatalf("tax = %v, total = %v, want 0 and 0", state.Tax, state.Total)
	}
	if state.CouponCode != "SAVE20" {
		t.Fatalf("coupon = %q; removeItem must not clear it", state.CouponCode)
	}
}

func TestCartPersistsAcrossEngines(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(config.StoreConfig{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	first := NewEngine(config.CartConfig{}, st, nil, zap.NewNop())
	first.AddItem(ctx, domain.CartItem{ProductName: "VPS", Price: 30, Quantity: 1})
	first.ApplyCoupon(ctx, "WELCOME10")
	want := first.State()

	second := NewEngine(config.CartConfig{}, st, nil, zap.NewNop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := second.State()

	if !reflect.DeepEqual(want, got) {
		t.Fatalf("reloaded cart differs:\nwant %+v\ngot  %+v", want, got)
	}
}
