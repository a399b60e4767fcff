package cart

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/domain"
	"github.com/spec-kit/portal-client/internal/events"
	"github.com/spec-kit/portal-client/internal/store"
)

const defaultTaxRate = 0.21

// Engine owns the cart: an ordered list of line items, an optional coupon and
// the derived price breakdown. Every mutation recomputes subtotal, tax and
// total before it returns, so readers always see a consistent snapshot.
type Engine struct {
	mu      sync.Mutex
	state   domain.CartState
	taxRate float64

	store      store.Store
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewEngine builds the engine. A non-positive tax rate falls back to the
// default 21%.
func NewEngine(cfg config.CartConfig, st store.Store, dispatcher events.Dispatcher, logger *zap.Logger) *Engine {
	rate := cfg.TaxRate
	if rate <= 0 {
		rate = defaultTaxRate
	}
	return &Engine{
		taxRate:    rate,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Load restores the persisted cart, if any. Derived totals are recomputed
// rather than trusted from disk.
func (e *Engine) Load(ctx context.Context) error {
	var state domain.CartState
	err := e.store.Load(ctx, store.NamespaceCart, &state)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state = state
	e.recalcLocked()
	e.mu.Unlock()
	return nil
}

// AddItem assigns a fresh id, appends the line and recomputes totals. Each
// add is a distinct line even when product and plan match an existing one;
// adding twice means two lines, not a quantity bump.
func (e *Engine) AddItem(ctx context.Context, item domain.CartItem) domain.CartItem {
	item.ID = uuid.NewString()
	if item.Quantity < 1 {
		item.Quantity = 1
	}

	e.mu.Lock()
	e.state.Items = append(e.state.Items, item)
	e.recalcLocked()
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
	return item
}

// RemoveItem drops the matching line; an unknown id is a no-op, not an error.
// The coupon and its discount are deliberately left in place even when the
// cart empties; only Clear and RemoveCoupon reset them.
func (e *Engine) RemoveItem(ctx context.Context, id string) {
	e.mu.Lock()
	items := e.state.Items[:0]
	for _, item := range e.state.Items {
		if item.ID != id {
			items = append(items, item)
		}
	}
	e.state.Items = items
	e.recalcLocked()
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
}

// UpdateQuantity replaces the quantity on the matching line. Quantities below
// one are rejected as a no-op; a line can never reach zero this way.
func (e *Engine) UpdateQuantity(ctx context.Context, id string, quantity int) {
	if quantity < 1 {
		return
	}

	e.mu.Lock()
	for i := range e.state.Items {
		if e.state.Items[i].ID == id {
			e.state.Items[i].Quantity = quantity
			break
		}
	}
	e.recalcLocked()
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
}

// ApplyCoupon validates the code against the coupon table. An unknown code
// leaves the cart untouched and returns false; that is an expected outcome,
// not an error. The discount is an absolute amount computed from the subtotal
// at application time and is not re-derived when items change later.
func (e *Engine) ApplyCoupon(ctx context.Context, code string) bool {
	normalized, percent, ok := lookupCoupon(code)
	if !ok {
		return false
	}

	e.mu.Lock()
	e.state.CouponCode = normalized
	e.state.Discount = e.state.Subtotal * percent / 100
	e.recalcLocked()
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
	return true
}

// RemoveCoupon clears the coupon and its discount.
func (e *Engine) RemoveCoupon(ctx context.Context) {
	e.mu.Lock()
	e.state.CouponCode = ""
	e.state.Discount = 0
	e.recalcLocked()
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
}

// Clear resets every field: items, coupon, discount and derived totals.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	e.state = domain.CartState{}
	e.saveLocked(ctx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publishUpdated(ctx, snapshot)
}

// CalculateTotals recomputes the derived fields from current items and
// discount. Idempotent; safe to call redundantly as a consistency repair.
func (e *Engine) CalculateTotals() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recalcLocked()
}

// State returns a deep copy of the cart snapshot.
func (e *Engine) State() domain.CartState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// recalcLocked enforces the pricing invariants:
//
//	subtotal = sum(price * quantity)
//	tax      = max(0, subtotal - discount) * rate
//	total    = max(0, subtotal - discount) + tax
//
// The discount never drives the taxable amount negative. Caller holds the lock.
func (e *Engine) recalcLocked() {
	subtotal := 0.0
	for _, item := range e.state.Items {
		subtotal += item.Price * float64(item.Quantity)
	}

	taxable := subtotal - e.state.Discount
	if taxable < 0 {
		taxable = 0
	}

	e.state.Subtotal = subtotal
	e.state.Tax = taxable * e.taxRate
	e.state.Total = taxable + e.state.Tax
}

func (e *Engine) saveLocked(ctx context.Context) {
	if err := e.store.Save(ctx, store.NamespaceCart, e.state); err != nil {
		e.logger.Warn("failed to persist cart", zap.Error(err))
	}
}

func (e *Engine) snapshotLocked() domain.CartState {
	snapshot := e.state
	snapshot.Items = append([]domain.CartItem(nil), e.state.Items...)
	return snapshot
}

func (e *Engine) publishUpdated(ctx context.Context, snapshot domain.CartState) {
	if e.dispatcher == nil {
		return
	}
	_ = e.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventCartUpdated,
		Timestamp: time.Now(),
		Payload: events.CartUpdatedPayload{
			ItemCount: len(snapshot.Items),
			Total:     snapshot.Total,
		},
	})
}
