// Package orderbook holds resting OTC orders per instrument with
// price-time priority, and owns the exclusive quantity reservations the
// matching engine takes before creating an escrow trade.
package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/identity"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/pkg/metrics"
)

// LimitFunc returns the maximum order notional allowed for an owner.
// A zero return means unlimited.
type LimitFunc func(ownerID uuid.UUID) decimal.Decimal

// Book is the order book across all instruments. All mutations on a single
// instrument are serialized behind that instrument's lock, which is what
// makes reservations exclusive.
type Book struct {
	logger   *zap.Logger
	identity identity.Provider
	limits   LimitFunc

	mu          sync.RWMutex
	instruments map[string]*instrumentBook
}

type instrumentBook struct {
	mu   sync.RWMutex
	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]
	byID map[uuid.UUID]*model.Order
}

// priceLevel aggregates resting orders at one price, FIFO by posting time.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

// NewBook creates an order book. identity and limits may be nil to skip
// the KYB and notional-limit gates.
func NewBook(logger *zap.Logger, idp identity.Provider, limits LimitFunc) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		logger:      logger,
		identity:    idp,
		limits:      limits,
		instruments: make(map[string]*instrumentBook),
	}
}

func newInstrumentBook() *instrumentBook {
	// Bids iterate highest price first, asks lowest first, so an ascending
	// scan of either tree always yields the most competitive level.
	return &instrumentBook{
		bids: btree.NewBTreeG[*priceLevel](func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG[*priceLevel](func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		byID: make(map[uuid.UUID]*model.Order),
	}
}

func (b *Book) instrument(name string, create bool) *instrumentBook {
	b.mu.RLock()
	ib, ok := b.instruments[name]
	b.mu.RUnlock()
	if ok || !create {
		return ib
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ib, ok = b.instruments[name]; ok {
		return ib
	}
	ib = newInstrumentBook()
	b.instruments[name] = ib
	return ib
}

func (ib *instrumentBook) side(s model.Side) *btree.BTreeG[*priceLevel] {
	if s == model.SideBuy {
		return ib.bids
	}
	return ib.asks
}

// Submit validates and rests a new order, returning its ID.
func (b *Book) Submit(ctx context.Context, order *model.Order) (uuid.UUID, error) {
	if err := b.validate(ctx, order); err != nil {
		code := errors.AsError(err).Code
		metrics.OrdersRejected.WithLabelValues(code).Inc()
		return uuid.Nil, err
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.PostedAt.IsZero() {
		order.PostedAt = time.Now().UTC()
	}
	order.Status = model.OrderStatusOpen
	order.Remaining = order.Quantity
	order.Reserved = decimal.Zero
	order.Filled = decimal.Zero

	ib := b.instrument(order.Instrument, true)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if _, exists := ib.byID[order.ID]; exists {
		return uuid.Nil, errors.Validation(errors.CodeInvalidOrder, "order %s already exists", order.ID)
	}
	tree := ib.side(order.Side)
	probe := &priceLevel{price: order.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = &priceLevel{price: order.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, order)
	ib.byID[order.ID] = order

	metrics.OrdersSubmitted.WithLabelValues(string(order.Side)).Inc()
	b.logger.Info("order submitted",
		zap.String("order_id", order.ID.String()),
		zap.String("instrument", order.Instrument),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("quantity", order.Quantity.String()))
	return order.ID, nil
}

func (b *Book) validate(ctx context.Context, order *model.Order) error {
	if order == nil {
		return errors.Validation(errors.CodeInvalidOrder, "order is nil")
	}
	if !order.Side.Valid() {
		return errors.Validation(errors.CodeInvalidOrder, "unknown side %q", order.Side)
	}
	if order.Instrument == "" {
		return errors.Validation(errors.CodeInvalidOrder, "instrument is required")
	}
	if order.Price.LessThanOrEqual(decimal.Zero) {
		return errors.Validation(errors.CodeInvalidOrder, "price must be positive")
	}
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.Validation(errors.CodeInvalidOrder, "quantity must be positive")
	}
	if order.MinFill.IsNegative() {
		return errors.Validation(errors.CodeInvalidOrder, "min fill must not be negative")
	}
	if order.MaxFill.IsZero() {
		order.MaxFill = order.Quantity
	}
	if order.MinFill.GreaterThan(order.MaxFill) {
		return errors.Validation(errors.CodeInvalidOrder, "min fill exceeds max fill")
	}
	if order.MaxFill.GreaterThan(order.Quantity) {
		return errors.Validation(errors.CodeInvalidOrder, "max fill exceeds quantity")
	}
	if order.OwnerID == uuid.Nil {
		return errors.Validation(errors.CodeInvalidOrder, "owner is required")
	}

	if b.identity != nil {
		v, err := b.identity.Verify(ctx, order.OwnerID)
		if err != nil {
			return errors.External(errors.CodeKYBRequired, "identity check failed: %v", err)
		}
		if !v.Verified {
			return errors.Validation(errors.CodeKYBRequired, "owner %s is not KYB verified", order.OwnerID)
		}
	}
	if b.limits != nil {
		if limit := b.limits(order.OwnerID); limit.IsPositive() {
			notional := order.Price.Mul(order.Quantity)
			if notional.GreaterThan(limit) {
				return errors.Validation(errors.CodeLimitExceeded,
					"order notional %s exceeds level limit %s", notional, limit)
			}
		}
	}
	return nil
}

// Cancel removes a resting order. Only the owner may cancel; filled and
// already-cancelled orders are rejected. Quantity already reserved by an
// in-flight escrow trade keeps settling through the reservation calls.
func (b *Book) Cancel(_ context.Context, orderID, requesterID uuid.UUID) error {
	ib, order, err := b.find(orderID)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if order.OwnerID != requesterID {
		return errors.StateConflict(errors.CodeNotOwner, "requester %s does not own order %s", requesterID, orderID).
			WithState(string(order.Status))
	}
	switch order.Status {
	case model.OrderStatusFilled:
		return errors.StateConflict(errors.CodeAlreadyFilled, "order %s is already filled", orderID).
			WithState(string(order.Status))
	case model.OrderStatusCancelled:
		return errors.StateConflict(errors.CodeInvalidTransition, "order %s is already cancelled", orderID).
			WithState(string(order.Status))
	}

	order.Status = model.OrderStatusCancelled
	ib.removeFromLevel(order)
	metrics.OrdersCancelled.Inc()
	b.logger.Info("order cancelled", zap.String("order_id", orderID.String()))
	return nil
}

func (b *Book) find(orderID uuid.UUID) (*instrumentBook, *model.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ib := range b.instruments {
		ib.mu.RLock()
		order, ok := ib.byID[orderID]
		ib.mu.RUnlock()
		if ok {
			return ib, order, nil
		}
	}
	return nil, nil, errors.NotFound(errors.CodeOrderNotFound, "order %s not found", orderID)
}

func (ib *instrumentBook) removeFromLevel(order *model.Order) {
	tree := ib.side(order.Side)
	probe := &priceLevel{price: order.Price}
	level, ok := tree.Get(probe)
	if !ok {
		return
	}
	for i, o := range level.orders {
		if o.ID == order.ID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
}

// Level is one aggregated price level in a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is the aggregated book snapshot for one instrument, best-first on
// both sides.
type Depth struct {
	Instrument string  `json:"instrument"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
}

// Depth returns the aggregated price levels for an instrument.
func (b *Book) Depth(instrument string) Depth {
	d := Depth{Instrument: instrument}
	ib := b.instrument(instrument, false)
	if ib == nil {
		return d
	}
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	d.Bids = levelsOf(ib.bids)
	d.Asks = levelsOf(ib.asks)
	return d
}

func levelsOf(tree *btree.BTreeG[*priceLevel]) []Level {
	var out []Level
	tree.Scan(func(level *priceLevel) bool {
		qty := decimal.Zero
		n := 0
		for _, o := range level.orders {
			if avail := o.Available(); avail.IsPositive() {
				qty = qty.Add(avail)
				n++
			}
		}
		if n > 0 {
			out = append(out, Level{Price: level.price, Quantity: qty, Orders: n})
		}
		return true
	})
	return out
}

// BestBid returns the highest resting bid price for the instrument.
func (b *Book) BestBid(instrument string) (decimal.Decimal, bool) {
	return b.best(instrument, model.SideBuy)
}

// BestAsk returns the lowest resting ask price for the instrument.
func (b *Book) BestAsk(instrument string) (decimal.Decimal, bool) {
	return b.best(instrument, model.SideSell)
}

func (b *Book) best(instrument string, side model.Side) (decimal.Decimal, bool) {
	ib := b.instrument(instrument, false)
	if ib == nil {
		return decimal.Zero, false
	}
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	var price decimal.Decimal
	found := false
	ib.side(side).Scan(func(level *priceLevel) bool {
		for _, o := range level.orders {
			if o.Available().IsPositive() {
				price = level.price
				found = true
				return false
			}
		}
		return true
	})
	return price, found
}

// Candidates returns snapshots of the resting orders on one side of an
// instrument, best price first, FIFO within a level. Orders with no
// available quantity are skipped.
func (b *Book) Candidates(instrument string, side model.Side) []model.Order {
	ib := b.instrument(instrument, false)
	if ib == nil {
		return nil
	}
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	var out []model.Order
	ib.side(side).Scan(func(level *priceLevel) bool {
		for _, o := range level.orders {
			if o.Available().IsPositive() {
				out = append(out, snapshotOf(o))
			}
		}
		return true
	})
	return out
}

// Get returns a snapshot of one order.
func (b *Book) Get(orderID uuid.UUID) (model.Order, error) {
	ib, order, err := b.find(orderID)
	if err != nil {
		return model.Order{}, err
	}
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return snapshotOf(order), nil
}

func snapshotOf(o *model.Order) model.Order {
	cp := *o
	cp.PaymentMethods = append([]model.PaymentMethod(nil), o.PaymentMethods...)
	return cp
}

// Reserve exclusively holds qty of an order's available quantity for an
// escrow trade. The hold is taken under the instrument lock, so two
// concurrent reservations can never claim the same quantity.
//
// Fill constraints: qty must not exceed maxFill or the available quantity;
// while the order's minFill has not been met cumulatively, qty must be at
// least minFill unless it takes everything left; and a reservation may not
// strand a non-zero remainder smaller than minFill.
func (b *Book) Reserve(orderID uuid.UUID, qty decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return errors.Validation(errors.CodeInvalidOrder, "reservation quantity must be positive")
	}
	ib, order, err := b.find(orderID)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if order.Status.Terminal() {
		return errors.StateConflict(errors.CodeReservationConflict, "order %s is %s", orderID, order.Status).
			WithState(string(order.Status))
	}
	avail := order.Available()
	if qty.GreaterThan(avail) {
		return errors.Unavailable(errors.CodeReservationConflict,
			"requested %s exceeds available %s", qty, avail).WithState(string(order.Status))
	}
	if qty.GreaterThan(order.MaxFill) {
		return errors.StateConflict(errors.CodeReservationConflict,
			"fill %s exceeds max fill %s", qty, order.MaxFill).WithState(string(order.Status))
	}
	minSatisfied := order.Filled.Add(order.Reserved).GreaterThanOrEqual(order.MinFill)
	if !minSatisfied && qty.LessThan(order.MinFill) && !qty.Equal(avail) {
		return errors.StateConflict(errors.CodeReservationConflict,
			"fill %s below min fill %s", qty, order.MinFill).WithState(string(order.Status))
	}
	leftover := avail.Sub(qty)
	if leftover.IsPositive() && leftover.LessThan(order.MinFill) {
		return errors.StateConflict(errors.CodeReservationConflict,
			"fill would strand %s below min fill %s", leftover, order.MinFill).WithState(string(order.Status))
	}

	order.Reserved = order.Reserved.Add(qty)
	return nil
}

// ReleaseReservation returns a previously reserved quantity to the book,
// used when an escrow trade refunds or fails before settling.
func (b *Book) ReleaseReservation(orderID uuid.UUID, qty decimal.Decimal) error {
	ib, order, err := b.find(orderID)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if qty.GreaterThan(order.Reserved) {
		return errors.StateConflict(errors.CodeReservationConflict,
			"release %s exceeds reserved %s", qty, order.Reserved).WithState(string(order.Status))
	}
	order.Reserved = order.Reserved.Sub(qty)
	return nil
}

// CommitReservation converts a reserved quantity into a fill after the
// escrow trade settles. The order becomes filled exactly when remaining
// quantity reaches zero; a cancelled order stays cancelled.
func (b *Book) CommitReservation(orderID uuid.UUID, qty decimal.Decimal) error {
	ib, order, err := b.find(orderID)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if qty.GreaterThan(order.Reserved) {
		return errors.StateConflict(errors.CodeReservationConflict,
			"commit %s exceeds reserved %s", qty, order.Reserved).WithState(string(order.Status))
	}
	order.Reserved = order.Reserved.Sub(qty)
	order.Filled = order.Filled.Add(qty)
	order.Remaining = order.Remaining.Sub(qty)

	if order.Status == model.OrderStatusCancelled {
		return nil
	}
	if order.Remaining.IsZero() {
		order.Status = model.OrderStatusFilled
		ib.removeFromLevel(order)
	} else {
		order.Status = model.OrderStatusPartiallyFilled
	}
	return nil
}
