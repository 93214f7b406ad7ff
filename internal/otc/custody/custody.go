// Package custody defines the funds custody collaborator. The real
// service lives outside the core; lock, release and refund are requests
// whose confirmations arrive later as asynchronous events, so escrow
// transitions never block on the custodian in-line.
package custody

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/welloex/otc-core/common/errors"
)

// ConfirmationKind labels an asynchronous custody confirmation.
type ConfirmationKind string

const (
	ConfirmationLocked   ConfirmationKind = "locked"
	ConfirmationReleased ConfirmationKind = "released"
	ConfirmationRefunded ConfirmationKind = "refunded"
)

// Confirmation is the event the custodian emits once a request settles
// on its ledger.
type Confirmation struct {
	TradeID     uuid.UUID
	Kind        ConfirmationKind
	Amount      decimal.Decimal
	ConfirmedAt time.Time
}

// Service is the custody capability contract.
type Service interface {
	// Lock escrows amount from ownerID for tradeID. An InsufficientFunds
	// error is returned synchronously; the lock confirmation itself
	// arrives later on Confirmations.
	Lock(ctx context.Context, tradeID uuid.UUID, amount decimal.Decimal, ownerID uuid.UUID) error
	// Release transfers a locked amount to toID.
	Release(ctx context.Context, tradeID uuid.UUID, amount decimal.Decimal, toID uuid.UUID) error
	// Refund returns a locked amount to toID.
	Refund(ctx context.Context, tradeID uuid.UUID, amount decimal.Decimal, toID uuid.UUID) error
	// Charge debits a fee from ownerID outside any escrow lock.
	Charge(ctx context.Context, amount decimal.Decimal, ownerID uuid.UUID) error
	// Confirmations streams asynchronous settlement confirmations.
	Confirmations() <-chan Confirmation
}

// InMemory is a Service backed by an in-process balance map, used in
// development and tests. Confirmations are emitted immediately after each
// successful request.
type InMemory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	locked   map[uuid.UUID]decimal.Decimal
	confirms chan Confirmation
}

// NewInMemory creates an empty in-memory custodian.
func NewInMemory() *InMemory {
	return &InMemory{
		balances: make(map[uuid.UUID]decimal.Decimal),
		locked:   make(map[uuid.UUID]decimal.Decimal),
		confirms: make(chan Confirmation, 256),
	}
}

// Deposit credits an owner's balance.
func (c *InMemory) Deposit(ownerID uuid.UUID, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[ownerID] = c.balances[ownerID].Add(amount)
}

// Balance returns the free balance of an owner.
func (c *InMemory) Balance(ownerID uuid.UUID) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[ownerID]
}

// Lock implements Service.
func (c *InMemory) Lock(_ context.Context, tradeID uuid.UUID, amount decimal.Decimal, ownerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[ownerID].LessThan(amount) {
		return errors.Unavailable(errors.CodeInsufficientFunds,
			"owner %s holds %s, needs %s", ownerID, c.balances[ownerID], amount)
	}
	c.balances[ownerID] = c.balances[ownerID].Sub(amount)
	c.locked[tradeID] = amount
	c.emit(Confirmation{TradeID: tradeID, Kind: ConfirmationLocked, Amount: amount, ConfirmedAt: time.Now().UTC()})
	return nil
}

// Release implements Service.
func (c *InMemory) Release(_ context.Context, tradeID uuid.UUID, amount decimal.Decimal, toID uuid.UUID) error {
	return c.settle(tradeID, amount, toID, ConfirmationReleased)
}

// Refund implements Service.
func (c *InMemory) Refund(_ context.Context, tradeID uuid.UUID, amount decimal.Decimal, toID uuid.UUID) error {
	return c.settle(tradeID, amount, toID, ConfirmationRefunded)
}

func (c *InMemory) settle(tradeID uuid.UUID, amount decimal.Decimal, toID uuid.UUID, kind ConfirmationKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.locked[tradeID]
	if !ok || held.LessThan(amount) {
		return errors.External(errors.CodeInsufficientFunds,
			"trade %s has %s locked, cannot settle %s", tradeID, held, amount)
	}
	c.locked[tradeID] = held.Sub(amount)
	if c.locked[tradeID].IsZero() {
		delete(c.locked, tradeID)
	}
	c.balances[toID] = c.balances[toID].Add(amount)
	c.emit(Confirmation{TradeID: tradeID, Kind: kind, Amount: amount, ConfirmedAt: time.Now().UTC()})
	return nil
}

// Charge implements Service. The fee is debited even if it drives the
// balance negative; the custodian collects on the next deposit.
func (c *InMemory) Charge(_ context.Context, amount decimal.Decimal, ownerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[ownerID] = c.balances[ownerID].Sub(amount)
	return nil
}

// Confirmations implements Service.
func (c *InMemory) Confirmations() <-chan Confirmation {
	return c.confirms
}

func (c *InMemory) emit(conf Confirmation) {
	select {
	case c.confirms <- conf:
	default:
		// a stalled consumer must not block settlement
	}
}
