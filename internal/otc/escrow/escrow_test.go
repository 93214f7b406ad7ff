package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/otc/custody"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/internal/otc/orderbook"
	"github.com/welloex/otc-core/internal/otc/reputation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 12, 18, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc       *Service
	custodian *custody.InMemory
	book      *orderbook.Book
	ledger    *reputation.Ledger
	clock     *fakeClock
	buyer     uuid.UUID
	seller    uuid.UUID
	orderID   uuid.UUID
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newFixture rests a 150k sell order, reserves 50k of it and funds the
// seller, mirroring the state AutoMatch leaves behind before Create.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	f := &fixture{
		custodian: custody.NewInMemory(),
		book:      orderbook.NewBook(nil, nil, nil),
		ledger:    reputation.NewLedger(cfg.Reputation, nil, nil),
		clock:     newFakeClock(),
		buyer:     uuid.New(),
		seller:    uuid.New(),
	}
	order := &model.Order{
		Side:       model.SideSell,
		Instrument: "USDT-USD",
		Price:      dec("1.0180"),
		Quantity:   dec("150000"),
		MinFill:    dec("2000"),
		OwnerID:    f.seller,
	}
	id, err := f.book.Submit(context.Background(), order)
	require.NoError(t, err)
	f.orderID = id
	require.NoError(t, f.book.Reserve(id, dec("50000")))

	f.custodian.Deposit(f.seller, dec("50000"))
	f.svc = NewService(cfg.Escrow, f.custodian, f.book, f.ledger, nil, nil, nil)
	f.svc.SetClock(f.clock.Now)
	return f
}

func (f *fixture) create(t *testing.T) *model.EscrowTrade {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID:      f.buyer,
		SellerID:     f.seller,
		OrderID:      f.orderID,
		Instrument:   "USDT-USD",
		Price:        dec("1.0180"),
		LockedAmount: dec("50000"),
		FiatAmount:   dec("50900"),
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) toConfirming(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tr := f.create(t)
	require.NoError(t, f.svc.HandleLockConfirmed(ctx, tr.ID))
	require.NoError(t, f.svc.MarkFiatSent(ctx, tr.ID, f.buyer))
	return tr.ID
}

func TestHappyPath_ReleasesToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := f.create(t)
	assert.Equal(t, model.EscrowLocked, tr.State)
	assert.True(t, f.custodian.Balance(f.seller).IsZero(), "seller funds move into escrow")

	require.NoError(t, f.svc.HandleLockConfirmed(ctx, tr.ID))
	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowAwaitingFiat, got.State)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.svc.MarkFiatSent(ctx, tr.ID, f.buyer))

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.svc.ConfirmFiatReceived(ctx, tr.ID, f.seller))

	got, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, got.State)
	assert.True(t, got.State.Terminal())
	assert.True(t, f.custodian.Balance(f.buyer).Equal(dec("50000")))

	order, err := f.book.Get(f.orderID)
	require.NoError(t, err)
	assert.True(t, order.Filled.Equal(dec("50000")), "reservation committed on release")
	assert.True(t, order.Reserved.IsZero())

	// both parties picked up a completed outcome
	assert.Greater(t, f.ledger.Score(f.buyer), 25.0)
	assert.Greater(t, f.ledger.Score(f.seller), 25.0)
}

func TestConfirm_NonSellerFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)

	err := f.svc.ConfirmFiatReceived(ctx, id, f.buyer)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotParty))

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowConfirming, got.State, "funds stay escrowed on a bad actor")
	assert.True(t, f.custodian.Balance(f.buyer).IsZero())
}

func TestMarkFiatSent_OnlyBuyerFromAwaitingFiat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t)

	err := f.svc.MarkFiatSent(ctx, tr.ID, f.buyer)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition), "not allowed before lock confirmation")

	require.NoError(t, f.svc.HandleLockConfirmed(ctx, tr.ID))
	err = f.svc.MarkFiatSent(ctx, tr.ID, f.seller)
	assert.True(t, errors.IsCode(err, errors.CodeNotParty))
	require.NoError(t, f.svc.MarkFiatSent(ctx, tr.ID, f.buyer))
}

func TestCreate_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID:      f.buyer,
		SellerID:     f.seller,
		OrderID:      f.orderID,
		Instrument:   "USDT-USD",
		Price:        dec("1.0180"),
		LockedAmount: dec("90000"),
		FiatAmount:   dec("91620"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInsufficientFunds))
	assert.True(t, f.custodian.Balance(f.seller).Equal(dec("50000")), "no funds move on a rejected lock")

	f.clock.Advance(25 * time.Hour)
	assert.Zero(t, f.svc.SweepExpired(context.Background()), "a rejected trade is not registered")
}

// eagerCustodian delivers the lock confirmation from inside Lock itself,
// the earliest point a confirmation consumer can observe it.
type eagerCustodian struct {
	*custody.InMemory
	confirm func(tradeID uuid.UUID)
}

func (c *eagerCustodian) Lock(ctx context.Context, tradeID uuid.UUID, amount decimal.Decimal, ownerID uuid.UUID) error {
	if err := c.InMemory.Lock(ctx, tradeID, amount, ownerID); err != nil {
		return err
	}
	c.confirm(tradeID)
	return nil
}

func TestCreate_ConfirmationArrivingBeforeCreateReturns(t *testing.T) {
	f := newFixture(t)
	eager := &eagerCustodian{InMemory: f.custodian}
	f.svc = NewService(config.Default().Escrow, eager, f.book, f.ledger, nil, nil, nil)
	f.svc.SetClock(f.clock.Now)

	ctx := context.Background()
	eager.confirm = func(tradeID uuid.UUID) {
		require.NoError(t, f.svc.HandleLockConfirmed(ctx, tradeID))
	}

	tr := f.create(t)
	assert.Equal(t, model.EscrowAwaitingFiat, tr.State, "confirmation must not be lost")
	require.NoError(t, f.svc.MarkFiatSent(ctx, tr.ID, f.buyer))
}

func TestTimeout_RefundsSellerAndReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)

	scoreBefore := f.ledger.Score(f.seller)

	f.clock.Advance(24*time.Hour + time.Minute)
	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowRefunded, got.State)

	// the timeline passes through timed_out on its way to refunded
	states := make([]model.EscrowState, 0, len(got.Timeline))
	for _, ch := range got.Timeline {
		states = append(states, ch.To)
	}
	assert.Contains(t, states, model.EscrowTimedOut)

	assert.True(t, f.custodian.Balance(f.seller).Equal(dec("50000")), "escrowed funds return to the seller")
	order, err := f.book.Get(f.orderID)
	require.NoError(t, err)
	assert.True(t, order.Reserved.IsZero())
	assert.True(t, order.Available().Equal(dec("150000")), "reserved quantity returns to the book")

	// timeouts grade neutrally
	assert.InDelta(t, scoreBefore, f.ledger.Score(f.seller), 0.0001)
	assert.InDelta(t, scoreBefore, f.ledger.Score(f.buyer), 0.0001)

	// expiry is idempotent
	assert.Equal(t, 0, f.svc.SweepExpired(ctx))
	got, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowRefunded, got.State)
	assert.True(t, f.custodian.Balance(f.seller).Equal(dec("50000")))
}

func TestSweepExpired_CountsDueTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toConfirming(t)

	assert.Equal(t, 0, f.svc.SweepExpired(ctx), "nothing due yet")
	f.clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, f.svc.SweepExpired(ctx))
	assert.Equal(t, 0, f.svc.SweepExpired(ctx), "second sweep finds nothing")
}

func TestDispute_PausesTimeoutClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)

	_, err := f.svc.MarkDisputed(ctx, id, uuid.New(), f.buyer)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowDisputed, got.State, "disputed trades never time out")
	assert.Equal(t, 0, f.svc.SweepExpired(ctx))
}

func TestMarkDisputed_Eligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t)

	// locked is not dispute-eligible
	_, err := f.svc.MarkDisputed(ctx, tr.ID, uuid.New(), f.buyer)
	assert.True(t, errors.IsCode(err, errors.CodeNotEligible))

	require.NoError(t, f.svc.HandleLockConfirmed(ctx, tr.ID))

	_, err = f.svc.MarkDisputed(ctx, tr.ID, uuid.New(), uuid.New())
	assert.True(t, errors.IsCode(err, errors.CodeNotParty))

	_, err = f.svc.MarkDisputed(ctx, tr.ID, uuid.New(), f.seller)
	require.NoError(t, err)

	_, err = f.svc.MarkDisputed(ctx, tr.ID, uuid.New(), f.buyer)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyDisputed))
}

func TestResolveDispute_Release(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)
	_, err := f.svc.MarkDisputed(ctx, id, uuid.New(), f.buyer)
	require.NoError(t, err)

	loser, fee, err := f.svc.ResolveDispute(ctx, id, model.DecisionRelease, 200)
	require.NoError(t, err)
	assert.Equal(t, f.seller, loser)
	assert.True(t, fee.Equal(dec("1000")), "2%% of 50000, got %s", fee)

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowResolvedRelease, got.State)
	assert.True(t, f.custodian.Balance(f.buyer).Equal(dec("50000")))
	assert.True(t, f.custodian.Balance(f.seller).Equal(dec("-1000")), "loser fee is debited")

	order, err := f.book.Get(f.orderID)
	require.NoError(t, err)
	assert.True(t, order.Filled.Equal(dec("50000")))
}

func TestResolveDispute_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)
	_, err := f.svc.MarkDisputed(ctx, id, uuid.New(), f.seller)
	require.NoError(t, err)

	loser, fee, err := f.svc.ResolveDispute(ctx, id, model.DecisionRefund, 200)
	require.NoError(t, err)
	assert.Equal(t, f.buyer, loser)
	assert.True(t, fee.Equal(dec("1000")))

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowResolvedRefund, got.State)
	assert.True(t, f.custodian.Balance(f.seller).Equal(dec("50000")))
	assert.True(t, f.custodian.Balance(f.buyer).Equal(dec("-1000")))

	order, err := f.book.Get(f.orderID)
	require.NoError(t, err)
	assert.True(t, order.Reserved.IsZero())
	assert.True(t, order.Available().Equal(dec("150000")))
}

func TestTerminalStates_AreFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)
	require.NoError(t, f.svc.ConfirmFiatReceived(ctx, id, f.seller))

	err := f.svc.MarkFiatSent(ctx, id, f.buyer)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	err = f.svc.ConfirmFiatReceived(ctx, id, f.seller)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	_, err = f.svc.MarkDisputed(ctx, id, uuid.New(), f.buyer)
	assert.True(t, errors.IsCode(err, errors.CodeNotEligible))

	// a late lock confirmation is a harmless no-op
	require.NoError(t, f.svc.HandleLockConfirmed(ctx, id))
	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, got.State)
}

func TestConcurrentConfirmAndTimeout_SettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.toConfirming(t)
	f.clock.Advance(24*time.Hour + time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.svc.ConfirmFiatReceived(ctx, id, f.seller)
	}()
	go func() {
		defer wg.Done()
		f.svc.SweepExpired(ctx)
	}()
	wg.Wait()

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.State.Terminal())
	total := f.custodian.Balance(f.buyer).Add(f.custodian.Balance(f.seller))
	assert.True(t, total.Equal(dec("50000")), "funds settle exactly once, got %s", total)
}
