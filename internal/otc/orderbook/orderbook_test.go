package orderbook

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
	"github.com/welloex/otc-core/internal/otc/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOrder(side model.Side, price, qty string) *model.Order {
	return &model.Order{
		Side:       side,
		Instrument: "USDT-USD",
		Price:      dec(price),
		Quantity:   dec(qty),
		OwnerID:    uuid.New(),
	}
}

func TestSubmit_Validation(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*model.Order)
	}{
		{"zero price", func(o *model.Order) { o.Price = decimal.Zero }},
		{"negative price", func(o *model.Order) { o.Price = dec("-1") }},
		{"zero quantity", func(o *model.Order) { o.Quantity = decimal.Zero }},
		{"min above max", func(o *model.Order) { o.MinFill = dec("10"); o.MaxFill = dec("5") }},
		{"max above quantity", func(o *model.Order) { o.MaxFill = dec("2000000") }},
		{"bad side", func(o *model.Order) { o.Side = "short" }},
		{"no owner", func(o *model.Order) { o.OwnerID = uuid.Nil }},
		{"no instrument", func(o *model.Order) { o.Instrument = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := testOrder(model.SideSell, "1.018", "150000")
			tc.mutate(order)
			_, err := book.Submit(ctx, order)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
		})
	}
}

func TestSubmit_DefaultsMaxFillToQuantity(t *testing.T) {
	book := NewBook(nil, nil, nil)
	order := testOrder(model.SideSell, "1.018", "150000")
	id, err := book.Submit(context.Background(), order)
	require.NoError(t, err)

	got, err := book.Get(id)
	require.NoError(t, err)
	assert.True(t, got.MaxFill.Equal(dec("150000")))
	assert.Equal(t, model.OrderStatusOpen, got.Status)
}

func TestPriceTimePriority(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 2, 12, 18, 30, 0, 0, time.UTC)

	early := testOrder(model.SideSell, "1.018", "200000")
	early.PostedAt = base
	late := testOrder(model.SideSell, "1.018", "150000")
	late.PostedAt = base.Add(time.Minute)
	cheap := testOrder(model.SideSell, "1.012", "75000")
	cheap.PostedAt = base.Add(2 * time.Minute)

	for _, o := range []*model.Order{early, late, cheap} {
		_, err := book.Submit(ctx, o)
		require.NoError(t, err)
	}

	candidates := book.Candidates("USDT-USD", model.SideSell)
	require.Len(t, candidates, 3)
	assert.Equal(t, cheap.ID, candidates[0].ID, "lowest ask first")
	assert.Equal(t, early.ID, candidates[1].ID, "earlier order first within level")
	assert.Equal(t, late.ID, candidates[2].ID)

	ask, ok := book.BestAsk("USDT-USD")
	require.True(t, ok)
	assert.True(t, ask.Equal(dec("1.012")))

	highBid := testOrder(model.SideBuy, "1.002", "180000")
	lowBid := testOrder(model.SideBuy, "0.998", "90000")
	for _, o := range []*model.Order{lowBid, highBid} {
		_, err := book.Submit(ctx, o)
		require.NoError(t, err)
	}
	bid, ok := book.BestBid("USDT-USD")
	require.True(t, ok)
	assert.True(t, bid.Equal(dec("1.002")))
}

func TestDepth_AggregatesByLevel(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()
	for _, qty := range []string{"50000", "80000"} {
		_, err := book.Submit(ctx, testOrder(model.SideSell, "1.025", qty))
		require.NoError(t, err)
	}
	_, err := book.Submit(ctx, testOrder(model.SideSell, "1.018", "200000"))
	require.NoError(t, err)

	d := book.Depth("USDT-USD")
	require.Len(t, d.Asks, 2)
	assert.True(t, d.Asks[0].Price.Equal(dec("1.018")))
	assert.True(t, d.Asks[1].Price.Equal(dec("1.025")))
	assert.True(t, d.Asks[1].Quantity.Equal(dec("130000")))
	assert.Equal(t, 2, d.Asks[1].Orders)
	assert.Empty(t, d.Bids)
}

func TestCancel(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.018", "1000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)

	err = book.Cancel(ctx, id, uuid.New())
	assert.True(t, errors.IsCode(err, errors.CodeNotOwner))

	err = book.Cancel(ctx, uuid.New(), order.OwnerID)
	assert.True(t, errors.IsCode(err, errors.CodeOrderNotFound))

	require.NoError(t, book.Cancel(ctx, id, order.OwnerID))
	err = book.Cancel(ctx, id, order.OwnerID)
	assert.True(t, errors.IsKind(err, errors.KindStateConflict))

	_, ok := book.BestAsk("USDT-USD")
	assert.False(t, ok, "cancelled order leaves the book")
}

func TestCancel_FilledOrder(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.018", "1000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)
	require.NoError(t, book.Reserve(id, dec("1000")))
	require.NoError(t, book.CommitReservation(id, dec("1000")))

	err = book.Cancel(ctx, id, order.OwnerID)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyFilled))
}

func TestReserve_FillConstraints(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.0180", "150000")
	order.MinFill = dec("2000")
	order.MaxFill = dec("150000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)

	// below min fill
	err = book.Reserve(id, dec("1000"))
	assert.True(t, errors.IsCode(err, errors.CodeReservationConflict))

	// would strand 500 below the 2000 min fill
	err = book.Reserve(id, dec("149500"))
	assert.True(t, errors.IsCode(err, errors.CodeReservationConflict))

	// the desk scenario: take 50,000 and leave 100,000 resting
	require.NoError(t, book.Reserve(id, dec("50000")))
	require.NoError(t, book.CommitReservation(id, dec("50000")))

	got, err := book.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.Remaining.Equal(dec("100000")))
	assert.True(t, got.Available().Equal(dec("100000")))

	// fill the rest; order becomes filled exactly at zero remaining
	require.NoError(t, book.Reserve(id, dec("100000")))
	require.NoError(t, book.CommitReservation(id, dec("100000")))
	got, err = book.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.Remaining.IsZero())

	_, ok := book.BestAsk("USDT-USD")
	assert.False(t, ok)
}

func TestReserve_ClosingFillMayDipBelowMin(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.01", "5000")
	order.MinFill = dec("2000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)

	require.NoError(t, book.Reserve(id, dec("3000")))
	require.NoError(t, book.CommitReservation(id, dec("3000")))

	// 1000 would strand 1000 below min, even though min is now satisfied
	err = book.Reserve(id, dec("1000"))
	assert.True(t, errors.IsCode(err, errors.CodeReservationConflict))

	// taking everything left is always allowed
	require.NoError(t, book.Reserve(id, dec("2000")))
	require.NoError(t, book.CommitReservation(id, dec("2000")))

	got, err := book.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestReleaseReservation_RestoresAvailability(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.01", "10000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)

	require.NoError(t, book.Reserve(id, dec("10000")))
	_, ok := book.BestAsk("USDT-USD")
	assert.False(t, ok, "fully reserved order shows no availability")

	require.NoError(t, book.ReleaseReservation(id, dec("10000")))
	got, err := book.Get(id)
	require.NoError(t, err)
	assert.True(t, got.Available().Equal(dec("10000")))
	_, ok = book.BestAsk("USDT-USD")
	assert.True(t, ok)
}

func TestConcurrentReserve_NeverOverReserves(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.00", "100")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)

	const workers = 50
	chunk := dec("10")
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := book.Reserve(id, chunk); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded, "exactly quantity/chunk reservations may win")
	got, err := book.Get(id)
	require.NoError(t, err)
	assert.True(t, got.Reserved.Equal(dec("100")))
	assert.True(t, got.Available().IsZero())
}

func TestCancelledOrder_ReservedQuantityStillSettles(t *testing.T) {
	book := NewBook(nil, nil, nil)
	ctx := context.Background()

	order := testOrder(model.SideSell, "1.01", "10000")
	id, err := book.Submit(ctx, order)
	require.NoError(t, err)
	require.NoError(t, book.Reserve(id, dec("4000")))
	require.NoError(t, book.Cancel(ctx, id, order.OwnerID))

	require.NoError(t, book.CommitReservation(id, dec("4000")))
	got, err := book.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.True(t, got.Filled.Equal(dec("4000")))
	assert.True(t, got.Remaining.Equal(dec("6000")))
	assert.False(t, got.Remaining.IsNegative())
}
