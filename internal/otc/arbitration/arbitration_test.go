package arbitration

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
	"github.com/welloex/otc-core/internal/otc/escrow"
	"github.com/welloex/otc-core/internal/otc/model"
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

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	svc       *Service
	escrow    *escrow.Service
	custodian *custody.InMemory
	clock     *fakeClock
	buyer     uuid.UUID
	seller    uuid.UUID
	tradeID   uuid.UUID
	panel     []uuid.UUID
}

// newEnv stands up a funded trade in the confirming state, the point at
// which disputes typically open.
func newEnv(t *testing.T, arbitrators int) *env {
	t.Helper()
	cfg := config.Default()
	e := &env{
		custodian: custody.NewInMemory(),
		clock:     newFakeClock(),
		buyer:     uuid.New(),
		seller:    uuid.New(),
	}
	e.custodian.Deposit(e.seller, dec("50000"))
	e.escrow = escrow.NewService(cfg.Escrow, e.custodian, nil, nil, nil, nil, nil)
	e.escrow.SetClock(e.clock.Now)
	e.svc = NewService(cfg.Arbitration, e.escrow, nil, nil)
	e.svc.SetClock(e.clock.Now)

	ctx := context.Background()
	tr, err := e.escrow.Create(ctx, escrow.CreateParams{
		BuyerID:      e.buyer,
		SellerID:     e.seller,
		OrderID:      uuid.New(),
		Instrument:   "USDT-USD",
		Price:        dec("1.0180"),
		LockedAmount: dec("50000"),
		FiatAmount:   dec("50900"),
	})
	require.NoError(t, err)
	e.tradeID = tr.ID
	require.NoError(t, e.escrow.HandleLockConfirmed(ctx, tr.ID))
	require.NoError(t, e.escrow.MarkFiatSent(ctx, tr.ID, e.buyer))

	for i := 0; i < arbitrators; i++ {
		e.panel = append(e.panel, uuid.New())
	}
	return e
}

func (e *env) open(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := e.svc.OpenDispute(context.Background(), e.tradeID, e.buyer, e.panel)
	require.NoError(t, err)
	return id
}

func TestOpenDispute_PanelValidation(t *testing.T) {
	e := newEnv(t, 5)
	ctx := context.Background()

	_, err := e.svc.OpenDispute(ctx, e.tradeID, e.buyer, e.panel[:2])
	assert.True(t, errors.IsKind(err, errors.KindValidation), "two arbitrators is below quorum")

	six := append(append([]uuid.UUID(nil), e.panel...), uuid.New())
	_, err = e.svc.OpenDispute(ctx, e.tradeID, e.buyer, six)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	dup := []uuid.UUID{e.panel[0], e.panel[0], e.panel[1]}
	_, err = e.svc.OpenDispute(ctx, e.tradeID, e.buyer, dup)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestOpenDispute_EscrowEligibility(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()

	_, err := e.svc.OpenDispute(ctx, e.tradeID, uuid.New(), e.panel)
	assert.True(t, errors.IsCode(err, errors.CodeNotParty))

	e.open(t)
	_, err = e.svc.OpenDispute(ctx, e.tradeID, e.seller, e.panel)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyDisputed))
}

func TestSubmitEvidence(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	id := e.open(t)

	require.NoError(t, e.svc.SubmitEvidence(ctx, id, e.buyer, "bank_statement", "wire sent 12 Feb 18:40 UTC"))
	require.NoError(t, e.svc.SubmitEvidence(ctx, id, e.seller, "account_screenshot", "no inbound wire as of 13 Feb"))

	err := e.svc.SubmitEvidence(ctx, id, uuid.New(), "note", "unrelated")
	assert.True(t, errors.IsCode(err, errors.CodeNotParty))

	err = e.svc.SubmitEvidence(ctx, id, e.buyer, "note", "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	dp, err := e.svc.Get(id)
	require.NoError(t, err)
	require.Len(t, dp.Evidence, 2)
	assert.Equal(t, e.buyer, dp.Evidence[0].PartyID, "evidence keeps submission order")
	assert.Equal(t, e.seller, dp.Evidence[1].PartyID)
}

func TestSubmitEvidence_WindowCloses(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	id := e.open(t)

	e.clock.Advance(48*time.Hour + time.Minute)
	err := e.svc.SubmitEvidence(ctx, id, e.buyer, "bank_statement", "late proof")
	assert.True(t, errors.IsCode(err, errors.CodeEvidenceWindowClosed))
}

func TestCastVote_Guards(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	id := e.open(t)

	err := e.svc.CastVote(ctx, id, e.panel[0], "split")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	err = e.svc.CastVote(ctx, id, uuid.New(), model.DecisionRelease)
	assert.True(t, errors.IsCode(err, errors.CodeArbitratorNotAssigned))

	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[0], model.DecisionRelease))
	err = e.svc.CastVote(ctx, id, e.panel[0], model.DecisionRefund)
	assert.True(t, errors.IsCode(err, errors.CodeDuplicateVote))
}

func TestVoting_ThreeToTwoRelease(t *testing.T) {
	e := newEnv(t, 5)
	ctx := context.Background()
	id := e.open(t)

	votes := []model.DisputeDecision{
		model.DecisionRelease,
		model.DecisionRefund,
		model.DecisionRelease,
		model.DecisionRefund,
		model.DecisionRelease,
	}
	for i, v := range votes[:4] {
		require.NoError(t, e.svc.CastVote(ctx, id, e.panel[i], v))
		dp, err := e.svc.Get(id)
		require.NoError(t, err)
		assert.Nil(t, dp.ResolvedAt, "no majority yet after vote %d", i+1)
	}
	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[4], votes[4]))

	dp, err := e.svc.Get(id)
	require.NoError(t, err)
	require.NotNil(t, dp.ResolvedAt)
	assert.Equal(t, model.DecisionRelease, dp.Outcome)

	// funds went to the buyer; the seller lost and paid the 2% fee
	assert.True(t, e.custodian.Balance(e.buyer).Equal(dec("50000")))
	assert.True(t, e.custodian.Balance(e.seller).Equal(dec("-1000")))

	tr, err := e.escrow.Get(ctx, e.tradeID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowResolvedRelease, tr.State)

	// late interactions hit the resolved guard
	err = e.svc.CastVote(ctx, id, e.panel[4], model.DecisionRefund)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	err = e.svc.SubmitEvidence(ctx, id, e.buyer, "note", "too late")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
}

func TestVoting_ResolvesAtUnbeatableMajority(t *testing.T) {
	e := newEnv(t, 5)
	ctx := context.Background()
	id := e.open(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.svc.CastVote(ctx, id, e.panel[i], model.DecisionRefund))
	}
	dp, err := e.svc.Get(id)
	require.NoError(t, err)
	require.NotNil(t, dp.ResolvedAt, "three of five resolves without waiting for the rest")
	assert.Equal(t, model.DecisionRefund, dp.Outcome)

	// refund returns funds to the seller and charges the buyer
	assert.True(t, e.custodian.Balance(e.seller).Equal(dec("50000")))
	assert.True(t, e.custodian.Balance(e.buyer).Equal(dec("-1000")))
}

func TestVoting_FullPanelTieRefunds(t *testing.T) {
	e := newEnv(t, 4)
	ctx := context.Background()
	id := e.open(t)

	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[0], model.DecisionRelease))
	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[1], model.DecisionRefund))
	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[2], model.DecisionRelease))
	require.NoError(t, e.svc.CastVote(ctx, id, e.panel[3], model.DecisionRefund))

	dp, err := e.svc.Get(id)
	require.NoError(t, err)
	require.NotNil(t, dp.ResolvedAt)
	assert.Equal(t, model.DecisionRefund, dp.Outcome, "a split panel settles conservatively")
	assert.True(t, e.custodian.Balance(e.seller).Equal(dec("50000")))
}

func TestConcurrentVotes_ResolveExactlyOnce(t *testing.T) {
	e := newEnv(t, 5)
	ctx := context.Background()
	id := e.open(t)

	var wg sync.WaitGroup
	for _, arb := range e.panel {
		wg.Add(1)
		go func(arb uuid.UUID) {
			defer wg.Done()
			_ = e.svc.CastVote(ctx, id, arb, model.DecisionRelease)
		}(arb)
	}
	wg.Wait()

	dp, err := e.svc.Get(id)
	require.NoError(t, err)
	require.NotNil(t, dp.ResolvedAt)
	assert.Equal(t, model.DecisionRelease, dp.Outcome)

	// the escrow settled exactly once
	assert.True(t, e.custodian.Balance(e.buyer).Equal(dec("50000")),
		"buyer credited once, got %s", e.custodian.Balance(e.buyer))
	assert.True(t, e.custodian.Balance(e.seller).Equal(dec("-1000")))
}

func TestGet_UnknownDispute(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.svc.Get(uuid.New())
	assert.True(t, errors.IsCode(err, errors.CodeDisputeNotFound))
}
