// Package escrow owns the trade lifecycle between match acceptance and
// settlement: lock funds, await fiat, release or refund, or hand off to
// arbitration. Every transition is serialized per trade and every terminal
// transition emits a trade outcome event.
package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/otc/custody"
	"github.com/welloex/otc-core/internal/otc/events"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/pkg/metrics"
)

// BookReservations is the slice of the order book the escrow service
// needs for reservation cleanup on terminal transitions.
type BookReservations interface {
	CommitReservation(orderID uuid.UUID, qty decimal.Decimal) error
	ReleaseReservation(orderID uuid.UUID, qty decimal.Decimal) error
}

// OutcomeSink consumes trade outcome events in-process. Implemented by
// the reputation ledger.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome model.TradeOutcome) (float64, error)
}

// TradeStore persists trade snapshots after each transition. May be nil.
type TradeStore interface {
	SaveTrade(ctx context.Context, trade model.EscrowTrade) error
}

// Service is the escrow state machine over all trades.
type Service struct {
	cfg       config.EscrowConfig
	logger    *zap.Logger
	custodian custody.Service
	book      BookReservations
	ledger    OutcomeSink
	publisher events.Publisher
	store     TradeStore
	now       func() time.Time

	mu     sync.RWMutex
	trades map[uuid.UUID]*trade
}

// trade pairs the entity with its serialization lock.
type trade struct {
	mu         sync.Mutex
	t          model.EscrowTrade
	fiatSentAt time.Time
}

// NewService creates the escrow service. ledger, publisher and store may
// be nil.
func NewService(cfg config.EscrowConfig, custodian custody.Service, book BookReservations,
	ledger OutcomeSink, publisher events.Publisher, store TradeStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		custodian: custodian,
		book:      book,
		ledger:    ledger,
		publisher: publisher,
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		trades:    make(map[uuid.UUID]*trade),
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateParams describe a matched trade about to enter escrow.
type CreateParams struct {
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	OrderID      uuid.UUID
	Instrument   string
	Price        decimal.Decimal
	LockedAmount decimal.Decimal
	FiatAmount   decimal.Decimal
}

// Create opens a trade and requests the seller's fund lock. The caller
// must already hold the order book reservation; on InsufficientFunds the
// trade is not registered and the caller releases the reservation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.EscrowTrade, error) {
	if p.BuyerID == uuid.Nil || p.SellerID == uuid.Nil || p.OrderID == uuid.Nil {
		return nil, errors.Validation(errors.CodeInvalidOrder, "buyer, seller and order are required")
	}
	if p.LockedAmount.LessThanOrEqual(decimal.Zero) || p.FiatAmount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Validation(errors.CodeInvalidOrder, "amounts must be positive")
	}

	now := s.now()
	tr := &trade{t: model.EscrowTrade{
		ID:           uuid.New(),
		BuyerID:      p.BuyerID,
		SellerID:     p.SellerID,
		OrderID:      p.OrderID,
		Instrument:   p.Instrument,
		Price:        p.Price,
		LockedAmount: p.LockedAmount,
		FiatAmount:   p.FiatAmount,
		CreatedAt:    now,
		TimeoutAt:    now.Add(s.cfg.Timeout),
		State:        model.EscrowCreated,
	}}

	s.transition(tr, model.EscrowLocked, "funds lock requested")

	// Register before requesting the lock: the custodian's confirmation
	// can arrive before Lock returns and must find the trade.
	s.mu.Lock()
	s.trades[tr.t.ID] = tr
	s.mu.Unlock()

	if err := s.custodian.Lock(ctx, tr.t.ID, p.LockedAmount, p.SellerID); err != nil {
		s.mu.Lock()
		delete(s.trades, tr.t.ID)
		s.mu.Unlock()
		s.logger.Warn("fund lock rejected",
			zap.String("trade_id", tr.t.ID.String()),
			zap.String("seller_id", p.SellerID.String()),
			zap.Error(err))
		return nil, err
	}

	tr.mu.Lock()
	s.persist(ctx, tr)
	snap := tr.t
	tr.mu.Unlock()
	return &snap, nil
}

// transition applies a state change; callers hold tr.mu or own tr solely.
func (s *Service) transition(tr *trade, to model.EscrowState, note string) {
	from := tr.t.State
	tr.t.State = to
	tr.t.Timeline = append(tr.t.Timeline, model.StateChange{From: from, To: to, At: s.now(), Note: note})
	metrics.EscrowTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("escrow transition",
		zap.String("trade_id", tr.t.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (s *Service) lookup(tradeID uuid.UUID) (*trade, error) {
	s.mu.RLock()
	tr, ok := s.trades[tradeID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.CodeTradeNotFound, "trade %s not found", tradeID)
	}
	return tr, nil
}

// HandleLockConfirmed consumes the custodian's asynchronous lock
// confirmation. Signals for trades past locked (duplicates, or arrivals
// after a terminal transition) are no-ops.
func (s *Service) HandleLockConfirmed(ctx context.Context, tradeID uuid.UUID) error {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s.checkExpiry(ctx, tr)
	if tr.t.State != model.EscrowLocked {
		return nil
	}
	s.transition(tr, model.EscrowAwaitingFiat, "lock confirmed by custodian")
	s.persist(ctx, tr)
	return nil
}

// MarkFiatSent records the buyer's attestation that fiat left their
// account and starts the confirmation phase.
func (s *Service) MarkFiatSent(ctx context.Context, tradeID, actorID uuid.UUID) error {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s.checkExpiry(ctx, tr)
	if tr.t.State != model.EscrowAwaitingFiat {
		return errors.StateConflict(errors.CodeInvalidTransition,
			"fiat-sent not allowed in state %s", tr.t.State).WithState(string(tr.t.State))
	}
	if actorID != tr.t.BuyerID {
		return errors.StateConflict(errors.CodeNotParty,
			"only the buyer may mark fiat sent").WithState(string(tr.t.State))
	}
	tr.fiatSentAt = s.now()
	s.transition(tr, model.EscrowConfirming, "buyer marked fiat sent")
	s.persist(ctx, tr)
	return nil
}

// ConfirmFiatReceived is the seller's receipt confirmation; it releases
// the escrowed funds to the buyer. A non-seller caller is rejected and the
// trade stays in confirming.
func (s *Service) ConfirmFiatReceived(ctx context.Context, tradeID, actorID uuid.UUID) error {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s.checkExpiry(ctx, tr)
	if tr.t.State != model.EscrowConfirming {
		return errors.StateConflict(errors.CodeInvalidTransition,
			"confirm-receipt not allowed in state %s", tr.t.State).WithState(string(tr.t.State))
	}
	if actorID != tr.t.SellerID {
		return errors.StateConflict(errors.CodeNotParty,
			"only the seller may confirm fiat receipt").WithState(string(tr.t.State))
	}

	if err := s.custodian.Release(ctx, tr.t.ID, tr.t.LockedAmount, tr.t.BuyerID); err != nil {
		return errors.External(errors.CodeInsufficientFunds,
			"custody release failed: %v", err).WithState(string(tr.t.State))
	}
	s.transition(tr, model.EscrowReleased, "seller confirmed fiat receipt")
	s.commitReservation(tr)

	now := s.now()
	sellerLatency := now.Sub(tr.fiatSentAt)
	buyerLatency := tr.fiatSentAt.Sub(tr.t.CreatedAt)
	s.emitOutcome(ctx, tr, tr.t.SellerID, model.OutcomeCompleted, sellerLatency)
	s.emitOutcome(ctx, tr, tr.t.BuyerID, model.OutcomeCompleted, buyerLatency)
	s.persist(ctx, tr)
	return nil
}

// MarkDisputed moves an eligible trade into dispute, pausing its timeout
// clock. Returns a snapshot the arbitration subsystem uses to validate
// parties.
func (s *Service) MarkDisputed(ctx context.Context, tradeID, disputeID, initiatorID uuid.UUID) (model.EscrowTrade, error) {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return model.EscrowTrade{}, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s.checkExpiry(ctx, tr)

	if initiatorID != tr.t.BuyerID && initiatorID != tr.t.SellerID {
		return model.EscrowTrade{}, errors.StateConflict(errors.CodeNotParty,
			"initiator %s is not a party to trade %s", initiatorID, tradeID).WithState(string(tr.t.State))
	}
	switch tr.t.State {
	case model.EscrowDisputed:
		return model.EscrowTrade{}, errors.StateConflict(errors.CodeAlreadyDisputed,
			"trade %s is already disputed", tradeID).WithState(string(tr.t.State))
	case model.EscrowAwaitingFiat, model.EscrowConfirming:
		// eligible
	default:
		return model.EscrowTrade{}, errors.StateConflict(errors.CodeNotEligible,
			"trade %s cannot be disputed in state %s", tradeID, tr.t.State).WithState(string(tr.t.State))
	}

	tr.t.DisputeID = &disputeID
	s.transition(tr, model.EscrowDisputed, "dispute opened, timeout clock paused")
	s.persist(ctx, tr)
	return tr.t, nil
}

// ResolveDispute applies an arbitration outcome, settling the trade and
// charging the losing party's fee. Returns the loser and the fee charged.
func (s *Service) ResolveDispute(ctx context.Context, tradeID uuid.UUID, decision model.DisputeDecision, feeBps int64) (uuid.UUID, decimal.Decimal, error) {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return uuid.Nil, decimal.Zero, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.t.State != model.EscrowDisputed {
		return uuid.Nil, decimal.Zero, errors.StateConflict(errors.CodeInvalidTransition,
			"trade %s is not disputed", tradeID).WithState(string(tr.t.State))
	}

	fee := tr.t.LockedAmount.Mul(decimal.NewFromInt(feeBps)).Div(decimal.NewFromInt(10_000))
	var loserID uuid.UUID

	if decision == model.DecisionRelease {
		// Buyer's position prevailed: funds go to the buyer, seller loses.
		if err := s.custodian.Release(ctx, tr.t.ID, tr.t.LockedAmount, tr.t.BuyerID); err != nil {
			return uuid.Nil, decimal.Zero, errors.External(errors.CodeInsufficientFunds,
				"custody release failed: %v", err).WithState(string(tr.t.State))
		}
		s.transition(tr, model.EscrowResolvedRelease, "arbitration resolved for release")
		s.commitReservation(tr)
		loserID = tr.t.SellerID
		s.emitOutcome(ctx, tr, tr.t.BuyerID, model.OutcomeDisputeWon, 0)
		s.emitOutcome(ctx, tr, tr.t.SellerID, model.OutcomeDisputeLost, 0)
	} else {
		// Seller's position prevailed: funds return to the seller.
		if err := s.custodian.Refund(ctx, tr.t.ID, tr.t.LockedAmount, tr.t.SellerID); err != nil {
			return uuid.Nil, decimal.Zero, errors.External(errors.CodeInsufficientFunds,
				"custody refund failed: %v", err).WithState(string(tr.t.State))
		}
		s.transition(tr, model.EscrowResolvedRefund, "arbitration resolved for refund")
		s.releaseReservation(tr)
		loserID = tr.t.BuyerID
		s.emitOutcome(ctx, tr, tr.t.SellerID, model.OutcomeDisputeWon, 0)
		s.emitOutcome(ctx, tr, tr.t.BuyerID, model.OutcomeDisputeLost, 0)
	}

	if fee.IsPositive() {
		if err := s.custodian.Charge(ctx, fee, loserID); err != nil {
			s.logger.Error("arbitration fee charge failed",
				zap.String("trade_id", tradeID.String()),
				zap.String("loser_id", loserID.String()),
				zap.Error(err))
		}
	}
	s.persist(ctx, tr)
	return loserID, fee, nil
}

// checkExpiry is the lazy timeout check run on every access; callers hold
// tr.mu. A terminal or disputed trade is a no-op.
func (s *Service) checkExpiry(ctx context.Context, tr *trade) {
	switch tr.t.State {
	case model.EscrowLocked, model.EscrowAwaitingFiat, model.EscrowConfirming:
	default:
		return
	}
	if !s.now().After(tr.t.TimeoutAt) {
		return
	}
	s.transition(tr, model.EscrowTimedOut, "timeout elapsed")
	if err := s.custodian.Refund(ctx, tr.t.ID, tr.t.LockedAmount, tr.t.SellerID); err != nil {
		s.logger.Error("timeout refund failed",
			zap.String("trade_id", tr.t.ID.String()), zap.Error(err))
	}
	s.transition(tr, model.EscrowRefunded, "funds returned to seller")
	s.releaseReservation(tr)
	s.emitOutcome(ctx, tr, tr.t.SellerID, model.OutcomeTimedOut, 0)
	s.emitOutcome(ctx, tr, tr.t.BuyerID, model.OutcomeTimedOut, 0)
	s.persist(ctx, tr)
}

// Get returns a snapshot of one trade, applying lazy expiry first.
func (s *Service) Get(ctx context.Context, tradeID uuid.UUID) (model.EscrowTrade, error) {
	tr, err := s.lookup(tradeID)
	if err != nil {
		return model.EscrowTrade{}, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s.checkExpiry(ctx, tr)
	snap := tr.t
	snap.Timeline = append([]model.StateChange(nil), tr.t.Timeline...)
	return snap, nil
}

// SweepExpired walks all trades and applies the timeout transition to any
// that are due. Returns the number of trades expired.
func (s *Service) SweepExpired(ctx context.Context) int {
	s.mu.RLock()
	all := make([]*trade, 0, len(s.trades))
	for _, tr := range s.trades {
		all = append(all, tr)
	}
	s.mu.RUnlock()

	expired := 0
	for _, tr := range all {
		tr.mu.Lock()
		before := tr.t.State
		s.checkExpiry(ctx, tr)
		if before != tr.t.State && tr.t.State == model.EscrowRefunded {
			expired++
		}
		tr.mu.Unlock()
	}
	return expired
}

// RunSweeper periodically applies the timeout sweep until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpired(ctx); n > 0 {
				s.logger.Info("expired trades refunded", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) commitReservation(tr *trade) {
	if s.book == nil {
		return
	}
	if err := s.book.CommitReservation(tr.t.OrderID, tr.t.LockedAmount); err != nil {
		s.logger.Error("reservation commit failed",
			zap.String("order_id", tr.t.OrderID.String()), zap.Error(err))
	}
}

func (s *Service) releaseReservation(tr *trade) {
	if s.book == nil {
		return
	}
	if err := s.book.ReleaseReservation(tr.t.OrderID, tr.t.LockedAmount); err != nil {
		s.logger.Error("reservation release failed",
			zap.String("order_id", tr.t.OrderID.String()), zap.Error(err))
	}
}

// emitOutcome delivers one terminal outcome to the ledger and the event
// publisher. Event IDs are derived from the trade, party and kind, so a
// redelivered emission keeps the same ID and stays idempotent downstream.
func (s *Service) emitOutcome(ctx context.Context, tr *trade, partyID uuid.UUID, kind model.OutcomeKind, latency time.Duration) {
	outcome := model.TradeOutcome{
		EventID:         uuid.NewSHA1(tr.t.ID, append(partyID[:], []byte(kind)...)),
		TradeID:         tr.t.ID,
		CounterpartyID:  partyID,
		Kind:            kind,
		Amount:          tr.t.LockedAmount,
		ResponseLatency: latency,
		OccurredAt:      s.now(),
	}
	if s.ledger != nil {
		if _, err := s.ledger.RecordOutcome(ctx, outcome); err != nil {
			s.logger.Error("ledger outcome apply failed",
				zap.String("event_id", outcome.EventID.String()), zap.Error(err))
		}
	}
	if err := s.publisher.PublishOutcome(ctx, outcome); err != nil {
		s.logger.Error("outcome publish failed",
			zap.String("event_id", outcome.EventID.String()), zap.Error(err))
	}
}

func (s *Service) persist(ctx context.Context, tr *trade) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTrade(ctx, tr.t); err != nil {
		s.logger.Error("trade persist failed",
			zap.String("trade_id", tr.t.ID.String()), zap.Error(err))
	}
}
