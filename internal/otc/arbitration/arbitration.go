// Package arbitration resolves disputed escrow trades through staged
// evidence submission and quorum voting. Arbitrator selection happens
// outside the core; this subsystem consumes an already-assigned set.
package arbitration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/pkg/metrics"
)

// EscrowResolver is the slice of the escrow service arbitration drives.
type EscrowResolver interface {
	MarkDisputed(ctx context.Context, tradeID, disputeID, initiatorID uuid.UUID) (model.EscrowTrade, error)
	ResolveDispute(ctx context.Context, tradeID uuid.UUID, decision model.DisputeDecision, feeBps int64) (uuid.UUID, decimal.Decimal, error)
}

// DisputeStore archives resolved disputes. May be nil.
type DisputeStore interface {
	SaveDispute(ctx context.Context, dispute model.Dispute) error
}

// Service is the arbitration subsystem.
type Service struct {
	cfg    config.ArbitrationConfig
	logger *zap.Logger
	escrow EscrowResolver
	store  DisputeStore
	now    func() time.Time

	mu       sync.RWMutex
	open     map[uuid.UUID]*dispute
	archived map[uuid.UUID]*model.Dispute
}

// dispute pairs the entity with its serialization lock and the parties
// snapshot captured when the dispute opened.
type dispute struct {
	mu       sync.Mutex
	d        model.Dispute
	buyerID  uuid.UUID
	sellerID uuid.UUID
	resolved bool
}

// NewService creates the arbitration service. store may be nil.
func NewService(cfg config.ArbitrationConfig, esc EscrowResolver, store DisputeStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		escrow:   esc,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		open:     make(map[uuid.UUID]*dispute),
		archived: make(map[uuid.UUID]*model.Dispute),
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OpenDispute opens a dispute for an eligible escrow trade with the given
// assigned arbitrator panel. The escrow side enforces eligibility
// (AlreadyDisputed, NotEligible) and pauses the timeout clock.
func (s *Service) OpenDispute(ctx context.Context, tradeID, initiatorID uuid.UUID, arbitrators []uuid.UUID) (uuid.UUID, error) {
	if len(arbitrators) < s.cfg.MinArbitrators || len(arbitrators) > s.cfg.MaxArbitrators {
		return uuid.Nil, errors.Validation(errors.CodeNotEligible,
			"arbitrator panel must have %d to %d members, got %d",
			s.cfg.MinArbitrators, s.cfg.MaxArbitrators, len(arbitrators))
	}
	seen := make(map[uuid.UUID]struct{}, len(arbitrators))
	for _, id := range arbitrators {
		if _, dup := seen[id]; dup {
			return uuid.Nil, errors.Validation(errors.CodeNotEligible, "duplicate arbitrator %s", id)
		}
		seen[id] = struct{}{}
	}

	disputeID := uuid.New()
	snap, err := s.escrow.MarkDisputed(ctx, tradeID, disputeID, initiatorID)
	if err != nil {
		return uuid.Nil, err
	}

	now := s.now()
	dp := &dispute{
		d: model.Dispute{
			ID:               disputeID,
			EscrowTradeID:    tradeID,
			InitiatorID:      initiatorID,
			Arbitrators:      append([]uuid.UUID(nil), arbitrators...),
			Votes:            make(map[uuid.UUID]model.DisputeDecision),
			OpenedAt:         now,
			EvidenceClosesAt: now.Add(s.cfg.EvidenceWindow),
			FeeBps:           s.cfg.FeeBps,
		},
		buyerID:  snap.BuyerID,
		sellerID: snap.SellerID,
	}
	s.mu.Lock()
	s.open[disputeID] = dp
	s.mu.Unlock()

	metrics.DisputesOpened.Inc()
	s.logger.Info("dispute opened",
		zap.String("dispute_id", disputeID.String()),
		zap.String("trade_id", tradeID.String()),
		zap.Int("arbitrators", len(arbitrators)))
	return disputeID, nil
}

func (s *Service) lookup(disputeID uuid.UUID) (*dispute, error) {
	s.mu.RLock()
	dp, ok := s.open[disputeID]
	_, wasResolved := s.archived[disputeID]
	s.mu.RUnlock()
	if !ok {
		if wasResolved {
			return nil, errors.StateConflict(errors.CodeInvalidTransition,
				"dispute %s is resolved", disputeID).WithState("resolved")
		}
		return nil, errors.NotFound(errors.CodeDisputeNotFound, "dispute %s not found", disputeID)
	}
	return dp, nil
}

// SubmitEvidence appends one submission to the dispute's ordered evidence
// log. Only the trade's parties may submit, and only while the evidence
// window is open.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, partyID uuid.UUID, kind, description string) error {
	dp, err := s.lookup(disputeID)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.resolved {
		return errors.StateConflict(errors.CodeInvalidTransition,
			"dispute %s is resolved", disputeID).WithState("resolved")
	}
	if partyID != dp.buyerID && partyID != dp.sellerID {
		return errors.StateConflict(errors.CodeNotParty,
			"party %s is not involved in dispute %s", partyID, disputeID).WithState("open")
	}
	if s.now().After(dp.d.EvidenceClosesAt) {
		return errors.StateConflict(errors.CodeEvidenceWindowClosed,
			"evidence window closed at %s", dp.d.EvidenceClosesAt.Format(time.RFC3339)).WithState("open")
	}
	if description == "" {
		return errors.Validation(errors.CodeInvalidOrder, "evidence description is required")
	}

	dp.d.Evidence = append(dp.d.Evidence, model.Evidence{
		PartyID:     partyID,
		Kind:        kind,
		Description: description,
		SubmittedAt: s.now(),
	})
	return nil
}

// CastVote records one arbitrator's decision. The dispute resolves exactly
// once, at the vote that first makes the majority unbeatable; a full panel
// split resolves toward refund, the conservative default.
func (s *Service) CastVote(ctx context.Context, disputeID, arbitratorID uuid.UUID, decision model.DisputeDecision) error {
	if decision != model.DecisionRelease && decision != model.DecisionRefund {
		return errors.Validation(errors.CodeInvalidOrder, "unknown decision %q", decision)
	}
	dp, err := s.lookup(disputeID)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.resolved {
		return errors.StateConflict(errors.CodeInvalidTransition,
			"dispute %s is already resolved", disputeID).WithState("resolved")
	}
	assigned := false
	for _, id := range dp.d.Arbitrators {
		if id == arbitratorID {
			assigned = true
			break
		}
	}
	if !assigned {
		return errors.StateConflict(errors.CodeArbitratorNotAssigned,
			"arbitrator %s is not assigned to dispute %s", arbitratorID, disputeID).WithState("open")
	}
	if _, voted := dp.d.Votes[arbitratorID]; voted {
		return errors.StateConflict(errors.CodeDuplicateVote,
			"arbitrator %s already voted on dispute %s", arbitratorID, disputeID).WithState("open")
	}
	dp.d.Votes[arbitratorID] = decision

	release, refund := 0, 0
	for _, v := range dp.d.Votes {
		if v == model.DecisionRelease {
			release++
		} else {
			refund++
		}
	}
	majority := len(dp.d.Arbitrators)/2 + 1

	var outcome model.DisputeDecision
	switch {
	case release >= majority:
		outcome = model.DecisionRelease
	case refund >= majority:
		outcome = model.DecisionRefund
	case len(dp.d.Votes) == len(dp.d.Arbitrators):
		// full panel, no majority: tie breaks toward refund
		outcome = model.DecisionRefund
	default:
		return nil
	}
	return s.resolve(ctx, dp, outcome)
}

// resolve drives the escrow trade terminal and archives the dispute.
// Callers hold dp.mu; the resolved flag guarantees exactly-once even under
// concurrent vote arrival.
func (s *Service) resolve(ctx context.Context, dp *dispute, outcome model.DisputeDecision) error {
	loserID, fee, err := s.escrow.ResolveDispute(ctx, dp.d.EscrowTradeID, outcome, dp.d.FeeBps)
	if err != nil {
		return err
	}
	dp.resolved = true
	dp.d.Outcome = outcome
	now := s.now()
	dp.d.ResolvedAt = &now

	metrics.DisputesResolved.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("dispute resolved",
		zap.String("dispute_id", dp.d.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("loser_id", loserID.String()),
		zap.String("fee", fee.String()))

	if s.store != nil {
		if err := s.store.SaveDispute(ctx, dp.d); err != nil {
			s.logger.Error("dispute archive failed",
				zap.String("dispute_id", dp.d.ID.String()), zap.Error(err))
		}
	}

	s.mu.Lock()
	archived := dp.d
	s.archived[dp.d.ID] = &archived
	delete(s.open, dp.d.ID)
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of a dispute, open or archived.
func (s *Service) Get(disputeID uuid.UUID) (model.Dispute, error) {
	s.mu.RLock()
	dp, ok := s.open[disputeID]
	if !ok {
		if arch, found := s.archived[disputeID]; found {
			snap := *arch
			s.mu.RUnlock()
			return snap, nil
		}
	}
	s.mu.RUnlock()
	if !ok {
		return model.Dispute{}, errors.NotFound(errors.CodeDisputeNotFound, "dispute %s not found", disputeID)
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	snap := dp.d
	snap.Evidence = append([]model.Evidence(nil), dp.d.Evidence...)
	snap.Votes = make(map[uuid.UUID]model.DisputeDecision, len(dp.d.Votes))
	for k, v := range dp.d.Votes {
		snap.Votes[k] = v
	}
	return snap, nil
}
