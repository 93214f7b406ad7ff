// Package matching ranks resting counterparty orders against a taker
// intent using price, reputation and preference-weighted scoring, and
// drives auto-matching into escrow with a reserve-then-create discipline.
package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/identity"
	"github.com/welloex/otc-core/internal/otc/escrow"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/internal/otc/oracle"
	"github.com/welloex/otc-core/internal/otc/orderbook"
	"github.com/welloex/otc-core/pkg/metrics"
)

// ReputationView is the read-only slice of the reputation ledger the
// engine scores with.
type ReputationView interface {
	Snapshot(id uuid.UUID) model.Counterparty
}

// TakerIntent is a taker's request to trade against resting liquidity.
// Side is the side the taker wants to be on; candidates come from the
// opposite side of the book.
type TakerIntent struct {
	TakerID        uuid.UUID
	Instrument     string
	Side           model.Side
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal // zero means at-market
	PaymentMethods []model.PaymentMethod
}

// Preferences tune recommendation scoring per taker.
type Preferences struct {
	PrioritizeSpeed     bool
	PreferredVolumeMin  decimal.Decimal
	PreferredVolumeMax  decimal.Decimal
	FavoriteParties     []uuid.UUID
	MinCounterpartyTier model.Level
}

// PricingSuggestion is the bid/ask the engine suggests around the oracle
// mid for a maker about to post.
type PricingSuggestion struct {
	Instrument   string          `json:"instrument"`
	Mid          decimal.Decimal `json:"mid"`
	SuggestedBid decimal.Decimal `json:"suggested_bid"`
	SuggestedAsk decimal.Decimal `json:"suggested_ask"`
}

// Engine is the matching and agent recommendation engine.
type Engine struct {
	cfg      config.MatchingConfig
	logger   *zap.Logger
	book     *orderbook.Book
	rep      ReputationView
	oracle   oracle.PriceOracle
	escrow   *escrow.Service
	identity identity.Provider
}

// NewEngine wires the engine to its collaborators. identity may be nil to
// skip the taker KYB gate.
func NewEngine(cfg config.MatchingConfig, book *orderbook.Book, rep ReputationView,
	po oracle.PriceOracle, esc *escrow.Service, idp identity.Provider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		book:     book,
		rep:      rep,
		oracle:   po,
		escrow:   esc,
		identity: idp,
	}
}

// Recommend scores the eligible resting orders against the intent and
// returns them best-first. Ties break toward higher reputation, then
// earlier posting.
func (e *Engine) Recommend(ctx context.Context, intent TakerIntent, prefs Preferences) ([]model.MatchRecommendation, error) {
	if err := e.validateIntent(intent); err != nil {
		return nil, err
	}
	mid, err := e.oracle.Mid(ctx, intent.Instrument)
	if err != nil {
		return nil, err
	}

	candidates := e.book.Candidates(intent.Instrument, intent.Side.Opposite())
	recs := make([]model.MatchRecommendation, 0, len(candidates))
	for i := range candidates {
		cand := &candidates[i]
		if !e.eligible(cand, intent, prefs) {
			continue
		}
		rec := e.score(cand, intent, prefs, mid)
		metrics.MatchScores.Observe(rec.MatchScore)
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Less(&recs[j]) })
	return recs, nil
}

func (e *Engine) validateIntent(intent TakerIntent) error {
	if intent.TakerID == uuid.Nil {
		return errors.Validation(errors.CodeInvalidOrder, "taker is required")
	}
	if intent.Instrument == "" {
		return errors.Validation(errors.CodeInvalidOrder, "instrument is required")
	}
	if !intent.Side.Valid() {
		return errors.Validation(errors.CodeInvalidOrder, "unknown side %q", intent.Side)
	}
	if intent.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.Validation(errors.CodeInvalidOrder, "quantity must be positive")
	}
	return nil
}

// eligible applies the hard filters: self-trade, size, fill constraints,
// limit price, payment rails and the minimum counterparty tier.
func (e *Engine) eligible(cand *model.Order, intent TakerIntent, prefs Preferences) bool {
	if cand.OwnerID == intent.TakerID {
		return false
	}
	avail := cand.Available()
	if avail.LessThan(intent.Quantity) {
		return false
	}
	if intent.Quantity.GreaterThan(cand.MaxFill) {
		return false
	}
	if intent.Quantity.LessThan(cand.MinFill) && !intent.Quantity.Equal(avail) {
		return false
	}
	if leftover := avail.Sub(intent.Quantity); leftover.IsPositive() && leftover.LessThan(cand.MinFill) {
		return false
	}
	if !intent.LimitPrice.IsZero() {
		if intent.Side == model.SideBuy && cand.Price.GreaterThan(intent.LimitPrice) {
			return false
		}
		if intent.Side == model.SideSell && cand.Price.LessThan(intent.LimitPrice) {
			return false
		}
	}
	if !cand.AcceptsPayment(intent.PaymentMethods) {
		return false
	}
	if prefs.MinCounterpartyTier != "" {
		level := e.rep.Snapshot(cand.OwnerID).Level
		if level.Rank() < prefs.MinCounterpartyTier.Rank() {
			return false
		}
	}
	return true
}

// score computes the weighted 0-100 match score and rationale.
func (e *Engine) score(cand *model.Order, intent TakerIntent, prefs Preferences, mid decimal.Decimal) model.MatchRecommendation {
	cp := e.rep.Snapshot(cand.OwnerID)

	price := e.priceCompetitiveness(cand.Price, intent.Side, mid)
	speed := e.speedFit(cp.AvgResponseLatency, prefs.PrioritizeSpeed)
	volume := volumeFit(cand.Available(), prefs)

	total := e.cfg.PriceWeight*price +
		e.cfg.ReputationWeight*cp.ReputationScore +
		e.cfg.SpeedWeight*speed +
		e.cfg.VolumeWeight*volume

	favorite := false
	for _, fav := range prefs.FavoriteParties {
		if fav == cand.OwnerID {
			favorite = true
			total += e.cfg.FavoriteBoost
			break
		}
	}
	if total > 100 {
		total = 100
	}

	rationale := fmt.Sprintf("price %.0f/100 at %s vs mid %s, reputation %.0f (%s), speed fit %.0f, volume fit %.0f",
		price, cand.Price, mid, cp.ReputationScore, cp.Level, speed, volume)
	if favorite {
		rationale += ", favourite counterparty"
	}

	rec := model.MatchRecommendation{
		CounterpartyID: cand.OwnerID,
		OrderID:        cand.ID,
		Price:          cand.Price,
		Available:      cand.Available(),
		MatchScore:     total,
		Rationale:      rationale,
	}
	rec.TieBreak(cp.ReputationScore, cand.PostedAt)
	return rec
}

// priceCompetitiveness maps the mid-relative price distance onto 0-100,
// with 50 at mid and the configured band at the extremes. For a buying
// taker a price below mid scores above 50; for a seller, above mid.
func (e *Engine) priceCompetitiveness(price decimal.Decimal, takerSide model.Side, mid decimal.Decimal) float64 {
	if mid.IsZero() {
		return 50
	}
	dist, _ := price.Sub(mid).Div(mid).Float64()
	if takerSide == model.SideBuy {
		dist = -dist
	}
	band := float64(e.cfg.PriceBandBps) / 10_000
	score := 50 + dist/band*50
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (e *Engine) speedFit(latency time.Duration, prioritizeSpeed bool) float64 {
	target := e.cfg.SpeedTarget
	if prioritizeSpeed {
		target = e.cfg.SpeedPreferredTarget
	}
	if target <= 0 {
		return 100
	}
	fit := 1 - float64(latency)/float64(target)
	if fit < 0 {
		return 0
	}
	return fit * 100
}

// volumeFit scores how well the candidate's available quantity sits in the
// taker's preferred band; outside the band the score decays with the
// relative distance to the nearest bound.
func volumeFit(available decimal.Decimal, prefs Preferences) float64 {
	min, max := prefs.PreferredVolumeMin, prefs.PreferredVolumeMax
	if min.IsZero() && max.IsZero() {
		return 100
	}
	if (min.IsZero() || available.GreaterThanOrEqual(min)) &&
		(max.IsZero() || available.LessThanOrEqual(max)) {
		return 100
	}
	var bound decimal.Decimal
	if !min.IsZero() && available.LessThan(min) {
		bound = min
	} else {
		bound = max
	}
	ratio, _ := available.Sub(bound).Abs().Div(bound).Float64()
	fit := (1 - ratio) * 100
	if fit < 0 {
		return 0
	}
	return fit
}

// AutoMatch selects the top-ranked recommendation, exclusively reserves
// its quantity in the book and only then creates the escrow trade. On a
// reservation race the next candidate is tried.
func (e *Engine) AutoMatch(ctx context.Context, intent TakerIntent) (*model.EscrowTrade, error) {
	if e.identity != nil {
		v, err := e.identity.Verify(ctx, intent.TakerID)
		if err != nil {
			metrics.AutoMatches.WithLabelValues("error").Inc()
			return nil, errors.External(errors.CodeKYBRequired, "identity check failed: %v", err)
		}
		if !v.Verified {
			metrics.AutoMatches.WithLabelValues("rejected").Inc()
			return nil, errors.Validation(errors.CodeKYBRequired, "taker %s is not KYB verified", intent.TakerID)
		}
	}

	recs, err := e.Recommend(ctx, intent, Preferences{})
	if err != nil {
		metrics.AutoMatches.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(recs) == 0 {
		metrics.AutoMatches.WithLabelValues("no_liquidity").Inc()
		return nil, errors.Unavailable(errors.CodeNoLiquidity,
			"no resting order satisfies %s %s %s", intent.Instrument, intent.Side, intent.Quantity)
	}

	for i := range recs {
		rec := &recs[i]
		if err := e.book.Reserve(rec.OrderID, intent.Quantity); err != nil {
			// lost the race for this order; try the next candidate
			e.logger.Debug("reservation lost",
				zap.String("order_id", rec.OrderID.String()), zap.Error(err))
			continue
		}
		trade, err := e.createEscrow(ctx, intent, rec)
		if err != nil {
			if relErr := e.book.ReleaseReservation(rec.OrderID, intent.Quantity); relErr != nil {
				e.logger.Error("reservation rollback failed",
					zap.String("order_id", rec.OrderID.String()), zap.Error(relErr))
			}
			metrics.AutoMatches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.AutoMatches.WithLabelValues("matched").Inc()
		e.logger.Info("auto-matched",
			zap.String("trade_id", trade.ID.String()),
			zap.String("order_id", rec.OrderID.String()),
			zap.Float64("match_score", rec.MatchScore))
		return trade, nil
	}

	metrics.AutoMatches.WithLabelValues("no_liquidity").Inc()
	return nil, errors.Unavailable(errors.CodeNoLiquidity,
		"all candidate reservations were taken concurrently")
}

func (e *Engine) createEscrow(ctx context.Context, intent TakerIntent, rec *model.MatchRecommendation) (*model.EscrowTrade, error) {
	params := escrow.CreateParams{
		OrderID:      rec.OrderID,
		Instrument:   intent.Instrument,
		Price:        rec.Price,
		LockedAmount: intent.Quantity,
		FiatAmount:   intent.Quantity.Mul(rec.Price),
	}
	if intent.Side == model.SideBuy {
		params.BuyerID = intent.TakerID
		params.SellerID = rec.CounterpartyID
	} else {
		params.BuyerID = rec.CounterpartyID
		params.SellerID = intent.TakerID
	}
	return e.escrow.Create(ctx, params)
}

// SuggestPricing returns maker bid/ask suggestions around the oracle mid
// using the configured half-spread.
func (e *Engine) SuggestPricing(ctx context.Context, instrument string) (PricingSuggestion, error) {
	mid, err := e.oracle.Mid(ctx, instrument)
	if err != nil {
		return PricingSuggestion{}, err
	}
	spread := mid.Mul(decimal.NewFromInt(e.cfg.SuggestSpreadBps)).Div(decimal.NewFromInt(10_000))
	return PricingSuggestion{
		Instrument:   instrument,
		Mid:          mid,
		SuggestedBid: mid.Sub(spread),
		SuggestedAsk: mid.Add(spread),
	}, nil
}
