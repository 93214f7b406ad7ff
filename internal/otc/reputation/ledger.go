// Package reputation maintains per-counterparty trust scores from weighted
// trade outcome signals. Scores are recomputed deterministically from the
// four components (completion, response, dispute, volume) and outcome
// events apply exactly once per event ID.
package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/pkg/metrics"
)

// OutcomeStore persists the applied-event ledger so idempotency survives a
// restart. MarkApplied returns false when the event was already recorded.
type OutcomeStore interface {
	MarkApplied(ctx context.Context, outcome model.TradeOutcome) (bool, error)
}

// Stats are the derived inputs to the score function.
type Stats struct {
	CompletionRate     float64 // percent of finalized trades completed
	AvgResponseLatency time.Duration
	DisputeRate        float64 // percent of finalized trades lost in dispute
	Volume             float64 // cumulative settled notional
}

// Breakdown is a score split into its weighted components.
type Breakdown struct {
	Completion float64 `json:"completion"`
	Response   float64 `json:"response"`
	Dispute    float64 `json:"dispute"`
	Volume     float64 `json:"volume"`
	Total      float64 `json:"total"`
}

// ComputeScore maps stats onto the configured 0-100 scale. The transfer
// curves are linear and clamped; weights come from configuration and sum
// to 100.
func ComputeScore(cfg config.ReputationConfig, s Stats) Breakdown {
	var b Breakdown
	b.Completion = cfg.CompletionWeight * clamp01(s.CompletionRate/100)

	span := cfg.ResponseWorst - cfg.ResponseBest
	fit := 1 - float64(s.AvgResponseLatency-cfg.ResponseBest)/float64(span)
	b.Response = cfg.ResponseWeight * clamp01(fit)

	b.Dispute = cfg.DisputeWeight * clamp01(1-s.DisputeRate/cfg.DisputeRateCeiling)

	b.Volume = cfg.VolumeWeight * clamp01(s.Volume/cfg.VolumeTarget)

	b.Total = b.Completion + b.Response + b.Dispute + b.Volume
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// profile accumulates the raw outcome counters for one counterparty.
type profile struct {
	completed    int
	timedOut     int
	disputesLost int
	disputesWon  int
	latencySum   time.Duration
	volume       decimal.Decimal
}

// newcomerScore is the score assigned before any trade history exists,
// placing fresh counterparties in the middle of the newcomer band.
const newcomerScore = 25.0

// Ledger is the reputation ledger.
type Ledger struct {
	cfg    config.ReputationConfig
	logger *zap.Logger
	store  OutcomeStore

	mu       sync.RWMutex
	profiles map[uuid.UUID]*profile
	applied  map[uuid.UUID]struct{}
}

// NewLedger creates a ledger. store may be nil to keep the applied-event
// set in memory only.
func NewLedger(cfg config.ReputationConfig, store OutcomeStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		profiles: make(map[uuid.UUID]*profile),
		applied:  make(map[uuid.UUID]struct{}),
	}
}

// RecordOutcome applies one finalized-trade outcome and returns the updated
// score. Applying the same event ID twice changes the score exactly once;
// timeouts are recorded but grade neutrally.
func (l *Ledger) RecordOutcome(ctx context.Context, outcome model.TradeOutcome) (float64, error) {
	l.mu.Lock()
	if _, dup := l.applied[outcome.EventID]; dup {
		score := l.scoreLocked(outcome.CounterpartyID)
		l.mu.Unlock()
		return score, nil
	}
	l.applied[outcome.EventID] = struct{}{}
	l.mu.Unlock()

	if l.store != nil {
		fresh, err := l.store.MarkApplied(ctx, outcome)
		if err != nil {
			l.logger.Error("outcome store write failed",
				zap.String("event_id", outcome.EventID.String()), zap.Error(err))
		} else if !fresh {
			l.mu.RLock()
			score := l.scoreLocked(outcome.CounterpartyID)
			l.mu.RUnlock()
			return score, nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.profiles[outcome.CounterpartyID]
	if !ok {
		p = &profile{volume: decimal.Zero}
		l.profiles[outcome.CounterpartyID] = p
	}
	switch outcome.Kind {
	case model.OutcomeCompleted:
		p.completed++
		p.latencySum += outcome.ResponseLatency
		p.volume = p.volume.Add(outcome.Amount)
	case model.OutcomeTimedOut:
		p.timedOut++
	case model.OutcomeDisputeLost:
		p.disputesLost++
	case model.OutcomeDisputeWon:
		p.disputesWon++
		p.volume = p.volume.Add(outcome.Amount)
	}
	metrics.ReputationOutcomes.WithLabelValues(string(outcome.Kind)).Inc()

	score := l.scoreLocked(outcome.CounterpartyID)
	l.logger.Debug("outcome applied",
		zap.String("counterparty_id", outcome.CounterpartyID.String()),
		zap.String("kind", string(outcome.Kind)),
		zap.Float64("score", score))
	return score, nil
}

// stats derives the score inputs from a profile. Timeouts are excluded
// from the completion denominator so an abandoned counterparty does not
// penalize the other side.
func (p *profile) stats() (Stats, bool) {
	finalized := p.completed + p.disputesWon + p.disputesLost
	if finalized == 0 && p.volume.IsZero() {
		return Stats{}, false
	}
	s := Stats{Volume: p.volume.InexactFloat64()}
	s.CompletionRate = float64(p.completed+p.disputesWon) / float64(finalized) * 100
	s.DisputeRate = float64(p.disputesLost) / float64(finalized) * 100
	if p.completed > 0 {
		s.AvgResponseLatency = p.latencySum / time.Duration(p.completed)
	}
	return s, true
}

func (l *Ledger) scoreLocked(id uuid.UUID) float64 {
	p, ok := l.profiles[id]
	if !ok {
		return newcomerScore
	}
	s, has := p.stats()
	if !has {
		return newcomerScore
	}
	return ComputeScore(l.cfg, s).Total
}

// Score returns the current score of a counterparty.
func (l *Ledger) Score(id uuid.UUID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scoreLocked(id)
}

// CurrentLevel derives the level purely from the score thresholds; it is
// never stored separately.
func (l *Ledger) CurrentLevel(id uuid.UUID) model.Level {
	return model.LevelForScore(l.Score(id))
}

// TradeLimit returns the notional limit the counterparty's level grants.
// Zero means unlimited.
func (l *Ledger) TradeLimit(id uuid.UUID) decimal.Decimal {
	switch l.CurrentLevel(id) {
	case model.LevelElite:
		return decimal.NewFromFloat(l.cfg.LimitElite)
	case model.LevelTrusted:
		return decimal.NewFromFloat(l.cfg.LimitTrusted)
	case model.LevelRegular:
		return decimal.NewFromFloat(l.cfg.LimitRegular)
	default:
		return decimal.NewFromFloat(l.cfg.LimitNewcomer)
	}
}

// Snapshot returns the read-only counterparty view consumed by matching
// and the presentation layer.
func (l *Ledger) Snapshot(id uuid.UUID) model.Counterparty {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := model.Counterparty{ID: id, CumulativeVolume: decimal.Zero}
	if p, ok := l.profiles[id]; ok {
		if s, has := p.stats(); has {
			cp.CompletionRate = s.CompletionRate
			cp.AvgResponseLatency = s.AvgResponseLatency
			cp.DisputeRate = s.DisputeRate
		}
		cp.CumulativeVolume = p.volume
	}
	cp.ReputationScore = l.scoreLocked(id)
	cp.Level = model.LevelForScore(cp.ReputationScore)
	return cp
}

// BreakdownFor returns the component split for a counterparty.
func (l *Ledger) BreakdownFor(id uuid.UUID) Breakdown {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.profiles[id]; ok {
		if s, has := p.stats(); has {
			return ComputeScore(l.cfg, s)
		}
	}
	return Breakdown{Total: newcomerScore}
}
