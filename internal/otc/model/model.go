// Package model defines the core entities of the OTC desk: orders,
// counterparties, escrow trades, disputes and match recommendations.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderStatus is the lifecycle status of a resting order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further fills or cancels are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// PaymentMethod enumerates the fiat rails a counterparty accepts.
type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentWise         PaymentMethod = "wise"
	PaymentSEPA         PaymentMethod = "sepa"
	PaymentSWIFT        PaymentMethod = "swift"
	PaymentRevolut      PaymentMethod = "revolut"
	PaymentPayPal       PaymentMethod = "paypal"
	PaymentWireTransfer PaymentMethod = "wire_transfer"
)

// Order is a resting buy or sell order in the book.
//
// Quantity is the original size; Remaining is what is still restable,
// Reserved the portion held by in-flight escrow trades and Filled the
// cumulative settled amount. Remaining = Quantity - Filled, and
// Reserved <= Remaining at all times.
type Order struct {
	ID             uuid.UUID
	Side           Side
	Instrument     string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Remaining      decimal.Decimal
	Reserved       decimal.Decimal
	Filled         decimal.Decimal
	MinFill        decimal.Decimal
	MaxFill        decimal.Decimal
	OwnerID        uuid.UUID
	PaymentMethods []PaymentMethod
	PostedAt       time.Time
	Status         OrderStatus
}

// Available is the quantity a new reservation may claim.
func (o *Order) Available() decimal.Decimal {
	return o.Remaining.Sub(o.Reserved)
}

// AcceptsPayment reports whether the order supports any of the given rails.
// An empty filter always matches.
func (o *Order) AcceptsPayment(methods []PaymentMethod) bool {
	if len(methods) == 0 {
		return true
	}
	for _, want := range methods {
		for _, have := range o.PaymentMethods {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Level is the reputation band a counterparty sits in.
type Level string

const (
	LevelNewcomer Level = "newcomer"
	LevelRegular  Level = "regular"
	LevelTrusted  Level = "trusted"
	LevelElite    Level = "elite"
)

// LevelForScore maps a 0-100 reputation score onto its band.
// Bands: newcomer [0,50), regular [50,80), trusted [80,95), elite [95,100].
func LevelForScore(score float64) Level {
	switch {
	case score >= 95:
		return LevelElite
	case score >= 80:
		return LevelTrusted
	case score >= 50:
		return LevelRegular
	default:
		return LevelNewcomer
	}
}

// Rank orders levels for minimum-level preference gates.
func (l Level) Rank() int {
	switch l {
	case LevelElite:
		return 3
	case LevelTrusted:
		return 2
	case LevelRegular:
		return 1
	default:
		return 0
	}
}

// Counterparty is a read-only reputation snapshot of a trading party.
type Counterparty struct {
	ID                 uuid.UUID
	ReputationScore    float64
	CompletionRate     float64
	AvgResponseLatency time.Duration
	DisputeRate        float64
	CumulativeVolume   decimal.Decimal
	Level              Level
}

// EscrowState is the state of an escrow trade. Transitions are owned
// exclusively by the escrow state machine.
type EscrowState string

const (
	EscrowCreated         EscrowState = "created"
	EscrowLocked          EscrowState = "locked"
	EscrowAwaitingFiat    EscrowState = "awaiting_fiat"
	EscrowConfirming      EscrowState = "confirming"
	EscrowReleased        EscrowState = "released"
	EscrowTimedOut        EscrowState = "timed_out"
	EscrowRefunded        EscrowState = "refunded"
	EscrowDisputed        EscrowState = "disputed"
	EscrowResolvedRelease EscrowState = "resolved_release"
	EscrowResolvedRefund  EscrowState = "resolved_refund"
)

// Terminal reports whether the state ends the trade lifecycle.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowResolvedRelease, EscrowResolvedRefund:
		return true
	}
	return false
}

// StateChange is one entry in an escrow trade's timeline.
type StateChange struct {
	From EscrowState `json:"from"`
	To   EscrowState `json:"to"`
	At   time.Time   `json:"at"`
	Note string      `json:"note,omitempty"`
}

// EscrowTrade is a custodial trade between a buyer and a seller.
// LockedAmount is the escrowed asset quantity, FiatAmount the fiat leg.
type EscrowTrade struct {
	ID           uuid.UUID
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	OrderID      uuid.UUID
	Instrument   string
	Price        decimal.Decimal
	LockedAmount decimal.Decimal
	FiatAmount   decimal.Decimal
	CreatedAt    time.Time
	TimeoutAt    time.Time
	State        EscrowState
	DisputeID    *uuid.UUID
	Timeline     []StateChange
}

// DisputeDecision is an arbitrator's vote or the dispute outcome.
type DisputeDecision string

const (
	DecisionRelease DisputeDecision = "release"
	DecisionRefund  DisputeDecision = "refund"
)

// Evidence is one submission in a dispute's ordered evidence log.
type Evidence struct {
	PartyID     uuid.UUID `json:"party_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Dispute tracks a contested escrow trade through evidence and voting.
type Dispute struct {
	ID               uuid.UUID
	EscrowTradeID    uuid.UUID
	InitiatorID      uuid.UUID
	Arbitrators      []uuid.UUID
	Evidence         []Evidence
	Votes            map[uuid.UUID]DisputeDecision
	OpenedAt         time.Time
	EvidenceClosesAt time.Time
	ResolvedAt       *time.Time
	Outcome          DisputeDecision
	FeeBps           int64
}

// MatchRecommendation is an ephemeral, ranked counterparty suggestion.
// It is computed on demand and never persisted.
type MatchRecommendation struct {
	CounterpartyID uuid.UUID       `json:"counterparty_id"`
	OrderID        uuid.UUID       `json:"order_id"`
	Price          decimal.Decimal `json:"price"`
	Available      decimal.Decimal `json:"available"`
	MatchScore     float64         `json:"match_score"`
	Rationale      string          `json:"rationale"`

	reputation float64
	postedAt   time.Time
}

// TieBreak carries the secondary sort keys for equal-score recommendations.
func (r *MatchRecommendation) TieBreak(reputation float64, postedAt time.Time) {
	r.reputation = reputation
	r.postedAt = postedAt
}

// Less orders recommendations best-first: higher score, then higher
// reputation, then earlier posting.
func (r *MatchRecommendation) Less(other *MatchRecommendation) bool {
	if r.MatchScore != other.MatchScore {
		return r.MatchScore > other.MatchScore
	}
	if r.reputation != other.reputation {
		return r.reputation > other.reputation
	}
	return r.postedAt.Before(other.postedAt)
}

// OutcomeKind classifies a finalized trade for the reputation ledger.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeTimedOut    OutcomeKind = "timed_out"
	OutcomeDisputeLost OutcomeKind = "dispute_lost"
	OutcomeDisputeWon  OutcomeKind = "dispute_won"
)

// TradeOutcome is the event a terminal escrow transition emits. EventID
// makes delivery idempotent under at-least-once messaging.
type TradeOutcome struct {
	EventID         uuid.UUID       `json:"event_id"`
	TradeID         uuid.UUID       `json:"trade_id"`
	CounterpartyID  uuid.UUID       `json:"counterparty_id"`
	Kind            OutcomeKind     `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	ResponseLatency time.Duration   `json:"response_latency"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
