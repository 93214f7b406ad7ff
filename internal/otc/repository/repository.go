// Package repository persists escrow trades, archived disputes and the
// applied-outcome ledger. Amount columns are stored as decimal strings so
// no precision is lost on either backend.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/welloex/otc-core/internal/otc/model"
)

// TradeRecord is the durable form of an escrow trade.
type TradeRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	BuyerID      uuid.UUID `gorm:"type:uuid;not null;index"`
	SellerID     uuid.UUID `gorm:"type:uuid;not null;index"`
	OrderID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Instrument   string    `gorm:"type:varchar(20);not null"`
	Price        string    `gorm:"type:varchar(40);not null"`
	LockedAmount string    `gorm:"type:varchar(40);not null"`
	FiatAmount   string    `gorm:"type:varchar(40);not null"`
	State        string    `gorm:"type:varchar(20);not null;index"`
	Timeline     []byte    `gorm:"type:bytes"`
	CreatedAt    time.Time
	TimeoutAt    time.Time
	UpdatedAt    time.Time
}

// DisputeRecord is the durable form of a resolved dispute.
type DisputeRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowTradeID uuid.UUID `gorm:"type:uuid;not null;index"`
	InitiatorID   uuid.UUID `gorm:"type:uuid;not null"`
	Outcome       string    `gorm:"type:varchar(10)"`
	FeeBps        int64
	Evidence      []byte `gorm:"type:bytes"`
	Votes         []byte `gorm:"type:bytes"`
	OpenedAt      time.Time
	ResolvedAt    *time.Time
}

// OutcomeEventRecord tracks applied reputation outcome events; the unique
// event ID is what makes at-least-once delivery apply-once.
type OutcomeEventRecord struct {
	EventID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TradeID        uuid.UUID `gorm:"type:uuid;not null;index"`
	CounterpartyID uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind           string    `gorm:"type:varchar(20);not null"`
	Amount         string    `gorm:"type:varchar(40);not null"`
	AppliedAt      time.Time
}

// Store is the gorm-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the schema and returns the store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&TradeRecord{}, &DisputeRecord{}, &OutcomeEventRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SaveTrade upserts the trade snapshot after a transition.
func (s *Store) SaveTrade(ctx context.Context, trade model.EscrowTrade) error {
	timeline, err := json.Marshal(trade.Timeline)
	if err != nil {
		return err
	}
	rec := TradeRecord{
		ID:           trade.ID,
		BuyerID:      trade.BuyerID,
		SellerID:     trade.SellerID,
		OrderID:      trade.OrderID,
		Instrument:   trade.Instrument,
		Price:        trade.Price.String(),
		LockedAmount: trade.LockedAmount.String(),
		FiatAmount:   trade.FiatAmount.String(),
		State:        string(trade.State),
		Timeline:     timeline,
		CreatedAt:    trade.CreatedAt,
		TimeoutAt:    trade.TimeoutAt,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// SaveDispute archives a resolved dispute.
func (s *Store) SaveDispute(ctx context.Context, dispute model.Dispute) error {
	evidence, err := json.Marshal(dispute.Evidence)
	if err != nil {
		return err
	}
	votes, err := json.Marshal(dispute.Votes)
	if err != nil {
		return err
	}
	rec := DisputeRecord{
		ID:            dispute.ID,
		EscrowTradeID: dispute.EscrowTradeID,
		InitiatorID:   dispute.InitiatorID,
		Outcome:       string(dispute.Outcome),
		FeeBps:        dispute.FeeBps,
		Evidence:      evidence,
		Votes:         votes,
		OpenedAt:      dispute.OpenedAt,
		ResolvedAt:    dispute.ResolvedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// MarkApplied records an outcome event. Returns false when the event ID
// was already present.
func (s *Store) MarkApplied(ctx context.Context, outcome model.TradeOutcome) (bool, error) {
	rec := OutcomeEventRecord{
		EventID:        outcome.EventID,
		TradeID:        outcome.TradeID,
		CounterpartyID: outcome.CounterpartyID,
		Kind:           string(outcome.Kind),
		Amount:         outcome.Amount.String(),
		AppliedAt:      time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
