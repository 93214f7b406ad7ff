// Package oracle defines the mid-price collaborator the matching engine
// queries. Mid prices come from an external feed, never from shared
// mutable state inside the core.
package oracle

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/welloex/otc-core/common/errors"
)

// PriceOracle supplies the mid price for an instrument.
type PriceOracle interface {
	Mid(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// StaticOracle is an in-memory PriceOracle fed by configuration or tests.
type StaticOracle struct {
	mu   sync.RWMutex
	mids map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle with no prices set.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{mids: make(map[string]decimal.Decimal)}
}

// SetMid pins the mid price for an instrument.
func (o *StaticOracle) SetMid(instrument string, mid decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mids[instrument] = mid
}

// Mid implements PriceOracle.
func (o *StaticOracle) Mid(_ context.Context, instrument string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	mid, ok := o.mids[instrument]
	if !ok {
		return decimal.Zero, errors.External(errors.CodeOracleUnavailable,
			"no mid price for instrument %s", instrument)
	}
	return mid, nil
}
