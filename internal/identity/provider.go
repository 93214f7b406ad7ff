// Package identity defines the KYB collaborator contract. Verification
// itself (document workflow, risk scoring) happens in an external service;
// the core only consumes the verified flag and risk tier to gate order
// posting and escrow eligibility.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RiskTier classifies a verified counterparty.
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// Verification is the KYB answer for a counterparty.
type Verification struct {
	Verified bool
	RiskTier RiskTier
}

// Provider is the KYB service contract.
type Provider interface {
	Verify(ctx context.Context, counterpartyID uuid.UUID) (Verification, error)
}

// StaticProvider is an in-memory Provider for development and tests.
// Unknown counterparties default to the configured fallback.
type StaticProvider struct {
	mu       sync.RWMutex
	known    map[uuid.UUID]Verification
	fallback Verification
}

// NewStaticProvider returns a provider whose unknown-party answer is
// verified=allowAll.
func NewStaticProvider(allowAll bool) *StaticProvider {
	return &StaticProvider{
		known:    make(map[uuid.UUID]Verification),
		fallback: Verification{Verified: allowAll, RiskTier: RiskTierLow},
	}
}

// Set pins the verification answer for one counterparty.
func (p *StaticProvider) Set(id uuid.UUID, v Verification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[id] = v
}

// Verify implements Provider.
func (p *StaticProvider) Verify(_ context.Context, id uuid.UUID) (Verification, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.known[id]; ok {
		return v, nil
	}
	return p.fallback, nil
}
