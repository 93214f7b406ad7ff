package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 24*time.Hour, cfg.Escrow.Timeout)
	assert.Equal(t, 48*time.Hour, cfg.Arbitration.EvidenceWindow)
	assert.Equal(t, int64(200), cfg.Arbitration.FeeBps)
	assert.Equal(t, 0.40, cfg.Matching.PriceWeight)
	assert.Equal(t, float64(30), cfg.Reputation.CompletionWeight)
	assert.Equal(t, float64(5000), cfg.Reputation.LimitNewcomer)
	assert.Zero(t, cfg.Reputation.LimitElite, "elite trades are unlimited")
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"matching weights off", func(c *Config) { c.Matching.PriceWeight = 0.5 }},
		{"reputation weights off", func(c *Config) { c.Reputation.VolumeWeight = 25 }},
		{"quorum too small", func(c *Config) { c.Arbitration.MinArbitrators = 2 }},
		{"quorum too large", func(c *Config) { c.Arbitration.MaxArbitrators = 7 }},
		{"quorum inverted", func(c *Config) { c.Arbitration.MinArbitrators = 5; c.Arbitration.MaxArbitrators = 3 }},
		{"fee out of range", func(c *Config) { c.Arbitration.FeeBps = 10_001 }},
		{"zero escrow timeout", func(c *Config) { c.Escrow.Timeout = 0 }},
		{"inverted response bounds", func(c *Config) { c.Reputation.ResponseWorst = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
