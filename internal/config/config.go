// Package config loads the OTC core configuration from YAML and the
// environment via viper. Domain defaults mirror the desk's documented
// parameters: 24h escrow timeout, 48h evidence window, 2% arbitration fee,
// 30/20/30/20 reputation weights and 40/30/20/10 matching weights.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Escrow      EscrowConfig      `mapstructure:"escrow"`
	Arbitration ArbitrationConfig `mapstructure:"arbitration"`
	Reputation  ReputationConfig  `mapstructure:"reputation"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig configures the durable store. Driver is "postgres",
// "sqlite" or empty to run without persistence.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the optional read-side snapshot cache.
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// KafkaConfig configures the outcome event publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MatchingConfig holds the recommendation scoring weights and curves.
// Weights must sum to 1.
type MatchingConfig struct {
	PriceWeight      float64 `mapstructure:"price_weight"`
	ReputationWeight float64 `mapstructure:"reputation_weight"`
	SpeedWeight      float64 `mapstructure:"speed_weight"`
	VolumeWeight     float64 `mapstructure:"volume_weight"`

	// PriceBandBps is the mid-relative band mapped onto the 0-100
	// price-competitiveness scale.
	PriceBandBps int64 `mapstructure:"price_band_bps"`

	// Response-latency fit targets. SpeedPreferredTarget applies when the
	// taker prioritizes speed.
	SpeedTarget          time.Duration `mapstructure:"speed_target"`
	SpeedPreferredTarget time.Duration `mapstructure:"speed_preferred_target"`

	// FavoriteBoost is added to the score of favourite counterparties.
	FavoriteBoost float64 `mapstructure:"favorite_boost"`

	// SuggestSpreadBps is the half-spread around mid used for pricing
	// suggestions.
	SuggestSpreadBps int64 `mapstructure:"suggest_spread_bps"`
}

// EscrowConfig holds trade lifecycle timing.
type EscrowConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ArbitrationConfig holds dispute parameters.
type ArbitrationConfig struct {
	EvidenceWindow time.Duration `mapstructure:"evidence_window"`
	MinArbitrators int           `mapstructure:"min_arbitrators"`
	MaxArbitrators int           `mapstructure:"max_arbitrators"`
	FeeBps         int64         `mapstructure:"fee_bps"`
}

// ReputationConfig holds scoring weights (must sum to 100) and the
// component transfer curves. The penalty curves are configuration, not
// fixed business logic.
type ReputationConfig struct {
	CompletionWeight float64 `mapstructure:"completion_weight"`
	ResponseWeight   float64 `mapstructure:"response_weight"`
	DisputeWeight    float64 `mapstructure:"dispute_weight"`
	VolumeWeight     float64 `mapstructure:"volume_weight"`

	// ResponseBest / ResponseWorst bound the latency-to-fit line.
	ResponseBest  time.Duration `mapstructure:"response_best"`
	ResponseWorst time.Duration `mapstructure:"response_worst"`

	// DisputeRateCeiling is the dispute rate (percent) at which the
	// dispute component reaches zero.
	DisputeRateCeiling float64 `mapstructure:"dispute_rate_ceiling"`

	// VolumeTarget is the cumulative volume at which the volume
	// component saturates.
	VolumeTarget float64 `mapstructure:"volume_target"`

	// Per-level notional trade limits (0 means unlimited).
	LimitNewcomer float64 `mapstructure:"limit_newcomer"`
	LimitRegular  float64 `mapstructure:"limit_regular"`
	LimitTrusted  float64 `mapstructure:"limit_trusted"`
	LimitElite    float64 `mapstructure:"limit_elite"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.default_ttl", 2*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "otc.trade-outcomes")

	v.SetDefault("matching.price_weight", 0.40)
	v.SetDefault("matching.reputation_weight", 0.30)
	v.SetDefault("matching.speed_weight", 0.20)
	v.SetDefault("matching.volume_weight", 0.10)
	v.SetDefault("matching.price_band_bps", 200)
	v.SetDefault("matching.speed_target", 60*time.Minute)
	v.SetDefault("matching.speed_preferred_target", 15*time.Minute)
	v.SetDefault("matching.favorite_boost", 5.0)
	v.SetDefault("matching.suggest_spread_bps", 10)

	v.SetDefault("escrow.timeout", 24*time.Hour)
	v.SetDefault("escrow.sweep_interval", time.Minute)

	v.SetDefault("arbitration.evidence_window", 48*time.Hour)
	v.SetDefault("arbitration.min_arbitrators", 3)
	v.SetDefault("arbitration.max_arbitrators", 5)
	v.SetDefault("arbitration.fee_bps", 200)

	v.SetDefault("reputation.completion_weight", 30)
	v.SetDefault("reputation.response_weight", 20)
	v.SetDefault("reputation.dispute_weight", 30)
	v.SetDefault("reputation.volume_weight", 20)
	v.SetDefault("reputation.response_best", 0)
	v.SetDefault("reputation.response_worst", 100*time.Minute)
	v.SetDefault("reputation.dispute_rate_ceiling", 10.0)
	v.SetDefault("reputation.volume_target", 1_000_000)
	v.SetDefault("reputation.limit_newcomer", 5_000)
	v.SetDefault("reputation.limit_regular", 50_000)
	v.SetDefault("reputation.limit_trusted", 500_000)
	v.SetDefault("reputation.limit_elite", 0)
}

// Load reads config.yaml (optional) and WELLO_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("WELLO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate checks the cross-field invariants the scoring math depends on.
func (c *Config) Validate() error {
	mw := c.Matching.PriceWeight + c.Matching.ReputationWeight +
		c.Matching.SpeedWeight + c.Matching.VolumeWeight
	if math.Abs(mw-1.0) > 1e-9 {
		return fmt.Errorf("matching weights must sum to 1, got %v", mw)
	}
	rw := c.Reputation.CompletionWeight + c.Reputation.ResponseWeight +
		c.Reputation.DisputeWeight + c.Reputation.VolumeWeight
	if math.Abs(rw-100.0) > 1e-9 {
		return fmt.Errorf("reputation weights must sum to 100, got %v", rw)
	}
	if c.Arbitration.MinArbitrators < 3 || c.Arbitration.MaxArbitrators > 5 ||
		c.Arbitration.MinArbitrators > c.Arbitration.MaxArbitrators {
		return fmt.Errorf("arbitrator quorum bounds must satisfy 3 <= min <= max <= 5")
	}
	if c.Arbitration.FeeBps < 0 || c.Arbitration.FeeBps > 10_000 {
		return fmt.Errorf("arbitration fee bps out of range: %d", c.Arbitration.FeeBps)
	}
	if c.Escrow.Timeout <= 0 {
		return fmt.Errorf("escrow timeout must be positive")
	}
	if c.Reputation.ResponseWorst <= c.Reputation.ResponseBest {
		return fmt.Errorf("reputation response_worst must exceed response_best")
	}
	return nil
}
