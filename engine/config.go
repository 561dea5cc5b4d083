package engine

import (
	"fmt"
	"math"
	"time"
)

// Version is the engine version reported when the config leaves it empty.
const Version = "0.1.0"

// TimeoutConfig sets per-round deadlines. The timeout for round r is
// Base * BackoffFactor^r, capped at Max.
type TimeoutConfig struct {
	Base          time.Duration `yaml:"base_timeout_duration"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Max           time.Duration `yaml:"max_timeout_duration"`
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Base:          1000 * time.Millisecond,
		BackoffFactor: 1.5,
		Max:           30 * time.Second,
	}
}

// Duration returns the timeout for a round.
func (tc TimeoutConfig) Duration(round uint64) time.Duration {
	d := float64(tc.Base) * math.Pow(tc.BackoffFactor, float64(round))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(tc.Max) {
		return tc.Max
	}
	return time.Duration(d)
}

// Config holds configuration for the consensus engine
type Config struct {
	// ChainID identifies the blockchain and is part of every signature
	ChainID string `yaml:"chain_id"`

	// Version of the node software
	Version string `yaml:"version"`

	// InitialHeight is the first height agreed on (0 for genesis)
	InitialHeight uint64 `yaml:"initial_height"`

	// VCRetryTimes is how many view-changes at one height are tolerated
	// before escalating to recovery
	VCRetryTimes uint `yaml:"vc_retry_times"`

	// RecoveryRetryTimes bounds recovery attempts and escalations per height
	RecoveryRetryTimes uint `yaml:"recovery_retry_times"`

	// Timeouts
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// WAL configuration
	WALPath           string `yaml:"wal_path"`
	WALSync           bool   `yaml:"wal_sync"` // Force sync on every write
	WALMaxSegmentSize int64  `yaml:"wal_max_segment_size"`

	// CheckpointInterval is the number of commits between checkpoints.
	// Zero disables checkpointing and WAL truncation.
	CheckpointInterval uint64 `yaml:"checkpoint_interval"`

	// Event queue sizing
	EventQueueSize   int `yaml:"event_queue_size"`
	FutureBufferSize int `yaml:"future_buffer_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:            "gbft-chain",
		Version:            Version,
		VCRetryTimes:       10,
		RecoveryRetryTimes: 3,
		Timeouts:           DefaultTimeoutConfig(),
		WALPath:            "data/cs.wal",
		WALSync:            true,
		WALMaxSegmentSize:  64 * 1024 * 1024,
		CheckpointInterval: 100,
		EventQueueSize:     1024,
		FutureBufferSize:   256,
	}
}

// GetVersion returns the configured version or the engine default.
func (cfg *Config) GetVersion() string {
	if cfg.Version == "" {
		return Version
	}
	return cfg.Version
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return fmt.Errorf("%w: empty chain id", ErrInvalidConfig)
	}
	if cfg.Timeouts.Base <= 0 {
		return fmt.Errorf("%w: base timeout must be positive", ErrInvalidConfig)
	}
	if cfg.Timeouts.BackoffFactor <= 1 {
		return fmt.Errorf("%w: backoff factor %v must be greater than 1", ErrInvalidConfig, cfg.Timeouts.BackoffFactor)
	}
	if cfg.Timeouts.Max < cfg.Timeouts.Base {
		return fmt.Errorf("%w: max timeout below base timeout", ErrInvalidConfig)
	}
	if cfg.EventQueueSize <= 0 {
		return fmt.Errorf("%w: event queue size must be positive", ErrInvalidConfig)
	}
	if cfg.FutureBufferSize < 0 {
		return fmt.Errorf("%w: negative future buffer size", ErrInvalidConfig)
	}
	return nil
}
