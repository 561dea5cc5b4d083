// Package config loads the YAML node configuration: consensus parameters,
// the validator set, signing keys, logging and the optional proof-of-work
// rule.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/blockberries/gbft/engine"
	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/logging"
	"github.com/blockberries/gbft/types"
)

const configFilePerm = 0o644

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoValidators  = errors.New("no validators configured")
)

// Config is the on-disk node configuration.
type Config struct {
	Consensus     engine.Config       `yaml:"consensus"`
	Validators    []ValidatorConfig   `yaml:"validators"`
	PrivValidator PrivValidatorConfig `yaml:"priv_validator"`
	Evidence      evidence.Config     `yaml:"evidence"`
	Logging       logging.Config      `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	PoW           PoWConfig           `yaml:"pow"`
}

// ValidatorConfig is one entry of the validator set. Order matters: the
// position in the list is the validator's index.
type ValidatorConfig struct {
	Name   string `yaml:"name"`
	PubKey string `yaml:"pub_key"`
	Power  uint64 `yaml:"power"`
}

// PrivValidatorConfig locates the signing key and double-sign state.
type PrivValidatorConfig struct {
	KeyFile   string `yaml:"key_file"`
	StateFile string `yaml:"state_file"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	ListenAddr string `yaml:"listen_addr"`
}

// PoWConfig turns on proof-of-work sealing and validation of blocks.
type PoWConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Difficulty uint64 `yaml:"difficulty"`
}

// DefaultConfig returns a config with every section at its default and no
// validators.
func DefaultConfig() *Config {
	return &Config{
		Consensus: *engine.DefaultConfig(),
		PrivValidator: PrivValidatorConfig{
			KeyFile:   "priv_validator_key.yaml",
			StateFile: "priv_validator_state.cbor",
		},
		Evidence: evidence.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Namespace:  "gbft",
			ListenAddr: "127.0.0.1:26660",
		},
		PoW: PoWConfig{Difficulty: 1 << 10},
	}
}

// Load reads path over the defaults and validates the result. Relative
// file paths in the config are taken relative to the config's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Consensus.WALPath)
	abs(&c.PrivValidator.KeyFile)
	abs(&c.PrivValidator.StateFile)
	abs(&c.Logging.FileName)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Consensus.ValidateBasic(); err != nil {
		return err
	}
	if len(c.Validators) == 0 {
		return ErrNoValidators
	}
	if _, err := c.ValidatorSet(); err != nil {
		return err
	}
	if c.PrivValidator.KeyFile == "" {
		return fmt.Errorf("%w: priv_validator.key_file is required", ErrInvalidConfig)
	}
	if c.Evidence.MaxPending <= 0 || c.Evidence.MaxCommitted <= 0 {
		return fmt.Errorf("%w: evidence pool sizes must be positive", ErrInvalidConfig)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics enabled without listen_addr", ErrInvalidConfig)
	}
	if c.PoW.Enabled && c.PoW.Difficulty == 0 {
		return fmt.Errorf("%w: proof-of-work difficulty must be positive", ErrInvalidConfig)
	}
	return nil
}

// ValidatorSet builds the validator set from the configured entries.
func (c *Config) ValidatorSet() (*types.ValidatorSet, error) {
	if len(c.Validators) == 0 {
		return nil, ErrNoValidators
	}
	vals := make([]*types.Validator, len(c.Validators))
	for i, v := range c.Validators {
		pub, err := hex.DecodeString(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: validator %q: pub_key: %w", ErrInvalidConfig, v.Name, err)
		}
		vals[i] = &types.Validator{
			Name:        v.Name,
			PublicKey:   ed25519.PublicKey(pub),
			VotingPower: v.Power,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return vs, nil
}

// AddValidator appends a validator entry for pub.
func (c *Config) AddValidator(name string, pub ed25519.PublicKey, power uint64) {
	c.Validators = append(c.Validators, ValidatorConfig{
		Name:   name,
		PubKey: hex.EncodeToString(pub),
		Power:  power,
	})
}

// EngineConfig returns a copy of the consensus section.
func (c *Config) EngineConfig() *engine.Config {
	cfg := c.Consensus
	return &cfg
}
