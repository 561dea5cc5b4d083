package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gbft/types"
)

func testPub(i int) ed25519.PublicKey {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, fmt.Sprintf("config-seed-%d", i))
	return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
}

func fourValidators() *Config {
	cfg := DefaultConfig()
	for i := 0; i < 4; i++ {
		cfg.AddValidator(fmt.Sprintf("val%d", i), testPub(i), 10)
	}
	return cfg
}

func TestDefaultConfigNeedsValidators(t *testing.T) {
	require.ErrorIs(t, DefaultConfig().Validate(), ErrNoValidators)
	require.NoError(t, fourValidators().Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := fourValidators()
	cfg.Consensus.ChainID = "roundtrip"
	cfg.Consensus.Timeouts.Base = 250 * time.Millisecond
	cfg.Consensus.WALPath = "data/wal"
	cfg.PoW.Enabled = true
	cfg.PoW.Difficulty = 32
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "roundtrip", loaded.Consensus.ChainID)
	require.Equal(t, 250*time.Millisecond, loaded.Consensus.Timeouts.Base)
	require.Equal(t, cfg.Validators, loaded.Validators)
	require.Equal(t, uint64(32), loaded.PoW.Difficulty)

	// relative paths resolve against the config directory
	require.Equal(t, filepath.Join(dir, "data/wal"), loaded.Consensus.WALPath)
	require.Equal(t, filepath.Join(dir, "priv_validator_key.yaml"), loaded.PrivValidator.KeyFile)

	vs, err := loaded.ValidatorSet()
	require.NoError(t, err)
	require.Equal(t, 4, vs.Size())
	require.Equal(t, uint64(40), vs.TotalPower)
	require.Equal(t, testPub(2), vs.GetByIndex(2).PublicKey)
	require.Equal(t, "val2", vs.GetByIndex(2).Name)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`consensus:
  chain_id: partial
  timeouts:
    base_timeout_duration: 2s
    backoff_factor: 2
    max_timeout_duration: 1m
validators:
  - name: solo
    pub_key: %x
    power: 1
`, []byte(testPub(0)))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "partial", cfg.Consensus.ChainID)
	require.Equal(t, 2*time.Second, cfg.Consensus.Timeouts.Base)
	require.Equal(t, DefaultConfig().Consensus.EventQueueSize, cfg.Consensus.EventQueueSize)
	require.Equal(t, "info", cfg.Logging.Level)

	eng := cfg.EngineConfig()
	eng.ChainID = "changed"
	require.Equal(t, "partial", cfg.Consensus.ChainID)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consensus: [unterminated"), 0o644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad pub key hex", func(c *Config) { c.Validators[0].PubKey = "zz" }, ErrInvalidConfig},
		{"short pub key", func(c *Config) { c.Validators[0].PubKey = "abcd" }, types.ErrInvalidPublicKey},
		{"zero power", func(c *Config) { c.Validators[1].Power = 0 }, types.ErrInvalidVotingPower},
		{"duplicate name", func(c *Config) { c.Validators[1].Name = "val0" }, types.ErrDuplicateValidator},
		{"no key file", func(c *Config) { c.PrivValidator.KeyFile = "" }, ErrInvalidConfig},
		{"evidence pool", func(c *Config) { c.Evidence.MaxPending = 0 }, ErrInvalidConfig},
		{"metrics address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "" }, ErrInvalidConfig},
		{"pow difficulty", func(c *Config) { c.PoW.Enabled = true; c.PoW.Difficulty = 0 }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fourValidators()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	cfg := fourValidators()
	cfg.Consensus.ChainID = ""
	require.Error(t, cfg.Validate())
	cfg = fourValidators()
	cfg.Logging.Format = "xml"
	require.Error(t, cfg.Validate())
}
