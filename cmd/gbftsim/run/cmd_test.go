package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gbft/cmd/gbftsim/initnet"
)

func TestParseFlags(t *testing.T) {
	c := Command()
	cfg, err := ParseFlags(c.Flags(), []string{"--validators", "7", "--offline", "1,3", "--base-timeout", "250ms"})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Validators)
	require.Equal(t, []uint32{1, 3}, cfg.Offline)
	require.Equal(t, 250*time.Millisecond, cfg.BaseTimeout)
	require.Equal(t, uint64(10), cfg.Heights)

	c = Command()
	_, err = ParseFlags(c.Flags(), []string{"--validators", "0"})
	require.ErrorIs(t, err, errBadValidators)
}

func TestOptionsFromFlags(t *testing.T) {
	c := Command()
	cfg, err := ParseFlags(c.Flags(), []string{"--heights", "3", "--difficulty", "4", "--log-level", "warning"})
	require.NoError(t, err)

	opts, logCfg, err := options(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, opts.Validators)
	require.Equal(t, uint64(3), opts.Heights)
	require.Equal(t, uint64(4), opts.Difficulty)
	require.Equal(t, 8*time.Second, opts.Consensus.Timeouts.Max)
	require.Equal(t, "warning", logCfg.Level)

	cfg.Backoff = 1
	_, _, err = options(cfg)
	require.Error(t, err)
}

func TestOptionsFromHome(t *testing.T) {
	home := t.TempDir()
	_, err := initnet.Init(&initnet.Config{Home: home, Validators: 4, ChainID: "home-net", Difficulty: 2})
	require.NoError(t, err)

	c := Command()
	cfg, err := ParseFlags(c.Flags(), []string{"--home", home, "--heights", "2"})
	require.NoError(t, err)
	opts, _, err := options(cfg)
	require.NoError(t, err)
	require.Equal(t, "home-net", opts.Consensus.ChainID)
	require.Equal(t, 4, opts.ValidatorSet.Size())
	require.Len(t, opts.Signers, 4)
	require.Equal(t, uint64(2), opts.Difficulty)
	require.NotEmpty(t, opts.WALDir)
}
