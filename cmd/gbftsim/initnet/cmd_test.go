package initnet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gbft/config"
	"github.com/blockberries/gbft/privval"
)

func TestInit(t *testing.T) {
	home := t.TempDir()
	path, err := Init(&Config{Home: home, Validators: 3, ChainID: "local", Difficulty: 8})
	require.NoError(t, err)
	require.Equal(t, ConfigPath(home), path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Consensus.ChainID)
	require.True(t, cfg.PoW.Enabled)
	require.Equal(t, uint64(8), cfg.PoW.Difficulty)

	vs, err := cfg.ValidatorSet()
	require.NoError(t, err)
	require.Equal(t, 3, vs.Size())
	for i := 0; i < 3; i++ {
		pv, err := privval.NewFilePV(KeyPaths(home, i))
		require.NoError(t, err)
		require.True(t, pv.PubKey().Equal(vs.GetByIndex(uint32(i)).PublicKey))
	}

	_, err = Init(&Config{Home: home, Validators: 3, ChainID: "local"})
	require.Error(t, err, "existing network is not overwritten")

	_, err = Init(&Config{Home: home, Validators: 2, ChainID: "again", Force: true})
	require.NoError(t, err)
	cfg, err = config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Validators, 2)
	require.False(t, cfg.PoW.Enabled)
}

func TestParseFlags(t *testing.T) {
	c := Command()
	_, err := ParseFlags(c.Flags(), nil)
	require.ErrorIs(t, err, errNoHome)

	c = Command()
	cfg, err := ParseFlags(c.Flags(), []string{"--home", "/tmp/x", "--validators", "7"})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Validators)
	require.Equal(t, "gbft-local", cfg.ChainID)

	c = Command()
	_, err = ParseFlags(c.Flags(), []string{"--home", "/tmp/x", "--validators", "0"})
	require.ErrorIs(t, err, errBadValidators)
}
