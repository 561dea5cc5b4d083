package initnet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/gbft/config"
	"github.com/blockberries/gbft/privval"
)

const configFile = "config.yaml"

// ConfigPath returns the shared config file of a network directory.
func ConfigPath(home string) string {
	return filepath.Join(home, configFile)
}

// KeyPaths returns validator i's key and sign-state files.
func KeyPaths(home string, i int) (keyFile, stateFile string) {
	dir := filepath.Join(home, fmt.Sprintf("node%d", i))
	return filepath.Join(dir, "priv_validator_key.yaml"), filepath.Join(dir, "priv_validator_state.cbor")
}

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "initnet",
		Short: "Writes validator keys and a shared config for a local network",
		RunE:  initFunc,
	}
	AddFlags(c.Flags())
	return c
}

func initFunc(c *cobra.Command, args []string) error {
	cfg, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}
	path, err := Init(cfg)
	if err != nil {
		return err
	}
	c.Printf("wrote %d validators to %s\n", cfg.Validators, path)
	return nil
}

// Init generates the keys and writes the config, returning its path.
func Init(cfg *Config) (string, error) {
	path := ConfigPath(cfg.Home)
	if _, err := os.Stat(path); err == nil && !cfg.Force {
		return "", fmt.Errorf("%s already exists", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	nodeCfg := config.DefaultConfig()
	nodeCfg.Consensus.ChainID = cfg.ChainID
	nodeCfg.Consensus.WALPath = "data"
	nodeCfg.PrivValidator.KeyFile, nodeCfg.PrivValidator.StateFile = relKeyPaths(0)
	nodeCfg.Logging.FileName = "gbftsim.log"
	if cfg.Difficulty > 0 {
		nodeCfg.PoW.Enabled = true
		nodeCfg.PoW.Difficulty = cfg.Difficulty
	}

	for i := 0; i < cfg.Validators; i++ {
		keyFile, stateFile := KeyPaths(cfg.Home, i)
		pv, err := privval.GenerateFilePV(keyFile, stateFile)
		if err != nil {
			return "", fmt.Errorf("validator %d: %w", i, err)
		}
		nodeCfg.AddValidator(fmt.Sprintf("node%d", i), pv.PubKey(), 1)
	}
	if err := nodeCfg.Validate(); err != nil {
		return "", err
	}
	if err := nodeCfg.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

func relKeyPaths(i int) (string, string) {
	return KeyPaths("", i)
}
