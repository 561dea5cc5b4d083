package initnet

import (
	"errors"

	"github.com/spf13/pflag"
)

const (
	HomeKey       = "home"
	ValidatorsKey = "validators"
	ChainIDKey    = "chain-id"
	DifficultyKey = "difficulty"
	ForceKey      = "force"
)

var (
	errNoHome        = errors.New("--home is required")
	errBadValidators = errors.New("--validators must be at least 1")
)

func AddFlags(flags *pflag.FlagSet) {
	flags.String(HomeKey, "", "Directory to write the network into (required)")
	flags.Int(ValidatorsKey, 4, "Number of validators")
	flags.String(ChainIDKey, "gbft-local", "Chain ID")
	flags.Uint64(DifficultyKey, 0, "Enable proof-of-work blocks at this difficulty")
	flags.Bool(ForceKey, false, "Overwrite an existing network")
}

type Config struct {
	Home       string
	Validators int
	ChainID    string
	Difficulty uint64
	Force      bool
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	home, err := flags.GetString(HomeKey)
	if err != nil {
		return nil, err
	}
	if home == "" {
		return nil, errNoHome
	}
	validators, err := flags.GetInt(ValidatorsKey)
	if err != nil {
		return nil, err
	}
	if validators < 1 {
		return nil, errBadValidators
	}
	chainID, err := flags.GetString(ChainIDKey)
	if err != nil {
		return nil, err
	}
	difficulty, err := flags.GetUint64(DifficultyKey)
	if err != nil {
		return nil, err
	}
	force, err := flags.GetBool(ForceKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		Home:       home,
		Validators: validators,
		ChainID:    chainID,
		Difficulty: difficulty,
		Force:      force,
	}, nil
}
