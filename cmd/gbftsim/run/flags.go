package run

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

const (
	HomeKey        = "home"
	ValidatorsKey  = "validators"
	HeightsKey     = "heights"
	OfflineKey     = "offline"
	BaseTimeoutKey = "base-timeout"
	BackoffKey     = "backoff"
	WALDirKey      = "wal-dir"
	DifficultyKey  = "difficulty"
	DeadlineKey    = "deadline"
	LogLevelKey    = "log-level"
	MetricsAddrKey = "metrics-addr"
)

var errBadValidators = errors.New("--validators must be at least 1")

func AddFlags(flags *pflag.FlagSet) {
	flags.String(HomeKey, "", "Network directory written by initnet; overrides the cluster flags")
	flags.Int(ValidatorsKey, 4, "Number of validators")
	flags.Uint64(HeightsKey, 10, "Number of heights to commit")
	flags.UintSlice(OfflineKey, nil, "Indexes of validators that never come online")
	flags.Duration(BaseTimeoutKey, 500*time.Millisecond, "Round timeout at round 0")
	flags.Float64(BackoffKey, 2, "Timeout multiplier per round")
	flags.String(WALDirKey, "", "Directory for per-node file WALs (in memory when empty)")
	flags.Uint64(DifficultyKey, 0, "Proof-of-work difficulty of proposed blocks (0 disables)")
	flags.Duration(DeadlineKey, 5*time.Minute, "Give up after this long")
	flags.String(LogLevelKey, "info", "Log level")
	flags.String(MetricsAddrKey, "", "Serve prometheus metrics on this address while running")
}

type Config struct {
	Home        string
	Validators  int
	Heights     uint64
	Offline     []uint32
	BaseTimeout time.Duration
	Backoff     float64
	WALDir      string
	Difficulty  uint64
	Deadline    time.Duration
	LogLevel    string
	MetricsAddr string
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	home, err := flags.GetString(HomeKey)
	if err != nil {
		return nil, err
	}
	validators, err := flags.GetInt(ValidatorsKey)
	if err != nil {
		return nil, err
	}
	if validators < 1 {
		return nil, errBadValidators
	}
	heights, err := flags.GetUint64(HeightsKey)
	if err != nil {
		return nil, err
	}
	offline, err := flags.GetUintSlice(OfflineKey)
	if err != nil {
		return nil, err
	}
	baseTimeout, err := flags.GetDuration(BaseTimeoutKey)
	if err != nil {
		return nil, err
	}
	backoff, err := flags.GetFloat64(BackoffKey)
	if err != nil {
		return nil, err
	}
	walDir, err := flags.GetString(WALDirKey)
	if err != nil {
		return nil, err
	}
	difficulty, err := flags.GetUint64(DifficultyKey)
	if err != nil {
		return nil, err
	}
	deadline, err := flags.GetDuration(DeadlineKey)
	if err != nil {
		return nil, err
	}
	logLevel, err := flags.GetString(LogLevelKey)
	if err != nil {
		return nil, err
	}
	metricsAddr, err := flags.GetString(MetricsAddrKey)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Home:        home,
		Validators:  validators,
		Heights:     heights,
		BaseTimeout: baseTimeout,
		Backoff:     backoff,
		WALDir:      walDir,
		Difficulty:  difficulty,
		Deadline:    deadline,
		LogLevel:    logLevel,
		MetricsAddr: metricsAddr,
	}
	for _, id := range offline {
		cfg.Offline = append(cfg.Offline, uint32(id))
	}
	return cfg, nil
}
