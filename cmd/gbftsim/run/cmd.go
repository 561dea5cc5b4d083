package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/blockberries/gbft/cmd/gbftsim/initnet"
	"github.com/blockberries/gbft/config"
	"github.com/blockberries/gbft/engine"
	"github.com/blockberries/gbft/logging"
	"github.com/blockberries/gbft/privval"
	"github.com/blockberries/gbft/sim"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a validator cluster until it commits the requested heights",
		RunE:  runFunc,
	}
	AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, args []string) (err error) {
	cfg, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}

	opts, logCfg, err := options(cfg)
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, logger.Close())
	}()
	opts.Logger = logger.Logger

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := context.WithTimeout(c.Context(), cfg.Deadline)
	defer cancel()
	res, runErr := sim.Run(ctx, opts)
	if res != nil {
		report(logger.Logger, res)
	}
	return runErr
}

// options builds the simulation from the flags, or from the network
// directory when --home is set.
func options(cfg *Config) (sim.Options, logging.Config, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel

	if cfg.Home == "" {
		consensus := engine.DefaultConfig()
		consensus.ChainID = "gbftsim"
		consensus.Timeouts = engine.TimeoutConfig{
			Base:          cfg.BaseTimeout,
			BackoffFactor: cfg.Backoff,
			Max:           cfg.BaseTimeout * 16,
		}
		if err := consensus.ValidateBasic(); err != nil {
			return sim.Options{}, logCfg, err
		}
		return sim.Options{
			Consensus:  consensus,
			Validators: cfg.Validators,
			Heights:    cfg.Heights,
			Offline:    cfg.Offline,
			WALDir:     cfg.WALDir,
			Difficulty: cfg.Difficulty,
			Namespace:  "gbft",
		}, logCfg, nil
	}

	nodeCfg, err := config.Load(initnet.ConfigPath(cfg.Home))
	if err != nil {
		return sim.Options{}, logCfg, err
	}
	valSet, err := nodeCfg.ValidatorSet()
	if err != nil {
		return sim.Options{}, logCfg, err
	}
	signers := make([]engine.PrivValidator, valSet.Size())
	for i := range signers {
		keyFile, stateFile := initnet.KeyPaths(cfg.Home, i)
		pv, err := privval.NewFilePV(keyFile, stateFile)
		if err != nil {
			return sim.Options{}, logCfg, fmt.Errorf("load key of validator %d: %w", i, err)
		}
		if !pv.PubKey().Equal(valSet.GetByIndex(uint32(i)).PublicKey) {
			return sim.Options{}, logCfg, fmt.Errorf("key of validator %d does not match config", i)
		}
		signers[i] = pv
	}

	opts := sim.Options{
		Consensus:    nodeCfg.EngineConfig(),
		ValidatorSet: valSet,
		Signers:      signers,
		Heights:      cfg.Heights,
		Offline:      cfg.Offline,
		WALDir:       nodeCfg.Consensus.WALPath,
		Evidence:     nodeCfg.Evidence,
		Namespace:    nodeCfg.Metrics.Namespace,
	}
	if nodeCfg.PoW.Enabled {
		opts.Difficulty = nodeCfg.PoW.Difficulty
	}
	if cfg.MetricsAddr == "" && nodeCfg.Metrics.Enabled {
		cfg.MetricsAddr = nodeCfg.Metrics.ListenAddr
	}
	return opts, nodeCfg.Logging, nil
}

func report(logger *zap.Logger, res *sim.Result) {
	for _, n := range res.Nodes {
		if n.Offline {
			logger.Info("node offline", zap.String("node", n.Name))
			continue
		}
		logger.Info("node final state",
			zap.String("node", n.Name),
			zap.Stringer("state", n.State),
			zap.Int("executed", n.Executed),
			zap.Int("evidence", n.Evidence),
			zap.Error(n.Err))
	}
	if len(res.Chain) > 0 {
		logger.Info("agreed chain",
			zap.Int("blocks", len(res.Chain)),
			zap.Stringer("head", res.Chain[len(res.Chain)-1]))
	}
}
