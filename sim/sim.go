// Package sim runs a cluster of consensus engines in one process over the
// in-memory transport. It backs the gbftsim command and end-to-end tests.
package sim

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/gbft/engine"
	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/privval"
	"github.com/blockberries/gbft/transport/memnet"
	"github.com/blockberries/gbft/types"
)

var (
	ErrInvalidOptions = errors.New("invalid simulation options")
	ErrDisagreement   = errors.New("validators committed different blocks")
	ErrNodeHalted     = errors.New("node halted")
)

// Options describes a simulation.
type Options struct {
	// Consensus is the engine config shared by every node.
	Consensus *engine.Config
	// ValidatorSet and Signers describe the cluster. When ValidatorSet is
	// nil, Validators nodes with deterministic keys are created.
	ValidatorSet *types.ValidatorSet
	Signers      []engine.PrivValidator
	Validators   int
	// Heights is how many heights every online node must commit.
	Heights uint64
	// Offline validators never start and are cut off from the network.
	Offline []uint32
	// WALDir holds one file WAL per node. Empty keeps the logs in memory.
	WALDir string
	// Difficulty turns on proof-of-work sealing when non-zero.
	Difficulty uint64
	Evidence   evidence.Config
	// Registerer receives per-node metrics labelled by node name.
	Registerer prometheus.Registerer
	Namespace  string
	Logger     *zap.Logger
}

// NodeResult is the final view of one validator.
type NodeResult struct {
	Index    uint32
	Name     string
	Offline  bool
	State    engine.ConsensusState
	Executed int
	Evidence int
	Err      error
}

// Result summarizes a finished simulation.
type Result struct {
	Nodes     []NodeResult
	Chain     []types.Hash
	Elapsed   time.Duration
	Delivered uint64
	Dropped   uint64
}

type node struct {
	index   uint32
	name    string
	offline bool
	engine  *engine.Engine
	exec    *Executor
}

// DeterministicKey derives validator i's key from a fixed seed, so
// separate runs agree on the validator set.
func DeterministicKey(i int) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, fmt.Sprintf("gbftsim-validator-%d", i))
	return ed25519.NewKeyFromSeed(seed)
}

func (o *Options) setDefaults() error {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Consensus == nil {
		o.Consensus = engine.DefaultConfig()
		o.Consensus.WALPath = ""
	}
	if o.Evidence.MaxPending == 0 {
		o.Evidence = evidence.DefaultConfig()
	}
	if o.Heights == 0 {
		return fmt.Errorf("%w: no heights to commit", ErrInvalidOptions)
	}
	if o.ValidatorSet == nil {
		if o.Validators <= 0 {
			return fmt.Errorf("%w: need at least one validator", ErrInvalidOptions)
		}
		vals := make([]*types.Validator, o.Validators)
		o.Signers = make([]engine.PrivValidator, o.Validators)
		for i := range vals {
			key := DeterministicKey(i)
			vals[i] = &types.Validator{
				Name:        fmt.Sprintf("node%d", i),
				PublicKey:   key.Public().(ed25519.PublicKey),
				VotingPower: 1,
			}
			o.Signers[i] = privval.NewMemPV(key)
		}
		vs, err := types.NewValidatorSet(vals)
		if err != nil {
			return err
		}
		o.ValidatorSet = vs
	}
	if len(o.Signers) != o.ValidatorSet.Size() {
		return fmt.Errorf("%w: %d signers for %d validators", ErrInvalidOptions, len(o.Signers), o.ValidatorSet.Size())
	}
	for _, id := range o.Offline {
		if int(id) >= o.ValidatorSet.Size() {
			return fmt.Errorf("%w: offline validator %d out of range", ErrInvalidOptions, id)
		}
	}
	return nil
}

// Run starts the cluster, waits until every online node has executed
// Heights more blocks, stops it and checks that all
// nodes executed the same chain.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	start := time.Now()
	net := memnet.New()

	nodes, err := buildNodes(net, &opts)
	if err != nil {
		return nil, err
	}

	var started []*node
	stopAll := func() error {
		var errs error
		for _, n := range started {
			errs = multierr.Append(errs, n.engine.Stop())
		}
		started = nil
		return errs
	}
	for _, n := range nodes {
		if n.offline {
			continue
		}
		if err := n.engine.Start(ctx); err != nil {
			return nil, multierr.Append(fmt.Errorf("start %s: %w", n.name, err), stopAll())
		}
		started = append(started, n)
	}

	// a node restarted over an existing WAL resumes where it stopped
	base := opts.Consensus.InitialHeight
	for _, n := range started {
		base = max(base, n.engine.State().Height)
	}
	target := base + opts.Heights - 1
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range started {
		g.Go(func() error {
			return n.awaitHeight(gctx, target)
		})
	}
	waitErr := g.Wait()
	stopErr := stopAll()

	res := &Result{Elapsed: time.Since(start)}
	res.Delivered, res.Dropped = net.Stats()
	for _, n := range nodes {
		nr := NodeResult{Index: n.index, Name: n.name, Offline: n.offline}
		if !n.offline {
			nr.State = n.engine.State()
			nr.Executed = n.exec.Executed()
			nr.Evidence = len(n.engine.Evidence())
			nr.Err = n.engine.Err()
		}
		res.Nodes = append(res.Nodes, nr)
	}
	if err := multierr.Append(waitErr, stopErr); err != nil {
		return res, err
	}

	chain, err := checkAgreement(nodes, base, target)
	res.Chain = chain
	if err != nil {
		return res, err
	}
	opts.Logger.Info("simulation finished",
		zap.Int("validators", len(nodes)),
		zap.Int("offline", len(opts.Offline)),
		zap.Uint64("heights", opts.Heights),
		zap.Duration("elapsed", res.Elapsed),
		zap.Uint64("delivered", res.Delivered),
		zap.Uint64("dropped", res.Dropped))
	return res, nil
}

func buildNodes(net *memnet.Network, opts *Options) ([]*node, error) {
	offline := make(map[uint32]bool, len(opts.Offline))
	for _, id := range opts.Offline {
		offline[id] = true
	}

	nodes := make([]*node, 0, opts.ValidatorSet.Size())
	for _, v := range opts.ValidatorSet.Validators {
		n := &node{index: v.Index, name: v.Name, offline: offline[v.Index]}
		nodes = append(nodes, n)
		if n.offline {
			net.Register(v.Index, func(uint32, []byte) error { return nil })
			net.SetOffline(v.Index, true)
			continue
		}

		logger := opts.Logger.With(zap.String("node", v.Name))
		cfg := *opts.Consensus
		cfg.WALPath = ""
		if opts.WALDir != "" {
			cfg.WALPath = filepath.Join(opts.WALDir, v.Name)
		}

		pool, err := evidence.NewPool(opts.Evidence)
		if err != nil {
			return nil, err
		}
		engineOpts := []engine.Option{
			engine.WithLogger(logger),
			engine.WithEvidencePool(pool),
		}
		if opts.Registerer != nil {
			reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": v.Name}, opts.Registerer)
			m, err := engine.NewMetrics(opts.Namespace, reg)
			if err != nil {
				return nil, err
			}
			engineOpts = append(engineOpts, engine.WithMetrics(m))
		}

		n.exec = NewExecutor(v.Index, opts.Difficulty, logger)
		eng, err := engine.NewEngine(&cfg, opts.ValidatorSet, opts.Signers[v.Index], n.exec, net.Endpoint(v.Index), engineOpts...)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", v.Name, err)
		}
		n.engine = eng
		net.Register(v.Index, eng.HandleMessage)
	}
	return nodes, nil
}

func (n *node) awaitHeight(ctx context.Context, height uint64) error {
	for {
		if _, ok := n.exec.HashAt(height); ok {
			return nil
		}
		select {
		case <-n.exec.notify:
		case <-n.engine.HaltCh():
			return fmt.Errorf("%w: %s: %w", ErrNodeHalted, n.name, n.engine.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s at height %d: %w", n.name, n.exec.Highest(), ctx.Err())
		}
	}
}

func checkAgreement(nodes []*node, from, to uint64) ([]types.Hash, error) {
	var chain []types.Hash
	for h := from; h <= to; h++ {
		var (
			want  types.Hash
			owner string
		)
		for _, n := range nodes {
			if n.offline {
				continue
			}
			got, ok := n.exec.HashAt(h)
			if !ok {
				return chain, fmt.Errorf("%s did not execute height %d", n.name, h)
			}
			if owner == "" {
				want, owner = got, n.name
				continue
			}
			if got != want {
				return chain, fmt.Errorf("%w at height %d: %s has %s, %s has %s",
					ErrDisagreement, h, owner, want.Short(), n.name, got.Short())
			}
		}
		chain = append(chain, want)
	}
	return chain, nil
}
