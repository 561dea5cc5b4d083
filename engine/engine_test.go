package engine

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/privval"
	"github.com/blockberries/gbft/transport/memnet"
	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

type cluster struct {
	t       *testing.T
	cfg     *Config
	valSet  *types.ValidatorSet
	net     *memnet.Network
	engines map[int]*Engine
	execs   map[int]*testExecutor
	wals    map[int]*wal.MemWAL
}

// newCluster wires n equal-power validators over memnet. Validators listed
// in down are never created and are cut off from the network.
func newCluster(t *testing.T, n int, cfg *Config, down ...int) *cluster {
	t.Helper()
	return newClusterWith(t, n, cfg, nil, down...)
}

// newClusterWith is newCluster with wrap, if set, choosing each engine's
// network from its memnet endpoint.
func newClusterWith(t *testing.T, n int, cfg *Config, wrap func(i int, ep *memnet.Endpoint) Network, down ...int) *cluster {
	t.Helper()
	powers := make([]uint64, n)
	for i := range powers {
		powers[i] = 1
	}
	c := &cluster{
		t:       t,
		cfg:     cfg,
		valSet:  makeValSet(t, powers...),
		net:     memnet.New(),
		engines: make(map[int]*Engine),
		execs:   make(map[int]*testExecutor),
		wals:    make(map[int]*wal.MemWAL),
	}
	isDown := make(map[int]bool)
	for _, i := range down {
		isDown[i] = true
		c.net.SetOffline(uint32(i), true)
	}
	for i := 0; i < n; i++ {
		if isDown[i] {
			continue
		}
		exec := newTestExecutor(uint32(i))
		w := wal.NewMemWAL()
		var net Network = c.net.Endpoint(uint32(i))
		if wrap != nil {
			net = wrap(i, c.net.Endpoint(uint32(i)))
		}
		e, err := NewEngine(cfg, c.valSet, privval.NewMemPV(testKey(i)), exec, net,
			WithWAL(w),
			WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Named("node").With(zap.Int("node", i))))
		require.NoError(t, err)
		c.net.Register(uint32(i), e.HandleMessage)
		c.engines[i] = e
		c.execs[i] = exec
		c.wals[i] = w
	}
	return c
}

func (c *cluster) start() {
	for _, e := range c.engines {
		require.NoError(c.t, e.Start(c.t.Context()))
	}
}

func (c *cluster) stop() {
	for _, e := range c.engines {
		require.NoError(c.t, e.Stop())
	}
}

// awaitAgreement waits for every running validator to commit height and
// checks they all committed the same block.
func (c *cluster) awaitAgreement(height uint64) committed {
	c.t.Helper()
	var first *committed
	for i, exec := range c.execs {
		got := exec.await(c.t, height)
		if first == nil {
			first = &got
			continue
		}
		require.Equal(c.t, first.block.Hash(), got.block.Hash(), "validator %d disagrees at height %d", i, height)
	}
	return *first
}

func clusterConfig(base time.Duration) *Config {
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.WALPath = ""
	cfg.CheckpointInterval = 5
	cfg.Timeouts = TimeoutConfig{Base: base, BackoffFactor: 2, Max: 8 * base}
	return cfg
}

func TestAllHonestValidatorsCommitInFirstRound(t *testing.T) {
	cfg := clusterConfig(time.Second)
	cfg.InitialHeight = 1
	c := newCluster(t, 4, cfg)
	c.start()

	first := c.awaitAgreement(1)
	require.Equal(t, uint32(1), first.block.Header.Proposer)
	require.Equal(t, uint64(0), first.qc.Round)
	require.Equal(t, types.VoteKindPrecommit, first.qc.Kind)
	require.NoError(t, first.qc.Verify(testChainID, c.valSet))

	parent := first.block.Hash()
	for h := uint64(2); h <= 12; h++ {
		got := c.awaitAgreement(h)
		require.Equal(t, parent, got.block.Header.ParentHash)
		parent = got.block.Hash()
	}
	c.stop()

	// each log replays to the state its engine stopped in
	for i, e := range c.engines {
		rm := NewRecoveryManager(cfg, c.valSet, int64(i), c.wals[i], nil, nil)
		a, err := rm.Recover()
		require.NoError(t, err)
		b, err := rm.Recover()
		require.NoError(t, err)
		require.Equal(t, a.State.Bytes(), b.State.Bytes())
		require.Equal(t, e.State().Height, a.State.Height)
		require.Equal(t, e.State().LastCommitHash, a.State.LastCommitHash)

		_, err = c.wals[i].LoadCheckpoint()
		require.NoError(t, err, "validator %d never checkpointed", i)
	}
}

func TestOfflineLeaderIsSkipped(t *testing.T) {
	cfg := clusterConfig(250 * time.Millisecond)
	cfg.InitialHeight = 2
	c := newCluster(t, 4, cfg, 2)
	c.start()

	got := c.awaitAgreement(2)
	require.Equal(t, uint64(1), got.qc.Round)
	require.Equal(t, uint32(3), got.block.Header.Proposer)
	require.NoError(t, got.qc.Verify(testChainID, c.valSet))

	c.awaitAgreement(3)
	c.stop()

	for _, e := range c.engines {
		require.False(t, e.Halted())
	}
}

// equivocatingNetwork makes an otherwise honest engine Byzantine. Peers in
// twins first receive a conflicting copy of every proposal and vote it
// broadcasts, signed with the same key, and then the original.
type equivocatingNetwork struct {
	ep    *memnet.Endpoint
	key   ed25519.PrivateKey
	peers []uint32
	twins map[uint32]bool

	mu     sync.Mutex
	blocks map[types.Hash]types.Hash
}

func (n *equivocatingNetwork) Broadcast(data []byte) error {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return err
	}
	twin, err := types.EncodeMessage(n.conflicting(msg))
	if err != nil {
		return err
	}
	var errs error
	for _, peer := range n.peers {
		if n.twins[peer] {
			errs = multierr.Append(errs, n.ep.Send(peer, twin))
		}
		errs = multierr.Append(errs, n.ep.Send(peer, data))
	}
	return errs
}

func (n *equivocatingNetwork) Send(to uint32, data []byte) error {
	return n.ep.Send(to, data)
}

func (n *equivocatingNetwork) conflicting(msg *types.Message) *types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p := msg.Proposal; p != nil {
		block := p.Block.Copy()
		block.Data = append(block.Data, []byte("-twin")...)
		block.Header.DataHash = types.Keccak256(block.Data)
		n.blocks[p.BlockHash()] = block.Hash()
		n.blocks[block.Hash()] = p.BlockHash()

		q := types.NewProposal(p.Height, p.Round, block, p.Proposer)
		q.Signature = ed25519.Sign(n.key, types.ProposalSignBytes(testChainID, q))
		return types.ProposalMessage(q)
	}

	v := msg.Vote.Copy()
	switch twin, ok := n.blocks[v.BlockHash]; {
	case ok:
		v.BlockHash = twin
	case v.BlockHash.IsNil():
		v.BlockHash = types.Keccak256([]byte("no such block"))
	default:
		v.BlockHash = types.NilHash
	}
	v.Signature = ed25519.Sign(n.key, types.VoteSignBytes(testChainID, v))
	return types.VoteMessage(v)
}

// Validator 1 leads height 1 and sends validator 3 a different block than
// the others, then signs two conflicting votes in every round it votes in.
// Honest validators must still finalize the same block at every height,
// counting each of its votes once and reporting each conflict once.
func TestByzantineLeaderCannotSplitHonestValidators(t *testing.T) {
	const byzantine = 1
	honest := []int{0, 2, 3}
	cfg := clusterConfig(100 * time.Millisecond)
	cfg.InitialHeight = 1
	cfg.CheckpointInterval = 0
	c := newClusterWith(t, 4, cfg, func(i int, ep *memnet.Endpoint) Network {
		if i != byzantine {
			return ep
		}
		return &equivocatingNetwork{
			ep:     ep,
			key:    testKey(byzantine),
			peers:  []uint32{0, 2, 3},
			twins:  map[uint32]bool{3: true},
			blocks: make(map[types.Hash]types.Hash),
		}
	})
	c.start()

	// validator 1 leads again at (5, 0)
	for h := uint64(1); h <= 5; h++ {
		want := c.execs[honest[0]].await(t, h).block.Hash()
		for _, i := range honest[1:] {
			require.Equal(t, want, c.execs[i].await(t, h).block.Hash(), "validator %d at height %d", i, h)
		}
	}
	c.stop()

	type slot struct {
		height, round uint64
		kind          wal.RecordKind
		vote          types.VoteKind
	}
	for _, i := range honest {
		require.False(t, c.engines[i].Halted())
		logged := make(map[slot]bool)
		for _, rec := range c.wals[i].Records() {
			s := slot{height: rec.Height, round: rec.Round, kind: rec.Kind}
			switch rec.Kind {
			case wal.KindVote:
				var v types.Vote
				require.NoError(t, rec.Decode(&v))
				if v.Validator != byzantine {
					continue
				}
				s.vote = v.Kind
			case wal.KindProposal:
				var p types.Proposal
				require.NoError(t, rec.Decode(&p))
				if p.Proposer != byzantine {
					continue
				}
			default:
				continue
			}
			require.False(t, logged[s], "validator %d counted %+v twice", i, s)
			logged[s] = true
		}
	}

	evs := c.engines[3].Evidence()
	reported := make(map[slot]bool)
	sawProposal := false
	for _, ev := range evs {
		require.Equal(t, uint32(byzantine), ev.Validator())
		require.NoError(t, ev.Verify(testChainID, c.valSet))
		var s slot
		switch ev := ev.(type) {
		case *evidence.DuplicateVoteEvidence:
			s = slot{height: ev.VoteA.Height, round: ev.VoteA.Round, kind: wal.KindVote, vote: ev.VoteA.Kind}
		case *evidence.ConflictingProposalEvidence:
			s = slot{height: ev.ProposalA.Height, round: ev.ProposalA.Round, kind: wal.KindProposal}
			sawProposal = true
		default:
			t.Fatalf("unexpected evidence %s", ev)
		}
		require.False(t, reported[s], "conflict %+v reported twice", s)
		reported[s] = true
	}
	require.True(t, sawProposal, "the split proposal at height 1 is reported")
	require.Greater(t, len(evs), 1)
	require.Empty(t, c.engines[0].Evidence(), "validator 0 never saw a conflict")
	require.Empty(t, c.engines[2].Evidence(), "validator 2 never saw a conflict")
}

func TestEngineReportsEquivocation(t *testing.T) {
	cfg := directConfig()
	cfg.InitialHeight = 1
	valSet := makeValSet(t, 1, 1, 1, 1)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics("gbft", reg)
	require.NoError(t, err)

	e, err := NewEngine(cfg, valSet, privvalFor(0), newTestExecutor(0), newRecordingNetwork(),
		WithWAL(wal.NewMemWAL()), WithMetrics(metrics), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()

	a := testBlock(1, types.NilHash, 1, "a").Hash()
	b := testBlock(1, types.NilHash, 1, "b").Hash()
	require.NoError(t, e.HandleMessage(2, mustEncode(t, types.VoteMessage(signedVote(t, 2, types.VoteKindPrevote, 1, 0, a)))))
	require.NoError(t, e.HandleMessage(2, mustEncode(t, types.VoteMessage(signedVote(t, 2, types.VoteKindPrevote, 1, 0, b)))))

	require.Eventually(t, func() bool { return len(e.Evidence()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := e.Evidence()[0]
	require.Equal(t, uint32(2), ev.Validator())
	require.NoError(t, ev.Verify(testChainID, valSet))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Equivocations))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Messages.WithLabelValues("Prevote", "equivocation")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Messages.WithLabelValues("Prevote", "accepted")))

	// registering the same collectors twice fails
	_, err = NewMetrics("gbft", reg)
	require.Error(t, err)
}

func TestEngineLifecycle(t *testing.T) {
	cfg := directConfig()
	valSet := makeValSet(t, 1, 1, 1, 1)
	e, err := NewEngine(cfg, valSet, privvalFor(0), newTestExecutor(0), newRecordingNetwork())
	require.NoError(t, err)
	require.Equal(t, testChainID, e.ChainID())
	require.Same(t, valSet, e.ValidatorSet())
	require.Nil(t, e.Metrics())

	require.ErrorIs(t, e.Stop(), ErrNotStarted)
	require.NoError(t, e.Start(t.Context()))
	require.ErrorIs(t, e.Start(t.Context()), ErrAlreadyStarted)

	st := e.State()
	require.Equal(t, uint64(0), st.Height)
	require.Equal(t, PhasePrevote, st.Phase, "validator 0 leads height 0 and prevotes its own proposal")

	require.ErrorIs(t, e.HandleMessage(1, []byte{0xff}), ErrInvalidMessage)
	require.NoError(t, e.Stop())
	require.ErrorIs(t, e.Start(t.Context()), ErrAlreadyStarted)
	require.False(t, e.Halted())
	require.NoError(t, e.Err())
}

// Canceling the Start context without calling Stop must not leave timers
// armed or timer goroutines waiting on the event queue.
func TestCanceledContextStopsTimers(t *testing.T) {
	cfg := directConfig()
	valSet := makeValSet(t, 1, 1, 1, 1)
	e, err := NewEngine(cfg, valSet, privvalFor(0), newTestExecutor(0), newRecordingNetwork(),
		WithWAL(wal.NewMemWAL()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, e.Start(ctx))
	require.Equal(t, PhasePrevote, e.State().Phase)
	require.Equal(t, 1, e.driver.scheduler.Pending())

	cancel()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("event loop still running")
	}
	require.Zero(t, e.driver.scheduler.Pending())

	// a late firing returns even with the queue full
	for i := 0; i <= cfg.EventQueueSize; i++ {
		e.driver.enqueueTimeout(TimeoutEvent{Height: 0, Phase: PhasePrevote})
	}
	vote := signedVote(t, 1, types.VoteKindPrevote, 0, 0, types.NilHash)
	require.ErrorIs(t, e.HandleMessage(1, mustEncode(t, types.VoteMessage(vote))), ErrNotStarted)

	require.False(t, e.Halted())
	require.NoError(t, e.Stop())
}

func TestNewEngineValidation(t *testing.T) {
	valSet := makeValSet(t, 1, 1, 1, 1)
	exec := newTestExecutor(0)
	net := newRecordingNetwork()

	_, err := NewEngine(nil, valSet, privvalFor(0), exec, net)
	require.ErrorIs(t, err, ErrInvalidConfig)

	bad := directConfig()
	bad.ChainID = ""
	_, err = NewEngine(bad, valSet, privvalFor(0), exec, net)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(directConfig(), nil, privvalFor(0), exec, net)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(directConfig(), valSet, privvalFor(0), nil, net)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(directConfig(), valSet, privvalFor(5), exec, net)
	require.ErrorIs(t, err, ErrNotValidatorSetMember)
}
