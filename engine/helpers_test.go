package engine

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/blockberries/gbft/privval"
	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

const testChainID = "test-chain"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testKey(i int) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, fmt.Sprintf("validator-seed-%d", i))
	return ed25519.NewKeyFromSeed(seed)
}

func makeValSet(t *testing.T, powers ...uint64) *types.ValidatorSet {
	t.Helper()
	vals := make([]*types.Validator, len(powers))
	for i, p := range powers {
		vals[i] = &types.Validator{
			Name:        fmt.Sprintf("val%d", i),
			PublicKey:   testKey(i).Public().(ed25519.PublicKey),
			VotingPower: p,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func signedVote(t *testing.T, val int, kind types.VoteKind, height, round uint64, block types.Hash) *types.Vote {
	t.Helper()
	v := &types.Vote{Kind: kind, Height: height, Round: round, BlockHash: block, Validator: uint32(val)}
	v.Signature = ed25519.Sign(testKey(val), types.VoteSignBytes(testChainID, v))
	return v
}

func signedProposal(t *testing.T, val int, height, round uint64, block *types.Block) *types.Proposal {
	t.Helper()
	p := types.NewProposal(height, round, block, uint32(val))
	p.Signature = ed25519.Sign(testKey(val), types.ProposalSignBytes(testChainID, p))
	return p
}

func testBlock(height uint64, parent types.Hash, proposer uint32, data string) *types.Block {
	return types.NewBlock(height, parent, proposer, int64(height), []byte(data))
}

// directConfig never lets a timer fire on its own; tests deliver timeouts
// by hand.
func directConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.WALPath = ""
	cfg.CheckpointInterval = 0
	cfg.Timeouts = TimeoutConfig{Base: time.Hour, BackoffFactor: 2, Max: 4 * time.Hour}
	return cfg
}

type committed struct {
	block *types.Block
	qc    *types.QuorumCertificate
}

type testExecutor struct {
	id uint32

	mu       sync.Mutex
	byHeight map[uint64]committed
	calls    map[uint64]int
	ch       chan committed
}

func newTestExecutor(id uint32) *testExecutor {
	return &testExecutor{
		id:       id,
		byHeight: make(map[uint64]committed),
		calls:    make(map[uint64]int),
		ch:       make(chan committed, 1024),
	}
}

func (e *testExecutor) ProposeBlock(height uint64, parent types.Hash) (*types.Block, error) {
	return testBlock(height, parent, e.id, fmt.Sprintf("block-%d-by-%d", height, e.id)), nil
}

func (e *testExecutor) ValidateBlock(*types.Block) bool {
	return true
}

func (e *testExecutor) ExecuteBlock(block *types.Block, qc *types.QuorumCertificate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[block.Header.Height]++
	if _, ok := e.byHeight[block.Header.Height]; ok {
		return
	}
	c := committed{block: block, qc: qc}
	e.byHeight[block.Header.Height] = c
	select {
	case e.ch <- c:
	default:
	}
}

func (e *testExecutor) callsAt(height uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[height]
}

func (e *testExecutor) await(t *testing.T, height uint64) committed {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		e.mu.Lock()
		c, ok := e.byHeight[height]
		e.mu.Unlock()
		if ok {
			return c
		}
		select {
		case <-e.ch:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("validator %d: no commit at height %d", e.id, height)
		}
	}
}

// recordingNetwork decodes and keeps everything sent through it. It panics
// when asked to broadcast a message of kind panicOn, standing in for a
// crash in the middle of a broadcast.
type recordingNetwork struct {
	mu         sync.Mutex
	broadcasts []*types.Message
	sends      map[uint32][]*types.Message
	panicOn    types.MessageKind
}

func newRecordingNetwork() *recordingNetwork {
	return &recordingNetwork{sends: make(map[uint32][]*types.Message)}
}

func (n *recordingNetwork) Broadcast(data []byte) error {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return err
	}
	if n.panicOn != 0 && msg.Kind() == n.panicOn {
		panic("crash during broadcast")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, msg)
	return nil
}

func (n *recordingNetwork) Send(to uint32, data []byte) error {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends[to] = append(n.sends[to], msg)
	return nil
}

func (n *recordingNetwork) broadcastsOf(kind types.MessageKind) []*types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*types.Message
	for _, m := range n.broadcasts {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (n *recordingNetwork) sentTo(peer uint32) []*types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Message(nil), n.sends[peer]...)
}

// newTestDriver builds a driver for validator idx over a started WAL. The
// test drives it by calling handleEvent directly.
func newTestDriver(t *testing.T, cfg *Config, valSet *types.ValidatorSet, idx int, w wal.WAL, net Network, exec BlockExecutor, metrics *Metrics) *driver {
	t.Helper()
	d, err := newDriver(cfg, valSet, privval.NewMemPV(testKey(idx)), w, exec, net, nil,
		zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)), metrics)
	require.NoError(t, err)
	t.Cleanup(d.stop)
	return d
}

func messageEvent(from int, msg *types.Message) event {
	return event{msg: msg, from: uint32(from)}
}

// fireTimer delivers the driver's current timeout as if it had elapsed.
func fireTimer(d *driver) {
	st := d.hs.state
	d.handleEvent(event{timeout: &TimeoutEvent{Height: st.Height, Round: st.Round, Phase: st.Phase, Handle: d.timer}})
}

func startedMemWAL(t *testing.T) *wal.MemWAL {
	t.Helper()
	w := wal.NewMemWAL()
	require.NoError(t, w.Start())
	return w
}

// driveCommit feeds d the leader's proposal and precommits from validators
// 1 to 3 at round 0, committing height on top of parent. d must be
// validator 0 and not the leader.
func driveCommit(t *testing.T, d *driver, parent types.Hash, height uint64) *types.Block {
	t.Helper()
	leader := int(d.valSet.Leader(height, 0).Index)
	require.NotZero(t, leader)
	block := testBlock(height, parent, uint32(leader), fmt.Sprintf("block-%d", height))
	d.handleEvent(messageEvent(leader, types.ProposalMessage(signedProposal(t, leader, height, 0, block))))
	for i := 1; i <= 3; i++ {
		d.handleEvent(messageEvent(i, types.VoteMessage(signedVote(t, i, types.VoteKindPrecommit, height, 0, block.Hash()))))
	}
	require.Equal(t, height+1, d.hs.state.Height)
	require.Equal(t, block.Hash(), d.hs.state.LastCommitHash)
	return block
}

func privvalFor(idx int) PrivValidator {
	return privval.NewMemPV(testKey(idx))
}

func mustEncode(t *testing.T, msg *types.Message) []byte {
	t.Helper()
	data, err := types.EncodeMessage(msg)
	require.NoError(t, err)
	return data
}
