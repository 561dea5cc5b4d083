package evidence

import (
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gbft/types"
)

const chainID = "test-chain"

func testKey(i int) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, fmt.Sprintf("evidence-seed-%d", i))
	return ed25519.NewKeyFromSeed(seed)
}

func makeTestValidatorSet(t *testing.T) *types.ValidatorSet {
	t.Helper()
	vals := make([]*types.Validator, 3)
	for i := range vals {
		vals[i] = &types.Validator{
			Name:        fmt.Sprintf("val%d", i),
			PublicKey:   testKey(i).Public().(ed25519.PublicKey),
			VotingPower: 100,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func signedVote(i int, height, round uint64, block types.Hash) *types.Vote {
	v := &types.Vote{Kind: types.VoteKindPrevote, Height: height, Round: round, BlockHash: block, Validator: uint32(i)}
	v.Signature = ed25519.Sign(testKey(i), types.VoteSignBytes(chainID, v))
	return v
}

func signedProposal(i int, height, round uint64, data string) *types.Proposal {
	p := types.NewProposal(height, round, types.NewBlock(height, types.NilHash, uint32(i), 1, []byte(data)), uint32(i))
	p.Signature = ed25519.Sign(testKey(i), types.ProposalSignBytes(chainID, p))
	return p
}

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	return pool
}

func TestDuplicateVoteEvidenceVerify(t *testing.T) {
	valSet := makeTestValidatorSet(t)
	a := signedVote(1, 5, 0, types.Keccak256([]byte("block1")))
	b := signedVote(1, 5, 0, types.Keccak256([]byte("block2")))

	ev := NewDuplicateVoteEvidence(a, b)
	require.NoError(t, ev.Verify(chainID, valSet))
	require.Equal(t, uint64(5), ev.Height())
	require.Equal(t, uint32(1), ev.Validator())

	// Order of arguments does not change identity.
	require.Equal(t, ev.Hash(), NewDuplicateVoteEvidence(b, a).Hash())

	tests := []struct {
		name string
		b    *types.Vote
		err  error
	}{
		{"same block", signedVote(1, 5, 0, a.BlockHash), ErrSameBlockHash},
		{"different height", signedVote(1, 6, 0, b.BlockHash), ErrInvalidVoteHeight},
		{"different round", signedVote(1, 5, 1, b.BlockHash), ErrInvalidVoteRound},
		{"different validator", signedVote(2, 5, 0, b.BlockHash), ErrInvalidValidator},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := &DuplicateVoteEvidence{VoteA: a, VoteB: tc.b}
			require.ErrorIs(t, ev.Verify(chainID, valSet), tc.err)
		})
	}

	forged := b.Copy()
	forged.Signature = a.Signature
	require.ErrorIs(t, (&DuplicateVoteEvidence{VoteA: a, VoteB: forged}).Verify(chainID, valSet), types.ErrInvalidVoteSignature)
}

func TestConflictingProposalEvidenceVerify(t *testing.T) {
	valSet := makeTestValidatorSet(t)
	a := signedProposal(0, 3, 1, "one")
	b := signedProposal(0, 3, 1, "two")

	ev := NewConflictingProposalEvidence(a, b)
	require.NoError(t, ev.Verify(chainID, valSet))
	require.Equal(t, uint32(0), ev.Validator())

	same := &ConflictingProposalEvidence{ProposalA: a, ProposalB: a}
	require.ErrorIs(t, same.Verify(chainID, valSet), ErrSameBlockHash)

	other := &ConflictingProposalEvidence{ProposalA: a, ProposalB: signedProposal(1, 3, 1, "two")}
	require.ErrorIs(t, other.Verify(chainID, valSet), ErrInvalidValidator)
}

func TestPoolAddAndCommit(t *testing.T) {
	pool := newPool(t, DefaultConfig())
	valSet := makeTestValidatorSet(t)

	ev := NewDuplicateVoteEvidence(
		signedVote(0, 2, 0, types.Keccak256([]byte("x"))),
		signedVote(0, 2, 0, types.Keccak256([]byte("y"))),
	)
	require.NoError(t, pool.CheckAndAdd(ev, chainID, valSet))
	require.ErrorIs(t, pool.AddEvidence(ev), ErrDuplicateEvidence)
	require.Equal(t, 1, pool.Size())

	pending := pool.PendingEvidence(0)
	require.Len(t, pending, 1)
	pool.MarkCommitted(pending)

	require.Equal(t, 0, pool.Size())
	require.True(t, pool.IsCommitted(ev))
	require.ErrorIs(t, pool.AddEvidence(ev), ErrDuplicateEvidence)
}

func TestPoolRejectsInvalid(t *testing.T) {
	pool := newPool(t, DefaultConfig())
	valSet := makeTestValidatorSet(t)

	a := signedVote(0, 2, 0, types.Keccak256([]byte("x")))
	err := pool.CheckAndAdd(&DuplicateVoteEvidence{VoteA: a, VoteB: a}, chainID, valSet)
	require.ErrorIs(t, err, ErrInvalidEvidence)
	require.Equal(t, 0, pool.Size())
}

func TestPoolPendingOrderedByHeight(t *testing.T) {
	pool := newPool(t, DefaultConfig())
	for _, h := range []uint64{9, 3, 6} {
		ev := NewDuplicateVoteEvidence(
			signedVote(0, h, 0, types.Keccak256([]byte("x"))),
			signedVote(0, h, 0, types.Keccak256([]byte("y"))),
		)
		require.NoError(t, pool.AddEvidence(ev))
	}

	pending := pool.PendingEvidence(2)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(3), pending[0].Height())
	require.Equal(t, uint64(6), pending[1].Height())
}

func TestPoolBoundedAndExpiry(t *testing.T) {
	pool := newPool(t, Config{MaxAgeBlocks: 10, MaxPending: 2, MaxCommitted: 2})
	for h := uint64(1); h <= 3; h++ {
		ev := NewDuplicateVoteEvidence(
			signedVote(1, h, 0, types.Keccak256([]byte("x"))),
			signedVote(1, h, 0, types.Keccak256([]byte("y"))),
		)
		require.NoError(t, pool.AddEvidence(ev))
	}
	require.Equal(t, 2, pool.Size())

	pool.Update(13)
	require.Equal(t, 1, pool.Size())
	require.Equal(t, uint64(3), pool.PendingEvidence(0)[0].Height())

	old := NewDuplicateVoteEvidence(
		signedVote(1, 1, 0, types.Keccak256([]byte("x"))),
		signedVote(1, 1, 0, types.Keccak256([]byte("z"))),
	)
	require.ErrorIs(t, pool.AddEvidence(old), ErrEvidenceExpired)
}

func TestNewPoolRejectsZeroSizes(t *testing.T) {
	_, err := NewPool(Config{})
	require.Error(t, err)
}
