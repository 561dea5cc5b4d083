package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

const testChainID = "test-chain"

func signedVote(i int, kind VoteKind, height, round uint64, block Hash) *Vote {
	v := &Vote{Kind: kind, Height: height, Round: round, BlockHash: block, Validator: uint32(i)}
	v.Signature = ed25519.Sign(testKey(i), VoteSignBytes(testChainID, v))
	return v
}

func TestVoteSignVerify(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	block := Keccak256([]byte("b1"))
	v := signedVote(2, VoteKindPrevote, 3, 1, block)

	require.NoError(t, v.ValidateBasic())
	require.NoError(t, VerifyVoteSignature(testChainID, v, vs.Validators[2].PublicKey))
	require.ErrorIs(t, VerifyVoteSignature("other-chain", v, vs.Validators[2].PublicKey), ErrInvalidVoteSignature)
	require.ErrorIs(t, VerifyVoteSignature(testChainID, v, vs.Validators[1].PublicKey), ErrInvalidVoteSignature)

	tampered := v.Copy()
	tampered.BlockHash = NilHash
	require.True(t, tampered.IsNil())
	require.ErrorIs(t, VerifyVoteSignature(testChainID, tampered, vs.Validators[2].PublicKey), ErrInvalidVoteSignature)
}

func TestVoteSignBytesDeterministic(t *testing.T) {
	v := &Vote{Kind: VoteKindPrecommit, Height: 7, Round: 2, BlockHash: Keccak256([]byte("b")), Validator: 1}
	a := VoteSignBytes(testChainID, v)
	v.Signature = []byte("ignored by sign bytes")
	require.Equal(t, a, VoteSignBytes(testChainID, v))
}

func TestVoteValidateBasic(t *testing.T) {
	v := signedVote(0, VoteKindPrevote, 1, 0, NilHash)
	require.NoError(t, v.ValidateBasic())

	bad := v.Copy()
	bad.Kind = VoteKindUnknown
	require.ErrorIs(t, bad.ValidateBasic(), ErrInvalidVote)

	bad = v.Copy()
	bad.Signature = bad.Signature[:10]
	require.ErrorIs(t, bad.ValidateBasic(), ErrInvalidVote)
}

func TestProposalSignVerify(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	block := NewBlock(1, NilHash, 1, 1000, []byte("payload"))
	p := NewProposal(1, 0, block, 1)
	p.Signature = ed25519.Sign(testKey(1), ProposalSignBytes(testChainID, p))

	require.NoError(t, p.ValidateBasic())
	require.NoError(t, VerifyProposalSignature(testChainID, p, vs.Validators[1].PublicKey))
	require.Equal(t, block.Hash(), p.BlockHash())

	tampered := p.Copy()
	tampered.Block.Data = []byte("other")
	require.Error(t, tampered.ValidateBasic())

	tampered = p.Copy()
	tampered.Block.Header.Time++
	require.ErrorIs(t, VerifyProposalSignature(testChainID, tampered, vs.Validators[1].PublicKey), ErrInvalidProposalSignature)
}

func TestBlockSealHashIgnoresSeal(t *testing.T) {
	b := NewBlock(4, Keccak256([]byte("parent")), 0, 1, []byte("x"))
	seal := b.SealHash()
	id := b.Hash()

	b.Header.Nonce = 42
	b.Header.MixHash = Keccak256([]byte("mix"))
	require.Equal(t, seal, b.SealHash())
	require.NotEqual(t, id, b.Hash())
}

func TestQuorumCertificate(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	block := Keccak256([]byte("b1"))

	votes := []*Vote{
		signedVote(3, VoteKindPrecommit, 1, 0, block),
		signedVote(0, VoteKindPrecommit, 1, 0, block),
		signedVote(1, VoteKindPrecommit, 1, 0, block),
	}
	qc, err := NewQuorumCertificate(vs, votes)
	require.NoError(t, err)
	require.NoError(t, qc.Verify(testChainID, vs))
	require.Equal(t, uint64(3), qc.Power(vs))
	require.Equal(t, uint32(0), qc.Votes[0].Validator)
	require.Equal(t, uint32(3), qc.Votes[2].Validator)
	require.Equal(t, uint(3), qc.Signers().Count())
	require.False(t, qc.Signers().Test(2))

	// Mutating the input does not reach the certificate.
	votes[0].Round = 9
	require.NoError(t, qc.Verify(testChainID, vs))

	_, err = NewQuorumCertificate(vs, votes[1:])
	require.ErrorIs(t, err, ErrInsufficientPower)

	dup := []*Vote{votes[1], votes[1], votes[2]}
	_, err = NewQuorumCertificate(vs, dup)
	require.ErrorIs(t, err, ErrDuplicateQCSigner)

	mixed := []*Vote{
		signedVote(0, VoteKindPrecommit, 1, 0, block),
		signedVote(1, VoteKindPrecommit, 1, 0, block),
		signedVote(2, VoteKindPrecommit, 1, 0, NilHash),
	}
	_, err = NewQuorumCertificate(vs, mixed)
	require.ErrorIs(t, err, ErrInvalidQC)
}

func TestQuorumCertificateBadSignature(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	votes := []*Vote{
		signedVote(0, VoteKindPrevote, 2, 1, NilHash),
		signedVote(1, VoteKindPrevote, 2, 1, NilHash),
		signedVote(2, VoteKindPrevote, 2, 1, NilHash),
	}
	votes[2].Signature[0] ^= 0x01
	qc, err := NewQuorumCertificate(vs, votes)
	require.NoError(t, err)
	require.True(t, qc.IsNil())
	require.ErrorIs(t, qc.Verify(testChainID, vs), ErrInvalidQC)
}
