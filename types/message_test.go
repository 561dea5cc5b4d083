package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeVote(t *testing.T) {
	v := signedVote(1, VoteKindPrecommit, 10, 2, Keccak256([]byte("b")))
	data, err := EncodeMessage(VoteMessage(v))
	require.NoError(t, err)
	require.Equal(t, byte(MessageKindPrecommit), data[0])

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Nil(t, msg.Proposal)
	require.Equal(t, v, msg.Vote)
	require.Equal(t, uint64(10), msg.Height())
	require.Equal(t, uint64(2), msg.Round())
	require.Equal(t, uint32(1), msg.Sender())
}

func TestMessageEncodeDecodeProposal(t *testing.T) {
	block := NewBlock(3, Keccak256([]byte("p")), 2, 55, []byte("data"))
	p := NewProposal(3, 1, block, 2)
	p.Signature = ed25519.Sign(testKey(2), ProposalSignBytes(testChainID, p))

	data, err := EncodeMessage(ProposalMessage(p))
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, MessageKindProposal, msg.Kind())
	require.Equal(t, p.BlockHash(), msg.Proposal.BlockHash())
	require.Equal(t, p.Signature, msg.Proposal.Signature)
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage(nil)
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeMessage([]byte{9, 0xa0})
	require.ErrorIs(t, err, ErrUnknownMessageKind)

	_, err = DecodeMessage([]byte{byte(MessageKindPrevote), 0xff, 0x00})
	require.ErrorIs(t, err, ErrMalformedMessage)

	// A precommit body inside a prevote frame is rejected.
	v := signedVote(0, VoteKindPrecommit, 1, 0, NilHash)
	data, err := EncodeMessage(VoteMessage(v))
	require.NoError(t, err)
	data[0] = byte(MessageKindPrevote)
	_, err = DecodeMessage(data)
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = EncodeMessage(&Message{})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func testCommit(t *testing.T, vs *ValidatorSet, block *Block, signers ...int) *Commit {
	t.Helper()
	votes := make([]*Vote, len(signers))
	for i, val := range signers {
		votes[i] = signedVote(val, VoteKindPrecommit, block.Header.Height, 1, block.Hash())
	}
	qc, err := NewQuorumCertificate(vs, votes)
	require.NoError(t, err)
	return &Commit{Block: block, QC: qc}
}

func TestMessageEncodeDecodeCommit(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	block := NewBlock(6, Keccak256([]byte("p")), 3, 60, []byte("data"))
	c := testCommit(t, vs, block, 0, 1, 3)

	data, err := EncodeMessage(CommitMessage(c))
	require.NoError(t, err)
	require.Equal(t, byte(MessageKindCommit), data[0])

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, MessageKindCommit, msg.Kind())
	require.Equal(t, uint64(6), msg.Height())
	require.Equal(t, uint64(1), msg.Round())
	require.Equal(t, uint32(3), msg.Sender())
	require.Equal(t, block.Hash(), msg.Commit.Block.Hash())
	require.NoError(t, msg.Commit.Verify(testChainID, vs))

	empty, err := Marshal(&Commit{})
	require.NoError(t, err)
	_, err = DecodeMessage(append([]byte{byte(MessageKindCommit)}, empty...))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCommitVerify(t *testing.T) {
	vs := makeValSet(t, 1, 1, 1, 1)
	block := NewBlock(2, Keccak256([]byte("p")), 3, 60, []byte("data"))
	other := NewBlock(2, Keccak256([]byte("p")), 3, 60, []byte("other"))

	require.NoError(t, testCommit(t, vs, block, 0, 1, 2).Verify(testChainID, vs))

	wrongBlock := testCommit(t, vs, block, 0, 1, 2)
	wrongBlock.Block = other
	require.ErrorIs(t, wrongBlock.Verify(testChainID, vs), ErrInvalidCommit)

	votes := []*Vote{
		signedVote(0, VoteKindPrevote, 2, 1, block.Hash()),
		signedVote(1, VoteKindPrevote, 2, 1, block.Hash()),
		signedVote(2, VoteKindPrevote, 2, 1, block.Hash()),
	}
	prevoteQC, err := NewQuorumCertificate(vs, votes)
	require.NoError(t, err)
	require.ErrorIs(t, (&Commit{Block: block, QC: prevoteQC}).Verify(testChainID, vs), ErrInvalidCommit)

	forged := testCommit(t, vs, block, 0, 1, 2)
	forged.QC.Votes[1].Signature[0] ^= 0x01
	err = forged.Verify(testChainID, vs)
	require.ErrorIs(t, err, ErrInvalidCommit)
	require.ErrorIs(t, err, ErrInvalidQC)

	require.ErrorIs(t, (&Commit{Block: block}).Verify(testChainID, vs), ErrInvalidCommit)
}
