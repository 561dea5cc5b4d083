// Package types defines the core data structures of the gbft agreement protocol.
//
// # Core Types
//
// Block: an opaque payload plus a header. Consensus never interprets Data;
// the header carries the parent link and optional proof-of-work seal fields.
//
// Vote: a signed Prevote or Precommit from one validator for one
// (height, round). A zero BlockHash is a vote for nil.
//
// Proposal: the leader's signed block for a (height, round).
//
// QuorumCertificate: votes of one kind for one block reference from distinct
// validators holding more than two-thirds of the total voting power.
//
// ValidatorSet: the fixed, ordered validator array. Array order drives leader
// rotation: the leader of (h, r) is Validators[(h+r) mod N].
//
// # Serialization
//
// Everything that is signed, hashed, logged or sent over the wire is encoded
// with deterministic CBOR (core deterministic encoding). Two nodes encoding
// the same value always produce the same bytes.
//
// # Hashing
//
// Block identity is Keccak-256 over the encoded header.
//
// # Usage Example
//
//	valSet, err := types.NewValidatorSet([]*types.Validator{
//	    {Name: "alice", PublicKey: pubA, VotingPower: 10},
//	    {Name: "bob", PublicKey: pubB, VotingPower: 10},
//	})
//
//	vote := &types.Vote{
//	    Kind:      types.VoteKindPrevote,
//	    Height:    1,
//	    Round:     0,
//	    BlockHash: block.Hash(),
//	    Validator: 0,
//	}
//	vote.Signature = ed25519.Sign(privKey, types.VoteSignBytes("chain-id", vote))
//	err = types.VerifyVoteSignature("chain-id", vote, valSet.GetByIndex(0).PublicKey)
package types
