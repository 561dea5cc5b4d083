package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// VoteKind distinguishes the two voting phases.
type VoteKind uint8

const (
	VoteKindUnknown VoteKind = iota
	VoteKindPrevote
	VoteKindPrecommit
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindPrevote:
		return "Prevote"
	case VoteKindPrecommit:
		return "Precommit"
	default:
		return fmt.Sprintf("VoteKind(%d)", uint8(k))
	}
}

// IsValid returns true for Prevote and Precommit.
func (k VoteKind) IsValid() bool {
	return k == VoteKindPrevote || k == VoteKindPrecommit
}

var (
	ErrInvalidVote          = errors.New("invalid vote")
	ErrInvalidVoteSignature = errors.New("invalid vote signature")
)

// Vote is a signed Prevote or Precommit. A nil BlockHash is a vote for nil.
type Vote struct {
	Kind      VoteKind `cbor:"1,keyasint"`
	Height    uint64   `cbor:"2,keyasint"`
	Round     uint64   `cbor:"3,keyasint"`
	BlockHash Hash     `cbor:"4,keyasint"`
	Validator uint32   `cbor:"5,keyasint"`
	Signature []byte   `cbor:"6,keyasint"`
}

type canonicalVote struct {
	ChainID   string   `cbor:"1,keyasint"`
	Kind      VoteKind `cbor:"2,keyasint"`
	Height    uint64   `cbor:"3,keyasint"`
	Round     uint64   `cbor:"4,keyasint"`
	BlockHash Hash     `cbor:"5,keyasint"`
	Validator uint32   `cbor:"6,keyasint"`
}

// VoteSignBytes returns the bytes to sign for a vote. The chain ID is part
// of the signed document so votes cannot be replayed across chains.
func VoteSignBytes(chainID string, v *Vote) []byte {
	return MustMarshal(&canonicalVote{
		ChainID:   chainID,
		Kind:      v.Kind,
		Height:    v.Height,
		Round:     v.Round,
		BlockHash: v.BlockHash,
		Validator: v.Validator,
	})
}

// IsNil returns true if the vote is for nil (no block).
func (v *Vote) IsNil() bool {
	return v.BlockHash.IsNil()
}

// ValidateBasic performs stateless checks.
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil", ErrInvalidVote)
	}
	if !v.Kind.IsValid() {
		return fmt.Errorf("%w: kind %s", ErrInvalidVote, v.Kind)
	}
	if len(v.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrInvalidVote, len(v.Signature))
	}
	return nil
}

// Copy returns a deep copy.
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Signature != nil {
		cp.Signature = make([]byte, len(v.Signature))
		copy(cp.Signature, v.Signature)
	}
	return &cp
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s %d/%d val=%d block=%s}", v.Kind, v.Height, v.Round, v.Validator, v.BlockHash.Short())
}

// VerifyVoteSignature verifies the signature on a vote.
func VerifyVoteSignature(chainID string, vote *Vote, pubKey ed25519.PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrInvalidVoteSignature, len(pubKey))
	}
	if !ed25519.Verify(pubKey, VoteSignBytes(chainID, vote), vote.Signature) {
		return ErrInvalidVoteSignature
	}
	return nil
}
