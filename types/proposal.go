package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

var (
	ErrInvalidProposal          = errors.New("invalid proposal")
	ErrInvalidProposalSignature = errors.New("invalid proposal signature")
)

// Proposal is the leader's signed block for a (height, round).
type Proposal struct {
	Height    uint64 `cbor:"1,keyasint"`
	Round     uint64 `cbor:"2,keyasint"`
	Block     Block  `cbor:"3,keyasint"`
	Proposer  uint32 `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

type canonicalProposal struct {
	ChainID   string `cbor:"1,keyasint"`
	Height    uint64 `cbor:"2,keyasint"`
	Round     uint64 `cbor:"3,keyasint"`
	BlockHash Hash   `cbor:"4,keyasint"`
	Proposer  uint32 `cbor:"5,keyasint"`
}

// ProposalSignBytes returns the bytes to sign for a proposal. Only the block
// hash is signed; the block itself is bound through its header hash.
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	return MustMarshal(&canonicalProposal{
		ChainID:   chainID,
		Height:    p.Height,
		Round:     p.Round,
		BlockHash: p.Block.Hash(),
		Proposer:  p.Proposer,
	})
}

// NewProposal creates an unsigned proposal.
func NewProposal(height, round uint64, block *Block, proposer uint32) *Proposal {
	return &Proposal{
		Height:   height,
		Round:    round,
		Block:    *block.Copy(),
		Proposer: proposer,
	}
}

// BlockHash returns the hash of the proposed block.
func (p *Proposal) BlockHash() Hash {
	return p.Block.Hash()
}

// ValidateBasic performs stateless checks.
func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidProposal)
	}
	if p.Block.Header.Height != p.Height {
		return fmt.Errorf("%w: block height %d at proposal height %d", ErrInvalidProposal, p.Block.Header.Height, p.Height)
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrInvalidProposal, len(p.Signature))
	}
	return nil
}

// Copy returns a deep copy.
func (p *Proposal) Copy() *Proposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Block = *p.Block.Copy()
	if p.Signature != nil {
		cp.Signature = make([]byte, len(p.Signature))
		copy(cp.Signature, p.Signature)
	}
	return &cp
}

// VerifyProposalSignature verifies the proposer's signature.
func VerifyProposalSignature(chainID string, p *Proposal, pubKey ed25519.PublicKey) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrInvalidProposalSignature, len(pubKey))
	}
	if !ed25519.Verify(pubKey, ProposalSignBytes(chainID, p), p.Signature) {
		return ErrInvalidProposalSignature
	}
	return nil
}
