package types

import (
	"errors"
	"fmt"
)

var ErrInvalidBlock = errors.New("invalid block")

// Header is the hashed part of a block. Difficulty, Nonce and MixHash are
// only used by proof-of-work validation and are zero otherwise.
type Header struct {
	Height     uint64 `cbor:"1,keyasint"`
	ParentHash Hash   `cbor:"2,keyasint"`
	Time       int64  `cbor:"3,keyasint"`
	DataHash   Hash   `cbor:"4,keyasint"`
	Proposer   uint32 `cbor:"5,keyasint"`
	Difficulty uint64 `cbor:"6,keyasint,omitempty"`
	Nonce      uint64 `cbor:"7,keyasint,omitempty"`
	MixHash    Hash   `cbor:"8,keyasint"`
}

// Block is the value agreed upon at a height. Data is opaque to consensus.
type Block struct {
	Header Header `cbor:"1,keyasint"`
	Data   []byte `cbor:"2,keyasint"`
}

// NewBlock creates a block over data with DataHash filled in.
func NewBlock(height uint64, parent Hash, proposer uint32, timestamp int64, data []byte) *Block {
	return &Block{
		Header: Header{
			Height:     height,
			ParentHash: parent,
			Time:       timestamp,
			DataHash:   Keccak256(data),
			Proposer:   proposer,
		},
		Data: data,
	}
}

// Hash returns the block identity: keccak256 of the encoded header.
func (b *Block) Hash() Hash {
	if b == nil {
		return NilHash
	}
	return Keccak256(MustMarshal(&b.Header))
}

// SealHash returns the header hash with the seal fields zeroed. This is the
// value proof-of-work is computed over.
func (b *Block) SealHash() Hash {
	h := b.Header
	h.Nonce = 0
	h.MixHash = NilHash
	return Keccak256(MustMarshal(&h))
}

// ValidateBasic checks the block is self-consistent.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidBlock)
	}
	if Keccak256(b.Data) != b.Header.DataHash {
		return fmt.Errorf("%w: data hash mismatch", ErrInvalidBlock)
	}
	return nil
}

// Copy returns a deep copy.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	cp := &Block{Header: b.Header}
	if b.Data != nil {
		cp.Data = make([]byte, len(b.Data))
		copy(cp.Data, b.Data)
	}
	return cp
}
