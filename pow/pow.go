// Package pow checks and produces proof-of-work seals over block headers.
// Consensus treats it as one more block validity rule: a Validator can be
// used as BlockExecutor.ValidateBlock, and Seal is called by the proposer
// before a block is proposed.
//
// The work function is the ethash quick check,
//
//	keccak256(keccak512(sealHash || nonce_le) || mixHash)
//
// without the DAG: the mix digest is fixed to keccak256(sealHash).
package pow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/blockberries/gbft/types"
)

var (
	ErrZeroDifficulty   = errors.New("zero difficulty")
	ErrInsufficientWork = errors.New("insufficient proof of work")
	ErrInvalidMixHash   = errors.New("invalid mix hash")
	ErrSealAborted      = errors.New("seal aborted")
)

// checkInterval is how many nonces Seal tries between context checks.
const checkInterval = 1 << 12

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// CalcDifficulty returns the work digest of a header hash, nonce and mix
// digest. A seal is valid when the digest, read as a big-endian integer,
// is at most Target(difficulty).
func CalcDifficulty(sealHash types.Hash, nonce uint64, mixHash types.Hash) types.Hash {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	seed := types.Keccak512(sealHash[:], n[:])
	return types.Keccak256(seed[:], mixHash[:])
}

// Target returns 2^256 / difficulty.
func Target(difficulty uint64) *big.Int {
	return new(big.Int).Div(two256, new(big.Int).SetUint64(difficulty))
}

// MixHash returns the mix digest a block with this seal hash must carry.
func MixHash(sealHash types.Hash) types.Hash {
	return types.Keccak256(sealHash[:])
}

// Verify checks the block's seal against the difficulty in its header.
func Verify(block *types.Block) error {
	h := block.Header
	if h.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	sealHash := block.SealHash()
	if h.MixHash != MixHash(sealHash) {
		return ErrInvalidMixHash
	}
	digest := CalcDifficulty(sealHash, h.Nonce, h.MixHash)
	if new(big.Int).SetBytes(digest[:]).Cmp(Target(h.Difficulty)) > 0 {
		return fmt.Errorf("%w: digest %s above target for difficulty %d", ErrInsufficientWork, digest.Short(), h.Difficulty)
	}
	return nil
}

// Seal sets the block's difficulty and searches nonces from start until the
// seal is valid. It fills in Nonce and MixHash, and gives up when ctx is done.
func Seal(ctx context.Context, block *types.Block, difficulty, start uint64) error {
	if difficulty == 0 {
		return ErrZeroDifficulty
	}
	block.Header.Difficulty = difficulty
	sealHash := block.SealHash()
	mix := MixHash(sealHash)
	target := Target(difficulty)

	digest := new(big.Int)
	for nonce := start; ; nonce++ {
		if (nonce-start)%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w after %d nonces: %w", ErrSealAborted, nonce-start, err)
			}
		}
		d := CalcDifficulty(sealHash, nonce, mix)
		if digest.SetBytes(d[:]).Cmp(target) <= 0 {
			block.Header.Nonce = nonce
			block.Header.MixHash = mix
			return nil
		}
	}
}

// Validator accepts blocks carrying a valid seal of at least MinDifficulty.
type Validator struct {
	MinDifficulty uint64
}

// ValidateBlock implements the executor's validity predicate.
func (v Validator) ValidateBlock(block *types.Block) bool {
	if block.Header.Difficulty < v.MinDifficulty {
		return false
	}
	return Verify(block) == nil
}
