package privval

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/blockberries/gbft/types"
)

var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrStepRegression   = errors.New("step regression")
	ErrKeyMismatch      = errors.New("public key does not match private key")
)

// PrivValidator signs consensus messages without ever signing two
// different messages for the same height, round and step.
type PrivValidator interface {
	PubKey() ed25519.PublicKey
	SignVote(chainID string, vote *types.Vote) error
	SignProposal(chainID string, proposal *types.Proposal) error
}

// Step orders the messages a validator signs within one round: the
// proposal first, then its prevote, then its precommit.
type Step int8

const (
	StepProposal Step = iota
	StepPrevote
	StepPrecommit
)

func (s Step) String() string {
	switch s {
	case StepProposal:
		return "proposal"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("step(%d)", int8(s))
	}
}

// VoteStep maps a vote kind to its step. Other kinds never reach the
// signer, so they panic.
func VoteStep(kind types.VoteKind) Step {
	switch kind {
	case types.VoteKindPrevote:
		return StepPrevote
	case types.VoteKindPrecommit:
		return StepPrecommit
	default:
		panic(fmt.Sprintf("privval: invalid vote kind: %v", kind))
	}
}

// LastSignState is the last (height, round, step) signed and the document
// signed there.
type LastSignState struct {
	Height uint64 `cbor:"1,keyasint"`
	Round  uint64 `cbor:"2,keyasint"`
	Step   Step   `cbor:"3,keyasint"`
	// SignBytesHash lets the identical document be signed again with the
	// cached signature.
	SignBytesHash types.Hash `cbor:"4,keyasint"`
	Signature     []byte     `cbor:"5,keyasint,omitempty"`
}

// CheckHRS returns nil when (height, round, step) is strictly after the
// last signed position, or when nothing was signed yet.
func (lss *LastSignState) CheckHRS(height uint64, round uint64, step Step) error {
	if len(lss.Signature) == 0 {
		return nil
	}
	switch {
	case height < lss.Height:
		return ErrHeightRegression
	case height > lss.Height:
		return nil
	case round < lss.Round:
		return ErrRoundRegression
	case round > lss.Round:
		return nil
	case step < lss.Step:
		return ErrStepRegression
	case step > lss.Step:
		return nil
	}
	return ErrDoubleSign
}
