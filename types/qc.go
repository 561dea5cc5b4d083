package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrInvalidQC          = errors.New("invalid quorum certificate")
	ErrInsufficientPower  = errors.New("insufficient voting power")
	ErrDuplicateQCSigner  = errors.New("duplicate signer in quorum certificate")
	ErrUnknownQCValidator = errors.New("unknown validator in quorum certificate")
)

// QuorumCertificate is a set of votes for the same (height, round, kind,
// block) from distinct validators holding more than two-thirds of the power.
// A QC is never modified after it is formed.
type QuorumCertificate struct {
	Height    uint64   `cbor:"1,keyasint"`
	Round     uint64   `cbor:"2,keyasint"`
	Kind      VoteKind `cbor:"3,keyasint"`
	BlockHash Hash     `cbor:"4,keyasint"`
	Votes     []*Vote  `cbor:"5,keyasint"`
}

// NewQuorumCertificate builds a QC from votes, sorting them by validator
// index. It checks the votes agree and reach quorum, not their signatures.
func NewQuorumCertificate(valSet *ValidatorSet, votes []*Vote) (*QuorumCertificate, error) {
	if len(votes) == 0 {
		return nil, fmt.Errorf("%w: no votes", ErrInvalidQC)
	}
	first := votes[0]
	qc := &QuorumCertificate{
		Height:    first.Height,
		Round:     first.Round,
		Kind:      first.Kind,
		BlockHash: first.BlockHash,
		Votes:     make([]*Vote, len(votes)),
	}
	for i, v := range votes {
		qc.Votes[i] = v.Copy()
	}
	sort.Slice(qc.Votes, func(i, j int) bool {
		return qc.Votes[i].Validator < qc.Votes[j].Validator
	})
	if err := qc.checkTally(valSet); err != nil {
		return nil, err
	}
	return qc, nil
}

// IsNil returns true if the QC certifies nil.
func (qc *QuorumCertificate) IsNil() bool {
	return qc.BlockHash.IsNil()
}

// Signers returns the set of validator indexes in the QC.
func (qc *QuorumCertificate) Signers() *bitset.BitSet {
	signers := bitset.New(uint(len(qc.Votes)))
	for _, v := range qc.Votes {
		signers.Set(uint(v.Validator))
	}
	return signers
}

// Power returns the summed voting power of the signers.
func (qc *QuorumCertificate) Power(valSet *ValidatorSet) uint64 {
	var power uint64
	for _, v := range qc.Votes {
		if val := valSet.GetByIndex(v.Validator); val != nil {
			power += val.VotingPower
		}
	}
	return power
}

// Verify checks every signature and the quorum.
func (qc *QuorumCertificate) Verify(chainID string, valSet *ValidatorSet) error {
	if err := qc.checkTally(valSet); err != nil {
		return err
	}
	for _, v := range qc.Votes {
		val := valSet.GetByIndex(v.Validator)
		if err := VerifyVoteSignature(chainID, v, val.PublicKey); err != nil {
			return fmt.Errorf("%w: validator %d: %v", ErrInvalidQC, v.Validator, err)
		}
	}
	return nil
}

func (qc *QuorumCertificate) checkTally(valSet *ValidatorSet) error {
	if !qc.Kind.IsValid() {
		return fmt.Errorf("%w: kind %s", ErrInvalidQC, qc.Kind)
	}
	seen := bitset.New(uint(valSet.Size()))
	var power uint64
	for _, v := range qc.Votes {
		if v.Height != qc.Height || v.Round != qc.Round || v.Kind != qc.Kind || v.BlockHash != qc.BlockHash {
			return fmt.Errorf("%w: vote %s does not match", ErrInvalidQC, v)
		}
		val := valSet.GetByIndex(v.Validator)
		if val == nil {
			return fmt.Errorf("%w: index %d", ErrUnknownQCValidator, v.Validator)
		}
		if seen.Test(uint(v.Validator)) {
			return fmt.Errorf("%w: validator %d", ErrDuplicateQCSigner, v.Validator)
		}
		seen.Set(uint(v.Validator))
		power += val.VotingPower
	}
	if !valSet.HasQuorum(power) {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientPower, power, valSet.TwoThirdsMajority())
	}
	return nil
}
