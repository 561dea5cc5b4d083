package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
)

const (
	// MaxValidators is the maximum number of validators in a set.
	MaxValidators = 1 << 16

	// MaxTotalVotingPower bounds the total so quorum arithmetic cannot overflow.
	MaxTotalVotingPower = uint64(1) << 60
)

var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidVotingPower = errors.New("invalid voting power")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalPowerOverflow = errors.New("total voting power overflow")
	ErrEmptyValidatorName = errors.New("validator has empty name")
	ErrInvalidPublicKey   = errors.New("invalid validator public key")
)

// Validator is one member of the fixed validator set. Index is its position
// in the set and doubles as its identity on the wire.
type Validator struct {
	Index       uint32            `cbor:"1,keyasint" yaml:"-"`
	Name        string            `cbor:"2,keyasint" yaml:"name"`
	PublicKey   ed25519.PublicKey `cbor:"3,keyasint" yaml:"-"`
	VotingPower uint64            `cbor:"4,keyasint" yaml:"power"`
}

// ValidatorSet is the fixed, ordered validator array.
// It is immutable after construction and safe for concurrent reads.
type ValidatorSet struct {
	Validators []*Validator
	TotalPower uint64
	byName     map[string]*Validator
}

// NewValidatorSet copies validators in the given order, assigning Index
// from the array position.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(validators)),
		byName:     make(map[string]*Validator, len(validators)),
	}

	for i, v := range validators {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorName, i)
		}
		if len(v.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: validator %s has %d bytes", ErrInvalidPublicKey, v.Name, len(v.PublicKey))
		}
		if v.VotingPower == 0 {
			return nil, fmt.Errorf("%w: validator %s", ErrInvalidVotingPower, v.Name)
		}
		if _, exists := vs.byName[v.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.Name)
		}
		for _, prev := range vs.Validators[:i] {
			if bytes.Equal(prev.PublicKey, v.PublicKey) {
				return nil, fmt.Errorf("%w: %s shares a key with %s", ErrDuplicateValidator, v.Name, prev.Name)
			}
		}
		if vs.TotalPower > MaxTotalVotingPower-v.VotingPower {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalPowerOverflow, MaxTotalVotingPower)
		}

		pub := make(ed25519.PublicKey, len(v.PublicKey))
		copy(pub, v.PublicKey)
		val := &Validator{
			Index:       uint32(i),
			Name:        v.Name,
			PublicKey:   pub,
			VotingPower: v.VotingPower,
		}
		vs.Validators[i] = val
		vs.byName[v.Name] = val
		vs.TotalPower += v.VotingPower
	}

	return vs, nil
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByIndex returns a validator by index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint32) *Validator {
	if int(index) >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[index]
}

// GetByName returns a validator by name, or nil.
func (vs *ValidatorSet) GetByName(name string) *Validator {
	return vs.byName[name]
}

// GetByPublicKey returns the validator holding pub, or nil.
func (vs *ValidatorSet) GetByPublicKey(pub ed25519.PublicKey) *Validator {
	for _, v := range vs.Validators {
		if bytes.Equal(v.PublicKey, pub) {
			return v
		}
	}
	return nil
}

// Leader returns the leader for (height, round): Validators[(h+r) mod N].
// Rotation is by index only; voting power does not weight it.
func (vs *ValidatorSet) Leader(height, round uint64) *Validator {
	n := uint64(len(vs.Validators))
	// Reduce first so h+r cannot wrap.
	idx := (height%n + round%n) % n
	return vs.Validators[idx]
}

// TwoThirdsMajority returns the smallest voting power strictly greater than
// two-thirds of the total. Dividing first keeps the arithmetic inside
// uint64 for any total up to MaxTotalVotingPower.
func (vs *ValidatorSet) TwoThirdsMajority() uint64 {
	third := vs.TotalPower / 3
	remainder := vs.TotalPower % 3

	twoThirds := third + third
	if remainder == 2 {
		twoThirds++
	}
	return twoThirds + 1
}

// OneThirdPlus returns the smallest voting power strictly greater than one-third
// of the total. Any set of that size contains at least one honest validator.
func (vs *ValidatorSet) OneThirdPlus() uint64 {
	return vs.TotalPower/3 + 1
}

// HasQuorum reports whether power exceeds two-thirds of the total.
func (vs *ValidatorSet) HasQuorum(power uint64) bool {
	return power >= vs.TwoThirdsMajority()
}

// Hash returns a deterministic hash of the set (order, keys and powers).
func (vs *ValidatorSet) Hash() Hash {
	return Keccak256(MustMarshal(vs.Validators))
}
