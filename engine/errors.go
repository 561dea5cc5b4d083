package engine

import "errors"

// Consensus errors
var (
	ErrInvalidVote           = errors.New("invalid vote")
	ErrUnknownValidator      = errors.New("unknown validator")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInvalidProposal       = errors.New("invalid proposal")
	ErrNotProposer           = errors.New("not the proposer for this round")
	ErrStaleHeight           = errors.New("message below pruned height")
	ErrRoundTooFar           = errors.New("round too far ahead")
	ErrInvalidMessage        = errors.New("invalid consensus message")
	ErrInvalidConfig         = errors.New("invalid consensus config")
	ErrAlreadyStarted        = errors.New("consensus already started")
	ErrNotStarted            = errors.New("consensus not started")
	ErrHalted                = errors.New("consensus halted")
	ErrEventQueueFull        = errors.New("consensus event queue full")
	ErrWALWrite              = errors.New("WAL write failed")
	ErrWALReplay             = errors.New("WAL replay failed")
	ErrInconsistentWAL       = errors.New("WAL inconsistent with consensus state")
	ErrRecoveryExhausted     = errors.New("recovery retries exhausted")
	ErrNotValidatorSetMember = errors.New("private validator not in validator set")
)
