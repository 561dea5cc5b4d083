package engine

import (
	"fmt"

	"github.com/blockberries/gbft/types"
)

// Phase is the step of the round state machine.
type Phase uint8

const (
	PhaseNewHeight Phase = iota
	PhasePropose
	PhasePrevote
	PhasePrecommit
	PhaseCommit
	PhaseHalted
)

func (p Phase) String() string {
	switch p {
	case PhaseNewHeight:
		return "NewHeight"
	case PhasePropose:
		return "Propose"
	case PhasePrevote:
		return "Prevote"
	case PhasePrecommit:
		return "Precommit"
	case PhaseCommit:
		return "Commit"
	case PhaseHalted:
		return "Halted"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// ConsensusState is the part of the driver's state that is rebuilt from the
// WAL. It is owned by the driver goroutine; callers only ever see copies.
type ConsensusState struct {
	Height uint64 `cbor:"1,keyasint"`
	Round  uint64 `cbor:"2,keyasint"`
	Phase  Phase  `cbor:"3,keyasint"`

	// LockedBlock is the nil hash when no lock is held.
	LockedBlock types.Hash `cbor:"4,keyasint"`
	LockedRound uint64     `cbor:"5,keyasint"`

	LastCommitHeight uint64     `cbor:"6,keyasint"`
	LastCommitHash   types.Hash `cbor:"7,keyasint"`
}

// GenesisState is the state before anything is agreed at initialHeight.
func GenesisState(initialHeight uint64) ConsensusState {
	return ConsensusState{Height: initialHeight, Phase: PhaseNewHeight}
}

// Bytes returns the canonical encoding of the state. Two replays of the
// same log produce identical bytes.
func (cs ConsensusState) Bytes() []byte {
	return types.MustMarshal(&cs)
}

// IsLocked reports whether a block lock is held.
func (cs ConsensusState) IsLocked() bool {
	return !cs.LockedBlock.IsNil()
}

func (cs ConsensusState) String() string {
	return fmt.Sprintf("ConsensusState{%d/%d %s lock:%s@%d last:%d/%s}",
		cs.Height, cs.Round, cs.Phase, cs.LockedBlock.Short(), cs.LockedRound,
		cs.LastCommitHeight, cs.LastCommitHash.Short())
}

// WAL payloads. Proposal and Vote records carry *types.Proposal and
// *types.Vote directly.

// LockChange is the payload of a LockChange record.
type LockChange struct {
	Round     uint64     `cbor:"1,keyasint"`
	BlockHash types.Hash `cbor:"2,keyasint"`
}

// CommitRecord is the payload of a Commit record.
type CommitRecord struct {
	Block *types.Block             `cbor:"1,keyasint"`
	QC    *types.QuorumCertificate `cbor:"2,keyasint"`
	// Proposal that carried the block, nil when the block arrived in a
	// peer's commit.
	Proposal *types.Proposal `cbor:"3,keyasint"`
}

// ViewChange is the payload of a ViewChange record.
type ViewChange struct {
	From uint64 `cbor:"1,keyasint"`
	To   uint64 `cbor:"2,keyasint"`
}

// snapshot is what a checkpoint stores.
type snapshot struct {
	State      ConsensusState `cbor:"1,keyasint"`
	LastCommit *CommitRecord  `cbor:"2,keyasint,omitempty"`
}

type sentKey struct {
	round uint64
	kind  types.MessageKind
}

// heightState is everything the driver knows about the current height.
// The live driver and WAL replay mutate it through the same apply methods,
// which is what keeps a recovered state identical to the one that crashed.
type heightState struct {
	state ConsensusState
	self  int64 // own validator index, -1 for observers
	agg   *Aggregator

	// proposals at this height by block hash
	proposals map[types.Hash]*types.Proposal
	// own messages at this height, for rebroadcast after restart
	sent map[sentKey]*types.Message
	// view-changes at this height
	viewChanges uint

	lastCommit *CommitRecord
}

func newHeightState(state ConsensusState, self int64, agg *Aggregator) *heightState {
	return &heightState{
		state:     state,
		self:      self,
		agg:       agg,
		proposals: make(map[types.Hash]*types.Proposal),
		sent:      make(map[sentKey]*types.Message),
	}
}

// touch moves a fresh height into its first round once anything happens.
func (hs *heightState) touch() {
	if hs.state.Phase == PhaseNewHeight {
		hs.state.Phase = PhasePropose
	}
}

func (hs *heightState) isSelf(index uint32) bool {
	return hs.self >= 0 && uint32(hs.self) == index
}

func (hs *heightState) applyProposal(p *types.Proposal) {
	hs.touch()
	if _, ok := hs.proposals[p.BlockHash()]; !ok || p.Round == hs.state.Round {
		hs.proposals[p.BlockHash()] = p
	}
	if hs.isSelf(p.Proposer) {
		hs.sent[sentKey{p.Round, types.MessageKindProposal}] = types.ProposalMessage(p)
	}
}

func (hs *heightState) applyVote(v *types.Vote) {
	hs.touch()
	if !hs.isSelf(v.Validator) {
		return
	}
	msg := types.VoteMessage(v)
	hs.sent[sentKey{v.Round, msg.Kind()}] = msg
	if v.Round != hs.state.Round {
		return
	}
	switch v.Kind {
	case types.VoteKindPrevote:
		if hs.state.Phase < PhasePrevote {
			hs.state.Phase = PhasePrevote
		}
	case types.VoteKindPrecommit:
		if hs.state.Phase < PhasePrecommit {
			hs.state.Phase = PhasePrecommit
		}
	}
}

func (hs *heightState) applyLock(lc LockChange) {
	hs.touch()
	hs.state.LockedBlock = lc.BlockHash
	hs.state.LockedRound = lc.Round
}

func (hs *heightState) applyViewChange(vc ViewChange) {
	hs.state.Round = vc.To
	hs.state.Phase = PhasePropose
	hs.viewChanges++
}

// applyCommit finalizes the height and resets per-height state.
func (hs *heightState) applyCommit(rec *CommitRecord) {
	hs.state = ConsensusState{
		Height:           rec.Block.Header.Height + 1,
		Phase:            PhaseNewHeight,
		LastCommitHeight: rec.Block.Header.Height,
		LastCommitHash:   rec.Block.Hash(),
	}
	hs.lastCommit = rec
	hs.proposals = make(map[types.Hash]*types.Proposal)
	hs.sent = make(map[sentKey]*types.Message)
	hs.viewChanges = 0
	hs.agg.Prune(hs.state.Height)
}

// block returns a known block by hash.
func (hs *heightState) block(hash types.Hash) *types.Block {
	if p, ok := hs.proposals[hash]; ok {
		return &p.Block
	}
	return nil
}

// proposal returns the proposal for the given round, if one was accepted.
func (hs *heightState) proposal(round uint64) *types.Proposal {
	return hs.agg.Proposal(hs.state.Height, round)
}

// snapshot captures what a checkpoint needs.
func (hs *heightState) snapshot() *snapshot {
	return &snapshot{State: hs.state, LastCommit: hs.lastCommit}
}
