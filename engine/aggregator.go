package engine

import (
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/types"
)

// SubmitResult is the outcome of submitting a message to the Aggregator.
type SubmitResult uint8

const (
	Rejected SubmitResult = iota
	Accepted
	DuplicateIgnored
	EquivocationDetected
)

func (r SubmitResult) String() string {
	switch r {
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	case DuplicateIgnored:
		return "duplicate"
	case EquivocationDetected:
		return "equivocation"
	default:
		return fmt.Sprintf("SubmitResult(%d)", uint8(r))
	}
}

type roundKey struct {
	height uint64
	round  uint64
}

type quorumKey struct {
	height uint64
	round  uint64
	kind   types.VoteKind
}

type voteKey struct {
	quorumKey
	validator uint32
}

type tallyKey struct {
	quorumKey
	block types.Hash
}

type tally struct {
	power   uint64
	signers *bitset.BitSet
	votes   []*types.Vote
}

// Aggregator verifies, deduplicates and tallies votes and proposals, and
// turns the first quorum per (height, round, kind) into a QC. It is owned
// by the driver goroutine and is not safe for concurrent use.
type Aggregator struct {
	chainID string
	valSet  *types.ValidatorSet

	// minHeight is the pruning floor; anything below is rejected.
	minHeight uint64

	votes     map[voteKey]*types.Vote
	tallies   map[tallyKey]*tally
	quorums   map[quorumKey]*types.QuorumCertificate
	proposals map[roundKey]*types.Proposal
	// signers of any vote kind per round, for round catch-up
	roundSigners map[roundKey]*bitset.BitSet

	// highest non-nil prevote QC and first non-nil precommit QC per height
	latestPrevote map[uint64]*types.QuorumCertificate
	commitQC      map[uint64]*types.QuorumCertificate

	evidence []evidence.Evidence
	// OnEvidence, if set, is called for each equivocation detected.
	OnEvidence func(evidence.Evidence)
	// AdmitRound, if set, is asked before a verified vote or proposal from
	// validator is stored for (height, round). A false answer rejects the
	// message with ErrRoundTooFar.
	AdmitRound func(validator uint32, height, round uint64) bool
}

// NewAggregator creates an aggregator accepting messages from minHeight on.
func NewAggregator(chainID string, valSet *types.ValidatorSet, minHeight uint64) *Aggregator {
	return &Aggregator{
		chainID:       chainID,
		valSet:        valSet,
		minHeight:     minHeight,
		votes:         make(map[voteKey]*types.Vote),
		tallies:       make(map[tallyKey]*tally),
		quorums:       make(map[quorumKey]*types.QuorumCertificate),
		proposals:     make(map[roundKey]*types.Proposal),
		roundSigners:  make(map[roundKey]*bitset.BitSet),
		latestPrevote: make(map[uint64]*types.QuorumCertificate),
		commitQC:      make(map[uint64]*types.QuorumCertificate),
	}
}

// Submit dispatches a wire message to SubmitVote or SubmitProposal.
func (a *Aggregator) Submit(msg *types.Message) (SubmitResult, error) {
	switch {
	case msg == nil:
		return Rejected, ErrInvalidMessage
	case msg.Proposal != nil && msg.Vote == nil:
		return a.SubmitProposal(msg.Proposal)
	case msg.Vote != nil && msg.Proposal == nil:
		return a.SubmitVote(msg.Vote)
	default:
		return Rejected, fmt.Errorf("%w: kind %s", ErrInvalidMessage, msg.Kind())
	}
}

// SubmitVote verifies and tallies a vote. A second vote from the same
// validator for the same (height, round, kind) is never counted: identical
// copies are ignored and differing ones are recorded as evidence.
func (a *Aggregator) SubmitVote(v *types.Vote) (SubmitResult, error) {
	if err := v.ValidateBasic(); err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}
	if v.Height < a.minHeight {
		return Rejected, fmt.Errorf("%w: %d < %d", ErrStaleHeight, v.Height, a.minHeight)
	}
	val := a.valSet.GetByIndex(v.Validator)
	if val == nil {
		return Rejected, fmt.Errorf("%w: index %d", ErrUnknownValidator, v.Validator)
	}
	if err := types.VerifyVoteSignature(a.chainID, v, val.PublicKey); err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	qk := quorumKey{v.Height, v.Round, v.Kind}
	vk := voteKey{qk, v.Validator}
	if existing, ok := a.votes[vk]; ok {
		if existing.BlockHash == v.BlockHash {
			return DuplicateIgnored, nil
		}
		a.addEvidence(evidence.NewDuplicateVoteEvidence(existing, v))
		return EquivocationDetected, nil
	}
	if a.AdmitRound != nil && !a.AdmitRound(v.Validator, v.Height, v.Round) {
		return Rejected, fmt.Errorf("%w: %d/%d from %d", ErrRoundTooFar, v.Height, v.Round, v.Validator)
	}

	v = v.Copy()
	a.votes[vk] = v

	rk := roundKey{v.Height, v.Round}
	signers, ok := a.roundSigners[rk]
	if !ok {
		signers = bitset.New(uint(a.valSet.Size()))
		a.roundSigners[rk] = signers
	}
	signers.Set(uint(v.Validator))

	tk := tallyKey{qk, v.BlockHash}
	t, ok := a.tallies[tk]
	if !ok {
		t = &tally{signers: bitset.New(uint(a.valSet.Size()))}
		a.tallies[tk] = t
	}
	t.signers.Set(uint(v.Validator))
	t.power += val.VotingPower
	t.votes = append(t.votes, v)

	if _, formed := a.quorums[qk]; !formed && a.valSet.HasQuorum(t.power) {
		qc, err := types.NewQuorumCertificate(a.valSet, t.votes)
		if err != nil {
			// Votes were checked one by one above, so this is a bug.
			panic(fmt.Sprintf("CONSENSUS CRITICAL: build QC for %v: %v", qk, err))
		}
		a.quorums[qk] = qc
		a.noteQuorum(qc)
	}
	return Accepted, nil
}

func (a *Aggregator) noteQuorum(qc *types.QuorumCertificate) {
	if qc.IsNil() {
		return
	}
	switch qc.Kind {
	case types.VoteKindPrevote:
		if cur, ok := a.latestPrevote[qc.Height]; !ok || qc.Round > cur.Round {
			a.latestPrevote[qc.Height] = qc
		}
	case types.VoteKindPrecommit:
		if _, ok := a.commitQC[qc.Height]; !ok {
			a.commitQC[qc.Height] = qc
		}
	}
}

// SubmitProposal verifies a proposal. Only the round leader may propose,
// and only one proposal per (height, round) is kept.
func (a *Aggregator) SubmitProposal(p *types.Proposal) (SubmitResult, error) {
	if err := p.ValidateBasic(); err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if p.Height < a.minHeight {
		return Rejected, fmt.Errorf("%w: %d < %d", ErrStaleHeight, p.Height, a.minHeight)
	}
	val := a.valSet.GetByIndex(p.Proposer)
	if val == nil {
		return Rejected, fmt.Errorf("%w: index %d", ErrUnknownValidator, p.Proposer)
	}
	if leader := a.valSet.Leader(p.Height, p.Round); leader.Index != p.Proposer {
		return Rejected, fmt.Errorf("%w: %d at %d/%d, leader is %d",
			ErrNotProposer, p.Proposer, p.Height, p.Round, leader.Index)
	}
	if err := types.VerifyProposalSignature(a.chainID, p, val.PublicKey); err != nil {
		return Rejected, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	rk := roundKey{p.Height, p.Round}
	if existing, ok := a.proposals[rk]; ok {
		if existing.BlockHash() == p.BlockHash() {
			return DuplicateIgnored, nil
		}
		a.addEvidence(evidence.NewConflictingProposalEvidence(existing, p))
		return EquivocationDetected, nil
	}
	if a.AdmitRound != nil && !a.AdmitRound(p.Proposer, p.Height, p.Round) {
		return Rejected, fmt.Errorf("%w: %d/%d from %d", ErrRoundTooFar, p.Height, p.Round, p.Proposer)
	}
	a.proposals[rk] = p.Copy()
	return Accepted, nil
}

func (a *Aggregator) addEvidence(ev evidence.Evidence) {
	a.evidence = append(a.evidence, ev)
	if a.OnEvidence != nil {
		a.OnEvidence(ev)
	}
}

// QuorumReached returns the block hash holding a quorum for (height,
// round, kind). ok is false when there is no quorum yet; a quorum for nil
// returns the nil hash with ok true.
func (a *Aggregator) QuorumReached(height, round uint64, kind types.VoteKind) (types.Hash, bool) {
	qc, ok := a.quorums[quorumKey{height, round, kind}]
	if !ok {
		return types.NilHash, false
	}
	return qc.BlockHash, true
}

// QuorumCertificate returns the QC for (height, round, kind) or nil.
func (a *Aggregator) QuorumCertificate(height, round uint64, kind types.VoteKind) *types.QuorumCertificate {
	return a.quorums[quorumKey{height, round, kind}]
}

// LatestPrevoteQC returns the highest-round non-nil prevote QC at height.
func (a *Aggregator) LatestPrevoteQC(height uint64) *types.QuorumCertificate {
	return a.latestPrevote[height]
}

// CommitCandidate returns the non-nil precommit QC at height, if any.
func (a *Aggregator) CommitCandidate(height uint64) *types.QuorumCertificate {
	return a.commitQC[height]
}

// Proposal returns the accepted proposal for (height, round).
func (a *Aggregator) Proposal(height, round uint64) *types.Proposal {
	return a.proposals[roundKey{height, round}]
}

// Vote returns the counted vote of a validator, if any.
func (a *Aggregator) Vote(height, round uint64, kind types.VoteKind, validator uint32) *types.Vote {
	return a.votes[voteKey{quorumKey{height, round, kind}, validator}]
}

// Tally returns the power counted for block at (height, round, kind).
func (a *Aggregator) Tally(height, round uint64, kind types.VoteKind, block types.Hash) uint64 {
	if t, ok := a.tallies[tallyKey{quorumKey{height, round, kind}, block}]; ok {
		return t.power
	}
	return 0
}

// Votes returns the counted votes for (height, round, kind), ordered by
// validator index.
func (a *Aggregator) Votes(height, round uint64, kind types.VoteKind) []*types.Vote {
	var out []*types.Vote
	for k, v := range a.votes {
		if k.quorumKey == (quorumKey{height, round, kind}) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Validator < out[j].Validator })
	return out
}

// RoundPower returns the power of distinct validators that voted in
// (height, round), counting each validator once across kinds.
func (a *Aggregator) RoundPower(height, round uint64) uint64 {
	signers, ok := a.roundSigners[roundKey{height, round}]
	if !ok {
		return 0
	}
	var power uint64
	for i, ok := signers.NextSet(0); ok; i, ok = signers.NextSet(i + 1) {
		power += a.valSet.Validators[i].VotingPower
	}
	return power
}

// HighestRoundAbove returns the highest round above round at height where
// at least minPower has voted.
func (a *Aggregator) HighestRoundAbove(height, round, minPower uint64) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for rk := range a.roundSigners {
		if rk.height != height || rk.round <= round || (found && rk.round <= best) {
			continue
		}
		if a.RoundPower(height, rk.round) >= minPower {
			best, found = rk.round, true
		}
	}
	return best, found
}

// Evidence returns the equivocations detected so far.
func (a *Aggregator) Evidence() []evidence.Evidence {
	out := make([]evidence.Evidence, len(a.evidence))
	copy(out, a.evidence)
	return out
}

// MinHeight returns the pruning floor.
func (a *Aggregator) MinHeight() uint64 {
	return a.minHeight
}

// Prune drops everything below belowHeight and raises the floor.
func (a *Aggregator) Prune(belowHeight uint64) {
	if belowHeight <= a.minHeight {
		return
	}
	a.minHeight = belowHeight
	for k := range a.votes {
		if k.height < belowHeight {
			delete(a.votes, k)
		}
	}
	for k := range a.tallies {
		if k.height < belowHeight {
			delete(a.tallies, k)
		}
	}
	for k := range a.quorums {
		if k.height < belowHeight {
			delete(a.quorums, k)
		}
	}
	for k := range a.proposals {
		if k.height < belowHeight {
			delete(a.proposals, k)
		}
	}
	for k := range a.roundSigners {
		if k.height < belowHeight {
			delete(a.roundSigners, k)
		}
	}
	for h := range a.latestPrevote {
		if h < belowHeight {
			delete(a.latestPrevote, h)
		}
	}
	for h := range a.commitQC {
		if h < belowHeight {
			delete(a.commitQC, h)
		}
	}
	kept := a.evidence[:0]
	for _, ev := range a.evidence {
		if ev.Height() >= belowHeight {
			kept = append(kept, ev)
		}
	}
	a.evidence = kept
}
