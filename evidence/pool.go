package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockberries/gbft/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrInvalidVoteHeight = errors.New("votes have different heights")
	ErrInvalidVoteRound  = errors.New("votes have different rounds")
	ErrInvalidVoteType   = errors.New("votes have different types")
	ErrInvalidValidator  = errors.New("votes from different validators")
	ErrSameBlockHash     = errors.New("messages for same block are not equivocation")
)

// Evidence is a signed proof that a validator equivocated.
type Evidence interface {
	// Height of the offence
	Height() uint64
	// Validator index of the offender
	Validator() uint32
	// Hash uniquely identifies the evidence
	Hash() types.Hash
	// Verify checks the evidence against the validator set
	Verify(chainID string, valSet *types.ValidatorSet) error
	String() string
}

// DuplicateVoteEvidence proves a validator signed two votes of the same kind
// for different blocks at the same height and round.
type DuplicateVoteEvidence struct {
	VoteA *types.Vote `cbor:"1,keyasint"`
	VoteB *types.Vote `cbor:"2,keyasint"`
}

// NewDuplicateVoteEvidence orders the votes by block hash so the same pair
// always yields the same evidence.
func NewDuplicateVoteEvidence(a, b *types.Vote) *DuplicateVoteEvidence {
	if compareHash(a.BlockHash, b.BlockHash) > 0 {
		a, b = b, a
	}
	return &DuplicateVoteEvidence{VoteA: a.Copy(), VoteB: b.Copy()}
}

func (dve *DuplicateVoteEvidence) Height() uint64    { return dve.VoteA.Height }
func (dve *DuplicateVoteEvidence) Validator() uint32 { return dve.VoteA.Validator }

func (dve *DuplicateVoteEvidence) Hash() types.Hash {
	return types.Keccak256([]byte("dve"), types.MustMarshal(dve))
}

func (dve *DuplicateVoteEvidence) String() string {
	return fmt.Sprintf("DuplicateVote{val:%d %v %v}", dve.VoteA.Validator, dve.VoteA, dve.VoteB)
}

// Verify checks that the votes really conflict and are both signed by the
// same validator.
func (dve *DuplicateVoteEvidence) Verify(chainID string, valSet *types.ValidatorSet) error {
	a, b := dve.VoteA, dve.VoteB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing vote", ErrInvalidEvidence)
	}
	if a.Height != b.Height {
		return ErrInvalidVoteHeight
	}
	if a.Round != b.Round {
		return ErrInvalidVoteRound
	}
	if a.Kind != b.Kind {
		return ErrInvalidVoteType
	}
	if a.Validator != b.Validator {
		return ErrInvalidValidator
	}
	if a.BlockHash == b.BlockHash {
		return ErrSameBlockHash
	}

	val := valSet.GetByIndex(a.Validator)
	if val == nil {
		return ErrInvalidValidator
	}
	if err := types.VerifyVoteSignature(chainID, a, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on vote A: %w", err)
	}
	if err := types.VerifyVoteSignature(chainID, b, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on vote B: %w", err)
	}
	return nil
}

// ConflictingProposalEvidence proves a leader signed two different
// proposals for the same height and round.
type ConflictingProposalEvidence struct {
	ProposalA *types.Proposal `cbor:"1,keyasint"`
	ProposalB *types.Proposal `cbor:"2,keyasint"`
}

// NewConflictingProposalEvidence orders the proposals by block hash.
func NewConflictingProposalEvidence(a, b *types.Proposal) *ConflictingProposalEvidence {
	if compareHash(a.BlockHash(), b.BlockHash()) > 0 {
		a, b = b, a
	}
	return &ConflictingProposalEvidence{ProposalA: a.Copy(), ProposalB: b.Copy()}
}

func (cpe *ConflictingProposalEvidence) Height() uint64    { return cpe.ProposalA.Height }
func (cpe *ConflictingProposalEvidence) Validator() uint32 { return cpe.ProposalA.Proposer }

func (cpe *ConflictingProposalEvidence) Hash() types.Hash {
	return types.Keccak256([]byte("cpe"), types.MustMarshal(cpe))
}

func (cpe *ConflictingProposalEvidence) String() string {
	return fmt.Sprintf("ConflictingProposal{val:%d h:%d r:%d %s %s}",
		cpe.ProposalA.Proposer, cpe.ProposalA.Height, cpe.ProposalA.Round,
		cpe.ProposalA.BlockHash().Short(), cpe.ProposalB.BlockHash().Short())
}

func (cpe *ConflictingProposalEvidence) Verify(chainID string, valSet *types.ValidatorSet) error {
	a, b := cpe.ProposalA, cpe.ProposalB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing proposal", ErrInvalidEvidence)
	}
	if a.Height != b.Height {
		return ErrInvalidVoteHeight
	}
	if a.Round != b.Round {
		return ErrInvalidVoteRound
	}
	if a.Proposer != b.Proposer {
		return ErrInvalidValidator
	}
	if a.BlockHash() == b.BlockHash() {
		return ErrSameBlockHash
	}

	val := valSet.GetByIndex(a.Proposer)
	if val == nil {
		return ErrInvalidValidator
	}
	if err := types.VerifyProposalSignature(chainID, a, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on proposal A: %w", err)
	}
	if err := types.VerifyProposalSignature(chainID, b, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on proposal B: %w", err)
	}
	return nil
}

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeBlocks is how many heights evidence stays relevant
	MaxAgeBlocks uint64 `yaml:"max_age_blocks"`
	// MaxPending bounds the pending set; the least recently added
	// evidence is evicted first
	MaxPending int `yaml:"max_pending"`
	// MaxCommitted bounds the set of committed evidence hashes remembered
	// for deduplication
	MaxCommitted int `yaml:"max_committed"`
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeBlocks: 100000,
		MaxPending:   1024,
		MaxCommitted: 16384,
	}
}

// Pool holds verified evidence until it is committed or expires.
// It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	config Config

	pending   *lru.Cache[types.Hash, Evidence]
	committed *lru.Cache[types.Hash, struct{}]

	currentHeight uint64
}

// NewPool creates a new evidence pool
func NewPool(config Config) (*Pool, error) {
	if config.MaxPending <= 0 || config.MaxCommitted <= 0 {
		return nil, fmt.Errorf("%w: pool sizes must be positive", ErrInvalidEvidence)
	}
	pending, err := lru.New[types.Hash, Evidence](config.MaxPending)
	if err != nil {
		return nil, err
	}
	committed, err := lru.New[types.Hash, struct{}](config.MaxCommitted)
	if err != nil {
		return nil, err
	}
	return &Pool{
		config:    config,
		pending:   pending,
		committed: committed,
	}, nil
}

// Update records the current height and drops expired evidence.
func (p *Pool) Update(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	for _, key := range p.pending.Keys() {
		if ev, ok := p.pending.Peek(key); ok && p.isExpired(ev) {
			p.pending.Remove(key)
		}
	}
}

// AddEvidence adds evidence the caller has already verified.
func (p *Pool) AddEvidence(ev Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Hash()
	if p.committed.Contains(key) || p.pending.Contains(key) {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}
	p.pending.Add(key, ev)
	return nil
}

// CheckAndAdd verifies evidence before adding it.
func (p *Pool) CheckAndAdd(ev Evidence, chainID string, valSet *types.ValidatorSet) error {
	if err := ev.Verify(chainID, valSet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return p.AddEvidence(ev)
}

// PendingEvidence returns up to max pending items ordered by height.
// A max of zero returns everything.
func (p *Pool) PendingEvidence(max int) []Evidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := p.pending.Values()
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Height() != result[j].Height() {
			return result[i].Height() < result[j].Height()
		}
		return compareHash(result[i].Hash(), result[j].Hash()) < 0
	})
	if max > 0 && len(result) > max {
		result = result[:max]
	}
	return result
}

// MarkCommitted moves evidence from pending to committed.
func (p *Pool) MarkCommitted(evidence []Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range evidence {
		key := ev.Hash()
		p.pending.Remove(key)
		p.committed.Add(key, struct{}{})
	}
}

// IsCommitted reports whether the evidence was already committed.
func (p *Pool) IsCommitted(ev Evidence) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed.Contains(ev.Hash())
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len()
}

// isExpired checks if evidence is too old. Caller must hold p.mu.
func (p *Pool) isExpired(ev Evidence) bool {
	return p.currentHeight > ev.Height() && p.currentHeight-ev.Height() > p.config.MaxAgeBlocks
}

func compareHash(a, b types.Hash) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

var (
	_ Evidence = (*DuplicateVoteEvidence)(nil)
	_ Evidence = (*ConflictingProposalEvidence)(nil)
)
