package engine

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

// RecoveredState is the driver state rebuilt from the WAL.
type RecoveredState struct {
	State ConsensusState
	// LockedBlock is the locked block's content if a proposal carrying it
	// was replayed; nil when unlocked or unknown.
	LockedBlock *types.Block
	// Commits replayed after the checkpoint, oldest first.
	Commits []*CommitRecord
	// Records is the number of records applied.
	Records int
	// LastSeq is the sequence number of the last record applied or
	// covered by the checkpoint.
	LastSeq uint64

	hs *heightState
}

// RecoveryManager rebuilds consensus state by replaying the WAL from the
// last checkpoint through the same apply functions the driver uses.
type RecoveryManager struct {
	chainID       string
	initialHeight uint64
	valSet        *types.ValidatorSet
	self          int64
	wal           wal.WAL
	retries       uint

	logger  *zap.Logger
	metrics *Metrics
}

// NewRecoveryManager creates a recovery manager. self is the local
// validator index, or -1 for a node that does not vote.
func NewRecoveryManager(cfg *Config, valSet *types.ValidatorSet, self int64, w wal.WAL, logger *zap.Logger, metrics *Metrics) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{
		chainID:       cfg.ChainID,
		initialHeight: cfg.InitialHeight,
		valSet:        valSet,
		self:          self,
		wal:           w,
		retries:       cfg.RecoveryRetryTimes,
		logger:        logger,
		metrics:       metrics,
	}
}

// Recover replays the WAL once. Any inconsistency is returned as an error;
// it never guesses past a bad record.
func (rm *RecoveryManager) Recover() (*RecoveredState, error) {
	rm.metrics.recoveryAttempt()

	state := GenesisState(rm.initialHeight)
	var (
		lastCommit *CommitRecord
		fromSeq    uint64
	)
	cp, err := rm.wal.LoadCheckpoint()
	switch {
	case err == nil:
		var snap snapshot
		if err := types.Unmarshal(cp.State, &snap); err != nil {
			return nil, fmt.Errorf("%w: checkpoint state: %v", ErrWALReplay, err)
		}
		state = snap.State
		lastCommit = snap.LastCommit
		fromSeq = cp.Seq
	case errors.Is(err, wal.ErrNoCheckpoint):
	default:
		return nil, fmt.Errorf("%w: %w", ErrWALReplay, err)
	}

	hs := newHeightState(state, rm.self, NewAggregator(rm.chainID, rm.valSet, state.Height))
	hs.lastCommit = lastCommit
	rs := &RecoveredState{LastSeq: fromSeq, hs: hs}

	reader, err := rm.wal.Replay()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWALReplay, err)
	}
	defer reader.Close()

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWALReplay, err)
		}
		if rec.Seq <= fromSeq {
			continue
		}
		if rec.Seq != rs.LastSeq+1 {
			return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrInconsistentWAL, rs.LastSeq+1, rec.Seq)
		}
		if err := rm.apply(hs, rs, rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInconsistentWAL, rec, err)
		}
		rs.LastSeq = rec.Seq
		rs.Records++
	}

	rs.State = hs.state
	if hs.state.IsLocked() {
		if b := hs.block(hs.state.LockedBlock); b != nil {
			rs.LockedBlock = b.Copy()
		}
	}
	rm.logger.Info("recovered consensus state",
		zap.Stringer("state", rs.State),
		zap.Int("records", rs.Records),
		zap.Uint64("checkpoint_seq", fromSeq),
		zap.Uint64("last_seq", rs.LastSeq))
	return rs, nil
}

func (rm *RecoveryManager) apply(hs *heightState, rs *RecoveredState, rec *wal.Record) error {
	if rec.Height != hs.state.Height {
		return fmt.Errorf("record height %d, state height %d", rec.Height, hs.state.Height)
	}

	switch rec.Kind {
	case wal.KindProposal:
		p := new(types.Proposal)
		if err := rec.Decode(p); err != nil {
			return err
		}
		if p.Height != rec.Height || p.Round != rec.Round {
			return fmt.Errorf("proposal %d/%d in record %d/%d", p.Height, p.Round, rec.Height, rec.Round)
		}
		if res, err := hs.agg.SubmitProposal(p); res != Accepted {
			return fmt.Errorf("replayed proposal %s: %v", res, err)
		}
		hs.applyProposal(p)

	case wal.KindVote:
		v := new(types.Vote)
		if err := rec.Decode(v); err != nil {
			return err
		}
		if v.Height != rec.Height || v.Round != rec.Round {
			return fmt.Errorf("vote %d/%d in record %d/%d", v.Height, v.Round, rec.Height, rec.Round)
		}
		if res, err := hs.agg.SubmitVote(v); res != Accepted {
			return fmt.Errorf("replayed vote %s: %v", res, err)
		}
		hs.applyVote(v)

	case wal.KindLockChange:
		var lc LockChange
		if err := rec.Decode(&lc); err != nil {
			return err
		}
		if lc.BlockHash.IsNil() {
			return errors.New("lock on nil block")
		}
		hs.applyLock(lc)

	case wal.KindViewChange:
		var vc ViewChange
		if err := rec.Decode(&vc); err != nil {
			return err
		}
		if vc.From != hs.state.Round || vc.To <= vc.From {
			return fmt.Errorf("view-change %d -> %d at round %d", vc.From, vc.To, hs.state.Round)
		}
		hs.applyViewChange(vc)

	case wal.KindCommit:
		cr := new(CommitRecord)
		if err := rec.Decode(cr); err != nil {
			return err
		}
		if cr.Block == nil || cr.QC == nil {
			return errors.New("commit without block or QC")
		}
		if cr.Block.Header.Height != hs.state.Height {
			return fmt.Errorf("commit of height %d", cr.Block.Header.Height)
		}
		if cr.QC.Kind != types.VoteKindPrecommit || cr.QC.Height != hs.state.Height || cr.QC.BlockHash != cr.Block.Hash() {
			return errors.New("commit QC does not certify block")
		}
		if err := cr.QC.Verify(rm.chainID, rm.valSet); err != nil {
			return err
		}
		hs.applyCommit(cr)
		rs.Commits = append(rs.Commits, cr)

	default:
		return fmt.Errorf("unknown record kind %s", rec.Kind)
	}
	return nil
}

// RecoverWithRetry calls Recover up to the configured number of times,
// at least once. When every attempt fails it returns ErrRecoveryExhausted
// carrying all attempt errors.
func (rm *RecoveryManager) RecoverWithRetry() (*RecoveredState, error) {
	attempts := rm.retries
	if attempts == 0 {
		attempts = 1
	}
	var errs error
	for i := uint(1); i <= attempts; i++ {
		rs, err := rm.Recover()
		if err == nil {
			return rs, nil
		}
		rm.logger.Warn("recovery attempt failed",
			zap.Uint("attempt", i),
			zap.Uint("max_attempts", attempts),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRecoveryExhausted, attempts, errs)
}
