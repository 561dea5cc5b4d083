package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

// Network delivers encoded messages to other validators. Delivery is
// neither ordered nor guaranteed.
type Network interface {
	Broadcast(data []byte) error
	Send(to uint32, data []byte) error
}

// BlockExecutor produces, validates and executes blocks.
type BlockExecutor interface {
	// ProposeBlock builds a block at height on top of parent.
	ProposeBlock(height uint64, parent types.Hash) (*types.Block, error)
	// ValidateBlock reports whether a proposed block may be prevoted.
	ValidateBlock(block *types.Block) bool
	// ExecuteBlock is called in height order for each committed block. It
	// runs off the consensus goroutine and may see a block again after a
	// restart, so it must be idempotent per height.
	ExecuteBlock(block *types.Block, qc *types.QuorumCertificate)
}

// PrivValidator signs consensus messages for the local validator.
type PrivValidator interface {
	PubKey() ed25519.PublicKey
	SignVote(chainID string, vote *types.Vote) error
	SignProposal(chainID string, proposal *types.Proposal) error
}

// maxQuorumSteps bounds the transitions taken for a single event.
const maxQuorumSteps = 16

// maxCatchupRounds is how many rounds past the next one each validator may
// open at the current height. Messages for further rounds are rejected
// before they are stored or logged.
const maxCatchupRounds = 2

type event struct {
	msg     *types.Message
	from    uint32
	timeout *TimeoutEvent
}

type helpKey struct {
	peer   uint32
	height uint64
	round  uint64
}

// driver is the round state machine. All fields below the channels are
// owned by the goroutine running run; other goroutines only enqueue events
// or read the published state.
type driver struct {
	config  *Config
	valSet  *types.ValidatorSet
	privVal PrivValidator
	self    int64

	wal       wal.WAL
	executor  BlockExecutor
	network   Network
	pool      *evidence.Pool
	recovery  *RecoveryManager
	scheduler *TimeoutScheduler
	logger    *zap.Logger
	metrics   *Metrics

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once

	hs              *heightState
	timer           TimerHandle
	future          []event
	helped          map[helpKey]struct{}
	catchup         map[uint32][]uint64
	escalations     uint
	vcBase          uint
	sinceCheckpoint uint64

	halted   atomic.Bool
	haltErr  atomic.Error
	haltCh   chan struct{}
	haltOnce sync.Once

	execWG     sync.WaitGroup
	lastNotify chan struct{}

	mu        sync.RWMutex
	published ConsensusState
}

func newDriver(
	cfg *Config,
	valSet *types.ValidatorSet,
	privVal PrivValidator,
	w wal.WAL,
	executor BlockExecutor,
	network Network,
	pool *evidence.Pool,
	logger *zap.Logger,
	metrics *Metrics,
) (*driver, error) {
	self := int64(-1)
	if privVal != nil {
		val := valSet.GetByPublicKey(privVal.PubKey())
		if val == nil {
			return nil, ErrNotValidatorSetMember
		}
		self = int64(val.Index)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if self >= 0 {
		logger = logger.With(zap.Int64("validator", self))
	}

	d := &driver{
		config:   cfg,
		valSet:   valSet,
		privVal:  privVal,
		self:     self,
		wal:      w,
		executor: executor,
		network:  network,
		pool:     pool,
		logger:   logger,
		metrics:  metrics,
		events:   make(chan event, cfg.EventQueueSize),
		quit:     make(chan struct{}),
		helped:   make(map[helpKey]struct{}),
		catchup:  make(map[uint32][]uint64),
		haltCh:   make(chan struct{}),
	}
	d.scheduler = NewTimeoutScheduler(d.enqueueTimeout, logger.Named("timeout"))
	d.recovery = NewRecoveryManager(cfg, valSet, self, w, logger.Named("recovery"), metrics)
	return d, nil
}

// start rebuilds state from the WAL and resumes the current round. Commits
// replayed from the log are delivered to the executor again.
func (d *driver) start() error {
	rs, err := d.recovery.RecoverWithRetry()
	if err != nil {
		d.halt(err)
		return err
	}
	d.adopt(rs)
	for _, cr := range rs.Commits {
		d.notify(cr)
	}
	d.resume()
	d.publish()
	return nil
}

func (d *driver) adopt(rs *RecoveredState) {
	d.hs = rs.hs
	d.hs.agg.OnEvidence = d.onEvidence
	d.hs.agg.AdmitRound = d.admitRound
	d.vcBase = d.hs.viewChanges
	d.catchup = make(map[uint32][]uint64)
}

// admitRound lets any validator speak for the current and next round, and
// for at most maxCatchupRounds rounds beyond that.
func (d *driver) admitRound(validator uint32, height, round uint64) bool {
	st := d.hs.state
	if height != st.Height || round <= st.Round+1 {
		return true
	}
	var open []uint64
	for _, r := range d.catchup[validator] {
		if r == round {
			return true
		}
		if r > st.Round+1 {
			open = append(open, r)
		}
	}
	if len(open) >= maxCatchupRounds {
		d.catchup[validator] = open
		return false
	}
	d.catchup[validator] = append(open, round)
	return true
}

// run processes events until ctx is done or the driver is stopped. A done
// ctx also shuts down the timers, as stop would.
func (d *driver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("event loop canceled", zap.Error(ctx.Err()))
			d.shutdown()
			return
		case <-d.quit:
			return
		case ev := <-d.events:
			if d.halted.Load() {
				continue
			}
			d.handleEvent(ev)
			d.publish()
		}
	}
}

func (d *driver) stop() {
	d.shutdown()
	d.execWG.Wait()
}

// shutdown releases timer goroutines waiting to enqueue and refuses new
// timers and messages.
func (d *driver) shutdown() {
	d.quitOnce.Do(func() { close(d.quit) })
	d.scheduler.Stop()
}

func (d *driver) enqueueMessage(from uint32, msg *types.Message) error {
	if d.halted.Load() {
		return ErrHalted
	}
	select {
	case <-d.quit:
		return ErrNotStarted
	default:
	}
	select {
	case d.events <- event{msg: msg, from: from}:
		return nil
	default:
		d.metrics.droppedEvent()
		return ErrEventQueueFull
	}
}

// enqueueTimeout runs on timer goroutines. Timeouts are never dropped.
func (d *driver) enqueueTimeout(ev TimeoutEvent) {
	select {
	case d.events <- event{timeout: &ev}:
	case <-d.quit:
	}
}

func (d *driver) handleEvent(ev event) {
	if ev.timeout != nil {
		d.handleTimeout(*ev.timeout)
		return
	}
	d.handleMessage(ev.from, ev.msg)
}

func (d *driver) handleMessage(from uint32, msg *types.Message) {
	height := d.hs.state.Height
	switch mh := msg.Height(); {
	case mh < height:
		if msg.Commit == nil {
			d.helpLaggard(from, msg)
		}
		return
	case mh == height+1:
		d.bufferFuture(from, msg)
		return
	case mh > height+1:
		d.metrics.droppedEvent()
		d.logger.Debug("dropped message too far ahead",
			zap.Uint64("height", height),
			zap.Uint64("msg_height", mh),
			zap.Uint32("from", from))
		return
	}

	if msg.Commit != nil {
		d.acceptCommit(from, msg.Commit)
		return
	}

	res, err := d.hs.agg.Submit(msg)
	d.metrics.message(msg.Kind(), res)
	switch res {
	case Rejected:
		if errors.Is(err, ErrRoundTooFar) {
			d.logger.Debug("dropped message too many rounds ahead", zap.Uint32("from", from), zap.Error(err))
			return
		}
		d.logger.Info("rejected message",
			zap.Stringer("kind", msg.Kind()),
			zap.Uint32("from", from),
			zap.Error(err))
		return
	case DuplicateIgnored:
		return
	case EquivocationDetected:
		d.logger.Warn("equivocation detected",
			zap.Stringer("kind", msg.Kind()),
			zap.Uint32("validator", msg.Sender()),
			zap.Uint64("height", msg.Height()),
			zap.Uint64("round", msg.Round()))
		return
	}

	if p := msg.Proposal; p != nil {
		if !d.appendWAL(wal.KindProposal, p.Height, p.Round, p) {
			return
		}
		d.hs.applyProposal(p)
		if p.Round == d.hs.state.Round && d.hs.state.Phase == PhasePropose {
			d.prevote()
		}
	} else {
		v := msg.Vote
		if !d.appendWAL(wal.KindVote, v.Height, v.Round, v) {
			return
		}
		d.hs.applyVote(v)
	}
	d.checkQuorums()
}

func (d *driver) handleTimeout(ev TimeoutEvent) {
	st := d.hs.state
	if ev.Handle != d.timer || ev.Height != st.Height || ev.Round != st.Round || ev.Phase != st.Phase {
		d.metrics.staleTimeout()
		d.logger.Debug("ignored stale timeout",
			zap.Uint64("height", ev.Height),
			zap.Uint64("round", ev.Round),
			zap.Stringer("phase", ev.Phase))
		return
	}
	d.timer = 0
	d.logger.Debug("timeout",
		zap.Uint64("height", ev.Height),
		zap.Uint64("round", ev.Round),
		zap.Stringer("phase", ev.Phase))

	switch ev.Phase {
	case PhasePropose:
		d.castVote(types.VoteKindPrevote, types.NilHash)
	case PhasePrevote:
		d.castVote(types.VoteKindPrecommit, types.NilHash)
	case PhasePrecommit:
		d.viewChange(st.Round + 1)
	}
	d.checkQuorums()
}

// checkQuorums applies every transition the aggregator's tallies allow.
func (d *driver) checkQuorums() {
	for i := 0; i < maxQuorumSteps; i++ {
		if d.halted.Load() || !d.stepQuorums() {
			return
		}
	}
}

// stepQuorums takes at most one transition and reports whether it did.
func (d *driver) stepQuorums() bool {
	st := d.hs.state
	agg := d.hs.agg

	if qc := agg.CommitCandidate(st.Height); qc != nil {
		if block := d.hs.block(qc.BlockHash); block != nil {
			d.commit(block, qc)
			return true
		}
	}

	if qc := agg.LatestPrevoteQC(st.Height); qc != nil && (!st.IsLocked() || qc.Round > st.LockedRound) {
		return d.lock(qc)
	}

	if hash, ok := agg.QuorumReached(st.Height, st.Round, types.VoteKindPrecommit); ok && hash.IsNil() {
		d.viewChange(st.Round + 1)
		return true
	}

	if hash, ok := agg.QuorumReached(st.Height, st.Round, types.VoteKindPrevote); ok {
		switch st.Phase {
		case PhasePropose:
			d.prevote()
			return true
		case PhasePrevote:
			if hash != st.LockedBlock {
				hash = types.NilHash
			}
			d.castVote(types.VoteKindPrecommit, hash)
			return true
		}
	}

	if round, ok := agg.HighestRoundAbove(st.Height, st.Round, d.valSet.OneThirdPlus()); ok {
		d.logger.Info("catching up to round", zap.Uint64("from", st.Round), zap.Uint64("to", round))
		d.viewChange(round)
		return true
	}
	return false
}

// enterRound starts the current round: arm the propose timeout, propose
// when leading, and prevote on a proposal that already arrived.
func (d *driver) enterRound() {
	d.hs.touch()
	st := d.hs.state
	d.logger.Debug("entering round", zap.Uint64("height", st.Height), zap.Uint64("round", st.Round))
	d.armTimer(PhasePropose)

	if d.isLeader(st.Height, st.Round) {
		d.propose()
	}
	if d.hs.state.Phase == PhasePropose && d.hs.proposal(st.Round) != nil {
		d.prevote()
	}
}

func (d *driver) isLeader(height, round uint64) bool {
	return d.self >= 0 && d.valSet.Leader(height, round).Index == uint32(d.self)
}

func (d *driver) propose() {
	st := d.hs.state
	if _, sent := d.hs.sent[sentKey{st.Round, types.MessageKindProposal}]; sent {
		return
	}

	var block *types.Block
	if st.IsLocked() {
		block = d.hs.block(st.LockedBlock)
	}
	if block == nil {
		b, err := d.executor.ProposeBlock(st.Height, st.LastCommitHash)
		if err != nil {
			d.logger.Error("failed to create block", zap.Uint64("height", st.Height), zap.Error(err))
			return
		}
		block = b
	}

	p := types.NewProposal(st.Height, st.Round, block, uint32(d.self))
	if err := d.privVal.SignProposal(d.config.ChainID, p); err != nil {
		d.logger.Error("failed to sign proposal", zap.Uint64("height", st.Height), zap.Uint64("round", st.Round), zap.Error(err))
		return
	}
	if !d.appendWAL(wal.KindProposal, st.Height, st.Round, p) {
		return
	}
	if res, err := d.hs.agg.SubmitProposal(p); res != Accepted {
		d.logger.Error("own proposal not accepted", zap.Stringer("result", res), zap.Error(err))
	}
	d.hs.applyProposal(p)
	d.logger.Info("proposed block",
		zap.Uint64("height", st.Height),
		zap.Uint64("round", st.Round),
		zap.Stringer("block", p.BlockHash()))
	d.broadcast(types.ProposalMessage(p))
}

// prevote votes for the round's proposal when it is valid and compatible
// with the lock, and for nil otherwise.
func (d *driver) prevote() {
	st := d.hs.state
	hash := types.NilHash
	if p := d.hs.proposal(st.Round); p != nil && d.validProposal(p) {
		if !st.IsLocked() || st.LockedBlock == p.BlockHash() {
			hash = p.BlockHash()
		}
	}
	d.castVote(types.VoteKindPrevote, hash)
}

func (d *driver) validProposal(p *types.Proposal) bool {
	st := d.hs.state
	if p.Block.Header.Height != st.Height || p.Block.Header.ParentHash != st.LastCommitHash {
		return false
	}
	return d.executor.ValidateBlock(&p.Block)
}

// castVote signs, logs, counts and broadcasts a vote, then arms the
// timeout for the phase it enters. A vote already sent in this round is
// never signed again.
func (d *driver) castVote(kind types.VoteKind, hash types.Hash) {
	st := d.hs.state
	next := PhasePrevote
	msgKind := types.MessageKindPrevote
	if kind == types.VoteKindPrecommit {
		next = PhasePrecommit
		msgKind = types.MessageKindPrecommit
	}
	if _, sent := d.hs.sent[sentKey{st.Round, msgKind}]; sent {
		return
	}

	if d.self >= 0 {
		vote := &types.Vote{Kind: kind, Height: st.Height, Round: st.Round, BlockHash: hash, Validator: uint32(d.self)}
		if err := d.privVal.SignVote(d.config.ChainID, vote); err != nil {
			d.logger.Error("failed to sign vote", zap.Stringer("vote", vote), zap.Error(err))
		} else {
			if !d.appendWAL(wal.KindVote, vote.Height, vote.Round, vote) {
				return
			}
			d.hs.applyVote(vote)
			if res, err := d.hs.agg.SubmitVote(vote); res != Accepted {
				d.logger.Error("own vote not accepted", zap.Stringer("result", res), zap.Error(err))
			}
			d.logger.Debug("voted", zap.Stringer("vote", vote))
			d.broadcast(types.VoteMessage(vote))
		}
	}
	if d.hs.state.Phase < next {
		d.hs.state.Phase = next
	}
	d.armTimer(next)
}

func (d *driver) lock(qc *types.QuorumCertificate) bool {
	lc := LockChange{Round: qc.Round, BlockHash: qc.BlockHash}
	if !d.appendWAL(wal.KindLockChange, d.hs.state.Height, qc.Round, lc) {
		return false
	}
	d.hs.applyLock(lc)
	d.logger.Info("locked block",
		zap.Uint64("height", qc.Height),
		zap.Uint64("round", qc.Round),
		zap.Stringer("block", qc.BlockHash))
	return true
}

func (d *driver) viewChange(to uint64) {
	st := d.hs.state
	vc := ViewChange{From: st.Round, To: to}
	if !d.appendWAL(wal.KindViewChange, st.Height, st.Round, vc) {
		return
	}
	d.hs.applyViewChange(vc)
	d.metrics.viewChange()
	d.logger.Info("view change",
		zap.Uint64("height", st.Height),
		zap.Uint64("from", vc.From),
		zap.Uint64("to", vc.To),
		zap.Uint("count", d.hs.viewChanges))

	if d.hs.viewChanges-d.vcBase > d.config.VCRetryTimes {
		d.escalate()
		return
	}
	d.enterRound()
}

// escalate replaces the in-memory state with a fresh WAL replay after too
// many view-changes, and halts once the per-height budget is spent.
func (d *driver) escalate() {
	d.escalations++
	d.metrics.escalation()
	st := d.hs.state
	if d.escalations > d.config.RecoveryRetryTimes {
		d.halt(fmt.Errorf("%w: %d escalations at height %d", ErrRecoveryExhausted, d.escalations, st.Height))
		return
	}
	d.logger.Warn("view-change retries exhausted, escalating to recovery",
		zap.Uint64("height", st.Height),
		zap.Uint64("round", st.Round),
		zap.Uint("escalation", d.escalations))

	rs, err := d.recovery.RecoverWithRetry()
	if err != nil {
		d.halt(err)
		return
	}
	d.adopt(rs)
	d.resume()
}

// resume re-enters the recovered phase: rebroadcast what was already sent
// this round and re-arm its timeout.
func (d *driver) resume() {
	d.rebroadcast()
	switch d.hs.state.Phase {
	case PhaseNewHeight, PhasePropose:
		d.enterRound()
	case PhasePrevote, PhasePrecommit:
		d.armTimer(d.hs.state.Phase)
	}
	d.checkQuorums()
}

func (d *driver) rebroadcast() {
	round := d.hs.state.Round
	for _, kind := range []types.MessageKind{types.MessageKindProposal, types.MessageKindPrevote, types.MessageKindPrecommit} {
		if msg, ok := d.hs.sent[sentKey{round, kind}]; ok {
			d.broadcast(msg)
		}
	}
}

func (d *driver) commit(block *types.Block, qc *types.QuorumCertificate) {
	height := d.hs.state.Height
	cr := &CommitRecord{Block: block, QC: qc, Proposal: d.commitProposal(qc)}
	if !d.appendWAL(wal.KindCommit, height, qc.Round, cr) {
		return
	}
	d.hs.state.Phase = PhaseCommit
	d.notify(cr)
	d.hs.applyCommit(cr)
	d.metrics.commit()
	if d.pool != nil {
		d.pool.Update(height)
	}
	d.logger.Info("committed block",
		zap.Uint64("height", height),
		zap.Uint64("round", qc.Round),
		zap.Stringer("block", qc.BlockHash))

	d.helped = make(map[helpKey]struct{})
	d.catchup = make(map[uint32][]uint64)
	d.escalations = 0
	d.vcBase = 0
	d.checkpoint()
	if d.halted.Load() {
		return
	}
	d.enterRound()
	d.replayFuture()
}

// acceptCommit commits the current height on a certificate from a peer
// that already finalized it. The QC is verified as a whole, so votes from
// the same validators that this node saw first do not block it.
func (d *driver) acceptCommit(from uint32, c *types.Commit) {
	err := c.Verify(d.config.ChainID, d.valSet)
	if err == nil && c.Block.Header.ParentHash != d.hs.state.LastCommitHash {
		err = fmt.Errorf("%w: parent %s, last commit %s", types.ErrInvalidCommit, c.Block.Header.ParentHash, d.hs.state.LastCommitHash)
	}
	if err != nil {
		d.metrics.message(types.MessageKindCommit, Rejected)
		d.logger.Info("rejected commit", zap.Uint32("from", from), zap.Error(err))
		return
	}
	d.metrics.message(types.MessageKindCommit, Accepted)
	d.logger.Info("catching up on peer commit",
		zap.Uint32("from", from),
		zap.Uint64("height", c.QC.Height),
		zap.Uint64("round", c.QC.Round))
	d.commit(c.Block, c.QC)
}

func (d *driver) commitProposal(qc *types.QuorumCertificate) *types.Proposal {
	if p := d.hs.proposal(qc.Round); p != nil && p.BlockHash() == qc.BlockHash {
		return p
	}
	return d.hs.proposals[qc.BlockHash]
}

// notify delivers a commit to the executor off the consensus goroutine,
// keeping height order.
func (d *driver) notify(cr *CommitRecord) {
	prev := d.lastNotify
	done := make(chan struct{})
	d.lastNotify = done
	d.execWG.Add(1)
	go func() {
		defer d.execWG.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		d.executor.ExecuteBlock(cr.Block, cr.QC)
	}()
}

// checkpoint snapshots the state every CheckpointInterval commits and
// truncates the WAL below the committed height.
func (d *driver) checkpoint() {
	if d.config.CheckpointInterval == 0 {
		return
	}
	d.sinceCheckpoint++
	if d.sinceCheckpoint < d.config.CheckpointInterval {
		return
	}
	d.sinceCheckpoint = 0

	// The checkpoint names LastSeq, so every record up to it must be on disk
	// before the checkpoint is.
	if err := d.wal.Flush(); err != nil {
		d.halt(fmt.Errorf("%w: flush before checkpoint: %w", ErrWALWrite, err))
		return
	}
	committed := d.hs.state.LastCommitHeight
	cp := &wal.Checkpoint{
		Seq:    d.wal.LastSeq(),
		Height: committed,
		State:  types.MustMarshal(d.hs.snapshot()),
	}
	if err := d.wal.SaveCheckpoint(cp); err != nil {
		d.logger.Error("failed to save checkpoint", zap.Uint64("height", committed), zap.Error(err))
		return
	}
	if err := d.wal.Truncate(committed); err != nil {
		d.logger.Error("failed to truncate WAL", zap.Uint64("height", committed), zap.Error(err))
		return
	}
	d.logger.Debug("checkpoint saved", zap.Uint64("height", committed), zap.Uint64("seq", cp.Seq))
}

func (d *driver) bufferFuture(from uint32, msg *types.Message) {
	if len(d.future) >= d.config.FutureBufferSize {
		d.metrics.droppedEvent()
		return
	}
	d.future = append(d.future, event{msg: msg, from: from})
}

func (d *driver) replayFuture() {
	buffered := d.future
	d.future = nil
	for _, ev := range buffered {
		if d.halted.Load() {
			return
		}
		d.handleMessage(ev.from, ev.msg)
	}
}

// helpLaggard answers a peer still working on the last committed height
// with the block and the QC that committed it.
func (d *driver) helpLaggard(from uint32, msg *types.Message) {
	lc := d.hs.lastCommit
	if lc == nil || msg.Height() != lc.Block.Header.Height || (d.self >= 0 && uint32(d.self) == from) {
		return
	}
	key := helpKey{peer: from, height: msg.Height(), round: msg.Round()}
	if _, done := d.helped[key]; done {
		return
	}
	d.helped[key] = struct{}{}

	d.send(from, types.CommitMessage(&types.Commit{Block: lc.Block, QC: lc.QC}))
	d.logger.Debug("sent last commit to lagging peer", zap.Uint32("peer", from), zap.Uint64("height", msg.Height()))
}

func (d *driver) armTimer(phase Phase) {
	st := d.hs.state
	d.scheduler.Cancel(d.timer)
	d.timer = d.scheduler.Arm(st.Height, st.Round, phase, d.config.Timeouts.Duration(st.Round))
}

// appendWAL persists a record. Failure halts the driver and returns false.
func (d *driver) appendWAL(kind wal.RecordKind, height, round uint64, payload any) bool {
	rec, err := wal.NewRecord(kind, height, round, payload)
	if err != nil {
		d.halt(fmt.Errorf("%w: %v", ErrWALWrite, err))
		return false
	}
	start := time.Now()
	if _, err := d.wal.Append(rec); err != nil {
		d.halt(fmt.Errorf("%w: %s: %w", ErrWALWrite, kind, err))
		return false
	}
	d.metrics.walAppend(start)
	return true
}

func (d *driver) broadcast(msg *types.Message) {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		d.logger.Error("failed to encode message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		return
	}
	if err := d.network.Broadcast(data); err != nil {
		d.logger.Debug("broadcast failed", zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

func (d *driver) send(to uint32, msg *types.Message) {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		d.logger.Error("failed to encode message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		return
	}
	if err := d.network.Send(to, data); err != nil {
		d.logger.Debug("send failed", zap.Uint32("to", to), zap.Error(err))
	}
}

func (d *driver) onEvidence(ev evidence.Evidence) {
	if d.pool == nil {
		return
	}
	if err := d.pool.CheckAndAdd(ev, d.config.ChainID, d.valSet); err != nil {
		d.logger.Debug("evidence not added", zap.Stringer("evidence", ev), zap.Error(err))
	}
}

// halt stops event processing for good.
func (d *driver) halt(err error) {
	d.haltOnce.Do(func() {
		d.haltErr.Store(err)
		d.halted.Store(true)
		if d.hs != nil {
			d.hs.state.Phase = PhaseHalted
		}
		d.scheduler.CancelAll()
		d.metrics.halted()
		d.logger.Error("consensus halted", zap.Error(err))
		close(d.haltCh)
	})
	d.publish()
}

func (d *driver) publish() {
	if d.hs == nil {
		return
	}
	d.mu.Lock()
	d.published = d.hs.state
	d.mu.Unlock()
	d.metrics.observeState(d.hs.state)
}

func (d *driver) state() ConsensusState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.published
}
