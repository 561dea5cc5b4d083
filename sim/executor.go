package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/gbft/pow"
	"github.com/blockberries/gbft/types"
)

// Executor is the block executor of one simulated validator. It proposes
// small text blocks, optionally sealed with proof-of-work, and records
// the committed chain.
type Executor struct {
	id         uint32
	difficulty uint64
	logger     *zap.Logger

	mu      sync.Mutex
	chain   map[uint64]types.Hash
	highest uint64
	notify  chan struct{}
}

// NewExecutor creates the executor for validator id. A non-zero difficulty
// makes it seal proposals and reject blocks without enough work.
func NewExecutor(id uint32, difficulty uint64, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		id:         id,
		difficulty: difficulty,
		logger:     logger,
		chain:      make(map[uint64]types.Hash),
		notify:     make(chan struct{}, 1),
	}
}

func (e *Executor) ProposeBlock(height uint64, parent types.Hash) (*types.Block, error) {
	data := fmt.Sprintf("height=%d proposer=%d", height, e.id)
	block := types.NewBlock(height, parent, e.id, time.Now().UnixNano(), []byte(data))
	if e.difficulty == 0 {
		return block, nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pow.Seal(ctx, block, e.difficulty, uint64(e.id)<<32); err != nil {
		return nil, err
	}
	e.logger.Debug("sealed block",
		zap.Uint64("height", height),
		zap.Uint64("nonce", block.Header.Nonce),
		zap.Duration("took", time.Since(start)))
	return block, nil
}

func (e *Executor) ValidateBlock(block *types.Block) bool {
	if e.difficulty == 0 {
		return true
	}
	return pow.Validator{MinDifficulty: e.difficulty}.ValidateBlock(block)
}

// ExecuteBlock records the block. Blocks re-delivered after a restart are
// ignored.
func (e *Executor) ExecuteBlock(block *types.Block, qc *types.QuorumCertificate) {
	h := block.Header.Height
	e.mu.Lock()
	if _, ok := e.chain[h]; ok {
		e.mu.Unlock()
		return
	}
	e.chain[h] = block.Hash()
	if h > e.highest {
		e.highest = h
	}
	e.mu.Unlock()

	e.logger.Debug("executed block",
		zap.Uint64("height", h),
		zap.Stringer("hash", block.Hash()),
		zap.Uint("signers", qc.Signers().Count()))
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Highest returns the highest executed height.
func (e *Executor) Highest() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highest
}

// HashAt returns the hash committed at height.
func (e *Executor) HashAt(height uint64) (types.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.chain[height]
	return h, ok
}

// Executed returns the number of distinct heights executed.
func (e *Executor) Executed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chain)
}
