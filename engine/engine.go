package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/blockberries/gbft/evidence"
	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

// Option configures an Engine.
type Option func(*Engine)

// WithWAL sets the write-ahead log. Without it the engine opens a FileWAL
// at Config.WALPath, or keeps an in-memory log when the path is empty.
func WithWAL(w wal.WAL) Option {
	return func(e *Engine) { e.wal = w }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvidencePool sets the pool equivocation evidence is recorded in.
func WithEvidencePool(pool *evidence.Pool) Option {
	return func(e *Engine) { e.pool = pool }
}

// Engine is the main consensus engine that implements the BFT consensus protocol
type Engine struct {
	mu sync.Mutex

	// Configuration
	config *Config

	// Components
	wal     wal.WAL
	pool    *evidence.Pool
	logger  *zap.Logger
	metrics *Metrics
	driver  *driver

	// Validator set management
	validatorSet *types.ValidatorSet

	// State
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new consensus engine. A nil privVal runs the engine
// as a non-voting observer.
func NewEngine(
	config *Config,
	valSet *types.ValidatorSet,
	privVal PrivValidator,
	executor BlockExecutor,
	network Network,
	opts ...Option,
) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if valSet == nil || valSet.Size() == 0 {
		return nil, fmt.Errorf("%w: empty validator set", ErrInvalidConfig)
	}
	if executor == nil || network == nil {
		return nil, fmt.Errorf("%w: executor and network are required", ErrInvalidConfig)
	}

	e := &Engine{
		config:       config,
		validatorSet: valSet,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.wal == nil {
		if config.WALPath == "" {
			e.wal = wal.NewMemWAL()
		} else {
			opts := wal.DefaultOptions()
			opts.Sync = config.WALSync
			if config.WALMaxSegmentSize > 0 {
				opts.MaxSegmentSize = config.WALMaxSegmentSize
			}
			w, err := wal.NewFileWALWithOptions(config.WALPath, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to open WAL: %w", err)
			}
			e.wal = w
		}
	}
	if e.pool == nil {
		pool, err := evidence.NewPool(evidence.DefaultConfig())
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}

	d, err := newDriver(config, valSet, privVal, e.wal, executor, network, e.pool, e.logger, e.metrics)
	if err != nil {
		return nil, err
	}
	e.driver = d
	return e, nil
}

// Start opens the WAL, recovers state from it and starts the event loop.
// If recovery fails the engine is left halted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.stopped {
		return ErrAlreadyStarted
	}

	if err := e.wal.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}
	if err := e.driver.start(); err != nil {
		return multierr.Append(fmt.Errorf("failed to recover consensus state: %w", err), e.wal.Stop())
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.driver.run(runCtx)
	}()

	e.started = true
	e.logger.Info("consensus started",
		zap.String("chain_id", e.config.ChainID),
		zap.String("version", e.config.GetVersion()),
		zap.Stringer("state", e.driver.state()))
	return nil
}

// Stop stops the event loop, waits for pending commit notifications and
// flushes and closes the WAL.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false
	e.stopped = true

	e.cancel()
	<-e.done
	e.driver.stop()

	err := multierr.Combine(e.wal.Flush(), e.wal.Stop())
	e.logger.Info("consensus stopped", zap.Error(err))
	return err
}

// HandleMessage decodes a message received from validator from and queues
// it for the driver. It never blocks.
func (e *Engine) HandleMessage(from uint32, data []byte) error {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return e.driver.enqueueMessage(from, msg)
}

// State returns a copy of the current consensus state.
func (e *Engine) State() ConsensusState {
	return e.driver.state()
}

// Halted reports whether the engine stopped on a fatal error.
func (e *Engine) Halted() bool {
	return e.driver.halted.Load()
}

// Err returns the error that halted the engine, if any.
func (e *Engine) Err() error {
	return e.driver.haltErr.Load()
}

// HaltCh is closed when the engine halts.
func (e *Engine) HaltCh() <-chan struct{} {
	return e.driver.haltCh
}

// Evidence returns the pending equivocation evidence.
func (e *Engine) Evidence() []evidence.Evidence {
	return e.pool.PendingEvidence(0)
}

// Metrics returns the engine's collectors, which may be nil.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// ValidatorSet returns the fixed validator set.
func (e *Engine) ValidatorSet() *types.ValidatorSet {
	return e.validatorSet
}

// ChainID returns the chain ID
func (e *Engine) ChainID() string {
	return e.config.ChainID
}
