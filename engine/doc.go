// Package engine implements the BFT block-agreement state machine.
//
// Each height runs one or more rounds through these phases:
//
//	NewHeight → Propose → Prevote → Precommit → Commit → NewHeight(h+1)
//
// A round that fails (propose/prevote/precommit timeout or a nil quorum)
// view-changes to round+1 with the next leader. A fatal error moves the
// engine to Halted, where it processes nothing.
//
// # Core Components
//
// Engine: public facade. Decodes inbound messages, owns the WAL lifecycle
// and exposes state, halt status and evidence.
//
// driver: the round state machine. A single goroutine consumes one event
// queue of messages and timer firings, so its state needs no locks.
//
// Aggregator: verifies signatures and membership, deduplicates by
// (validator, height, round, kind), tallies power per block and freezes
// the first quorum into a QuorumCertificate. Conflicting messages become
// evidence and are never counted.
//
// TimeoutScheduler: per-round deadlines growing as Base * BackoffFactor^r
// up to Max. Canceled or superseded timers never reach the state machine.
//
// RecoveryManager: rebuilds state from the last checkpoint plus the WAL
// records after it, through the same apply functions the driver uses.
//
// # Rules
//
//   - Leader for (h, r) is validators[(h + r) mod N].
//   - A quorum is more than two-thirds of total voting power.
//   - A prevote quorum for a block locks it. Only a prevote quorum for a
//     block in a newer round replaces the lock; the next height clears it.
//   - A precommit quorum for a block in any round of the height commits it.
//   - Every broadcast and commit notification follows a successful WAL
//     append. A failed append halts the engine.
//   - After VCRetryTimes view-changes at a height the engine escalates to
//     recovery; more than RecoveryRetryTimes escalations halt it.
//
// # Usage Example
//
//	cfg := engine.DefaultConfig()
//	cfg.ChainID = "my-chain"
//	eng, err := engine.NewEngine(cfg, valSet, privVal, executor, network,
//	    engine.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	// from the transport
//	_ = eng.HandleMessage(peerIndex, data)
package engine
