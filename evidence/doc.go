// Package evidence implements Byzantine fault evidence and the pool that
// holds it.
//
// The consensus engine never counts a second, conflicting message from the
// same validator. Instead it records a signed proof of the equivocation here.
//
// # Evidence Types
//
// DuplicateVoteEvidence: two votes of the same kind from one validator at
// the same height and round for different blocks.
//
// ConflictingProposalEvidence: two proposals from the round leader at the
// same height and round for different blocks.
//
// Both are ordered by block hash on construction so the same pair of
// messages always produces the same Hash.
//
// # Evidence Validation
//
// Verify checks, in order:
//
//  1. Same height, round and (for votes) kind
//  2. Same validator
//  3. Different blocks
//  4. Both signatures are valid under the validator's key
//
// # Pool
//
// Pending and committed evidence are kept in bounded LRU caches, so a
// misbehaving validator cannot grow memory without limit. Evidence older
// than MaxAgeBlocks relative to the last Update is dropped. Punishment is
// left to the application.
//
// # Usage Example
//
//	pool, err := evidence.NewPool(evidence.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	ev := evidence.NewDuplicateVoteEvidence(vote1, vote2)
//	if err := pool.CheckAndAdd(ev, chainID, valSet); err != nil {
//	    return err
//	}
//	pending := pool.PendingEvidence(0)
//	pool.MarkCommitted(pending)
package evidence
