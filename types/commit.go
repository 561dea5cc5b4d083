package types

import (
	"errors"
	"fmt"
)

// ErrInvalidCommit is returned for a commit whose QC does not certify its block.
var ErrInvalidCommit = errors.New("invalid commit")

// Commit is a finalized block together with the precommit QC that
// finalized it. It is sent to peers still working on that height.
type Commit struct {
	Block *Block             `cbor:"1,keyasint"`
	QC    *QuorumCertificate `cbor:"2,keyasint"`
}

// Verify checks that the QC is a valid non-nil precommit quorum for the
// block. Votes in the QC are checked on their own, so a receiver holding a
// conflicting vote from the same validator can still accept it.
func (c *Commit) Verify(chainID string, valSet *ValidatorSet) error {
	if c.Block == nil || c.QC == nil {
		return fmt.Errorf("%w: missing block or QC", ErrInvalidCommit)
	}
	if c.QC.Kind != VoteKindPrecommit {
		return fmt.Errorf("%w: %s QC", ErrInvalidCommit, c.QC.Kind)
	}
	if c.QC.Height != c.Block.Header.Height || c.QC.BlockHash != c.Block.Hash() {
		return fmt.Errorf("%w: QC for %d/%s does not certify block %d/%s",
			ErrInvalidCommit, c.QC.Height, c.QC.BlockHash, c.Block.Header.Height, c.Block.Hash())
	}
	if err := c.QC.Verify(chainID, valSet); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}
	return nil
}
