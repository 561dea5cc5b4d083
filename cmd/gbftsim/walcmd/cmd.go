// Package walcmd inspects and repairs a node's write-ahead log.
package walcmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blockberries/gbft/engine"
	"github.com/blockberries/gbft/types"
	"github.com/blockberries/gbft/wal"
)

const DirKey = "dir"

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "wal",
		Short: "Inspects and repairs write-ahead logs",
	}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Prints the checkpoint and every record",
		RunE: func(c *cobra.Command, _ []string) error {
			dir, err := c.Flags().GetString(DirKey)
			if err != nil {
				return err
			}
			return Dump(c.OutOrStdout(), dir)
		},
	}
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Cuts the log at its first damaged record",
		RunE: func(c *cobra.Command, _ []string) error {
			dir, err := c.Flags().GetString(DirKey)
			if err != nil {
				return err
			}
			n, err := wal.Repair(dir)
			if err != nil {
				return err
			}
			c.Printf("discarded %d bytes\n", n)
			return nil
		},
	}
	for _, sub := range []*cobra.Command{dump, repair} {
		sub.Flags().String(DirKey, "", "WAL directory")
		_ = sub.MarkFlagRequired(DirKey)
		c.AddCommand(sub)
	}
	return c
}

// Dump writes a line per record, decoding the payload of each.
func Dump(out io.Writer, dir string) error {
	w, err := wal.NewFileWAL(dir)
	if err != nil {
		return err
	}
	cp, err := w.LoadCheckpoint()
	switch {
	case err == nil:
		fmt.Fprintf(out, "checkpoint seq=%d height=%d state=%dB\n", cp.Seq, cp.Height, len(cp.State))
	case errors.Is(err, wal.ErrNoCheckpoint):
		fmt.Fprintln(out, "no checkpoint")
	default:
		return err
	}

	reader, err := wal.OpenWALForReading(dir)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", rec, describe(rec))
	}
}

func describe(rec *wal.Record) string {
	switch rec.Kind {
	case wal.KindProposal:
		p := new(types.Proposal)
		if err := rec.Decode(p); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("proposer=%d block=%s", p.Proposer, p.BlockHash().Short())
	case wal.KindVote:
		v := new(types.Vote)
		if err := rec.Decode(v); err != nil {
			return err.Error()
		}
		return v.String()
	case wal.KindLockChange:
		var lc engine.LockChange
		if err := rec.Decode(&lc); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("lock round=%d block=%s", lc.Round, lc.BlockHash.Short())
	case wal.KindViewChange:
		var vc engine.ViewChange
		if err := rec.Decode(&vc); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("round %d -> %d", vc.From, vc.To)
	case wal.KindCommit:
		cr := new(engine.CommitRecord)
		if err := rec.Decode(cr); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("block=%s signers=%d", cr.Block.Hash().Short(), cr.QC.Signers().Count())
	default:
		return "unknown kind"
	}
}
