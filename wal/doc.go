// Package wal implements the write-ahead log used for consensus crash recovery.
//
// Every consensus state transition (proposal, vote, lock change, commit,
// view change) is appended to the WAL before it has any externally visible
// effect. After a restart the WAL is replayed to rebuild the exact state the
// node was in.
//
// # Record Format
//
// Each record is encoded as:
//
//	[4 bytes: body length][8: seq][8: height][8: round][1: kind][payload][4 bytes: CRC32]
//
// The CRC32 (IEEE) covers everything between the length prefix and the
// checksum. Sequence numbers are assigned by Append and are contiguous;
// a gap, a checksum mismatch or a partial record all surface as
// ErrWALCorrupted. Payloads are deterministic CBOR.
//
// # Segments and Truncation
//
// FileWAL writes to segments named wal-00000, wal-00001, ... and seals a
// segment once it exceeds MaxSegmentSize. Truncate removes whole sealed
// segments, and only after a checkpoint covering them has been saved.
// The checkpoint file is replaced atomically.
//
// # Corruption
//
// A WAL that finds damage on Start still opens, so the damage can be read
// and reported, but refuses further appends. Repair cuts the log at the
// first bad record; it is an operator action, never done automatically.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/wal")
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	rec, err := wal.NewRecord(wal.KindVote, vote.Height, vote.Round, vote)
//	seq, err := w.Append(rec)
//
//	r, err := w.Replay()
//	for {
//	    rec, err := r.Read()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
package wal
