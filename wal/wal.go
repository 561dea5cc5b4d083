package wal

import (
	"errors"
	"fmt"

	"github.com/blockberries/gbft/types"
)

// Errors
var (
	ErrWALClosed        = errors.New("WAL is closed")
	ErrWALCorrupted     = errors.New("WAL is corrupted")
	ErrNoCheckpoint     = errors.New("no WAL checkpoint")
	ErrTruncateTooHigh  = errors.New("truncate height above checkpoint")
	ErrRecordTooLarge   = errors.New("WAL record too large")
	ErrInvalidRecord    = errors.New("invalid WAL record")
	ErrAppendAfterError = errors.New("WAL refuses appends after corruption")
)

// RecordKind identifies the state transition a record describes.
type RecordKind uint8

const (
	KindUnknown RecordKind = iota
	KindProposal
	KindVote
	KindLockChange
	KindCommit
	KindViewChange
)

func (k RecordKind) String() string {
	switch k {
	case KindProposal:
		return "Proposal"
	case KindVote:
		return "Vote"
	case KindLockChange:
		return "LockChange"
	case KindCommit:
		return "Commit"
	case KindViewChange:
		return "ViewChange"
	default:
		return fmt.Sprintf("RecordKind(%d)", uint8(k))
	}
}

// IsValid returns true for the known record kinds.
func (k RecordKind) IsValid() bool {
	return k >= KindProposal && k <= KindViewChange
}

// Record is one WAL entry. Seq and Checksum are assigned by the WAL on append.
type Record struct {
	Seq      uint64
	Height   uint64
	Round    uint64
	Kind     RecordKind
	Payload  []byte
	Checksum uint32
}

// NewRecord encodes payload with the canonical codec into a record.
func NewRecord(kind RecordKind, height, round uint64, payload any) (*Record, error) {
	data, err := types.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Record{
		Kind:    kind,
		Height:  height,
		Round:   round,
		Payload: data,
	}, nil
}

// Decode decodes the payload into v.
func (r *Record) Decode(v any) error {
	if err := types.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: seq %d %s payload: %v", ErrInvalidRecord, r.Seq, r.Kind, err)
	}
	return nil
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{#%d %s %d/%d %dB}", r.Seq, r.Kind, r.Height, r.Round, len(r.Payload))
}

// Checkpoint marks a point from which recovery can start. State is an
// opaque snapshot owned by the caller; Seq is the last record it covers.
type Checkpoint struct {
	Seq    uint64 `cbor:"1,keyasint"`
	Height uint64 `cbor:"2,keyasint"`
	State  []byte `cbor:"3,keyasint"`
}

// WAL is a durable, ordered, append-only log of consensus transitions.
type WAL interface {
	// Start opens the log and recovers the sequence counter.
	Start() error

	// Stop flushes, syncs and closes the log.
	Stop() error

	// Append assigns the next sequence number to rec and persists it.
	// When it returns nil the record survives a crash.
	Append(rec *Record) (uint64, error)

	// Flush flushes and syncs any buffered writes.
	Flush() error

	// Replay returns a reader over every retained record in sequence order.
	// Each call starts from the beginning.
	Replay() (Reader, error)

	// Truncate drops records for heights strictly below upToHeight.
	// It requires a checkpoint at or above upToHeight.
	Truncate(upToHeight uint64) error

	// SaveCheckpoint atomically replaces the recovery checkpoint.
	SaveCheckpoint(cp *Checkpoint) error

	// LoadCheckpoint returns the last checkpoint or ErrNoCheckpoint.
	LoadCheckpoint() (*Checkpoint, error)

	// LastSeq returns the sequence number of the last appended record.
	LastSeq() uint64
}

// Reader iterates records. Read returns io.EOF at the end of the log.
type Reader interface {
	Read() (*Record, error)
	Close() error
}

// seqReader enforces contiguous sequence numbers over an underlying reader.
type seqReader struct {
	Reader
	last uint64
	seen bool
}

func (r *seqReader) Read() (*Record, error) {
	rec, err := r.Reader.Read()
	if err != nil {
		return nil, err
	}
	if r.seen && rec.Seq != r.last+1 {
		return nil, fmt.Errorf("%w: sequence gap %d -> %d", ErrWALCorrupted, r.last, rec.Seq)
	}
	if !rec.Kind.IsValid() {
		return nil, fmt.Errorf("%w: seq %d has kind %d", ErrWALCorrupted, rec.Seq, uint8(rec.Kind))
	}
	r.last = rec.Seq
	r.seen = true
	return rec, nil
}
