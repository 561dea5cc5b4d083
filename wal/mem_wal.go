package wal

import (
	"fmt"
	"io"
	"sync"
)

// MemWAL is an in-memory WAL with the same ordering and truncation rules
// as FileWAL. Nothing survives the process, so it is meant for tests and
// simulations; FailAppend lets tests inject I/O failures.
type MemWAL struct {
	mu         sync.Mutex
	records    []*Record
	lastSeq    uint64
	checkpoint *Checkpoint
	started    bool

	// FailAppend, when set, is returned by every Append.
	FailAppend error
}

// NewMemWAL returns an empty in-memory WAL.
func NewMemWAL() *MemWAL {
	return &MemWAL{}
}

func (w *MemWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return nil
}

func (w *MemWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
	return nil
}

func (w *MemWAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return 0, ErrWALClosed
	}
	if w.FailAppend != nil {
		return 0, w.FailAppend
	}
	if !rec.Kind.IsValid() {
		return 0, fmt.Errorf("%w: kind %s", ErrInvalidRecord, rec.Kind)
	}

	rec.Seq = w.lastSeq + 1
	sealRecord(rec)
	stored := *rec
	stored.Payload = append([]byte(nil), rec.Payload...)
	w.records = append(w.records, &stored)
	w.lastSeq = rec.Seq
	return rec.Seq, nil
}

func (w *MemWAL) Flush() error {
	return nil
}

func (w *MemWAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Replay returns a reader over a snapshot of the current records.
func (w *MemWAL) Replay() (Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make([]*Record, len(w.records))
	copy(snapshot, w.records)
	return &seqReader{Reader: &sliceReader{records: snapshot}}, nil
}

func (w *MemWAL) Truncate(upToHeight uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.checkpoint == nil {
		return ErrNoCheckpoint
	}
	if upToHeight > w.checkpoint.Height {
		return fmt.Errorf("%w: %d > checkpoint %d", ErrTruncateTooHigh, upToHeight, w.checkpoint.Height)
	}
	cut := 0
	for cut < len(w.records) {
		rec := w.records[cut]
		if rec.Height >= upToHeight || rec.Seq > w.checkpoint.Seq {
			break
		}
		cut++
	}
	w.records = w.records[cut:]
	return nil
}

func (w *MemWAL) SaveCheckpoint(cp *Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := *cp
	stored.State = append([]byte(nil), cp.State...)
	w.checkpoint = &stored
	return nil
}

func (w *MemWAL) LoadCheckpoint() (*Checkpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.checkpoint == nil {
		return nil, ErrNoCheckpoint
	}
	cp := *w.checkpoint
	return &cp, nil
}

// Records returns a copy of the retained records.
func (w *MemWAL) Records() []*Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Record, len(w.records))
	copy(out, w.records)
	return out
}

// DropAfter discards records with Seq > seq, simulating a crash that lost
// the unsynced tail.
func (w *MemWAL) DropAfter(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, rec := range w.records {
		if rec.Seq > seq {
			w.records = w.records[:i]
			break
		}
	}
	if w.lastSeq > seq {
		w.lastSeq = seq
	}
}

var _ WAL = (*MemWAL)(nil)

type sliceReader struct {
	records []*Record
	pos     int
}

func (r *sliceReader) Read() (*Record, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *sliceReader) Close() error {
	return nil
}
