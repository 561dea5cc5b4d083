package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/blockberries/gbft/types"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024

	checkpointFile = "checkpoint"
)

// Options configures a FileWAL.
type Options struct {
	// MaxSegmentSize is the size at which the active segment is sealed.
	MaxSegmentSize int64

	// Sync makes every Append fsync before returning.
	Sync bool
}

// DefaultOptions returns durable defaults.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: defaultMaxSegSize,
		Sync:           true,
	}
}

// segmentInfo summarizes one sealed or active segment.
type segmentInfo struct {
	index     int
	maxHeight uint64
	maxSeq    uint64
	records   int
}

// FileWAL is a segmented, file-based WAL.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	opts Options

	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	started     bool
	segments    []*segmentInfo // ordered by index; last is active
	segmentSize int64
	lastSeq     uint64

	// corrupt is set when Start finds a damaged record. Appending after it
	// would bury the damage in the middle of the log.
	corrupt error
}

// NewFileWAL creates a file-based WAL in dir with default options.
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, DefaultOptions())
}

// NewFileWALWithOptions creates a file-based WAL in dir.
func NewFileWALWithOptions(dir string, opts Options) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = defaultMaxSegSize
	}
	return &FileWAL{
		dir:  dir,
		opts: opts,
	}, nil
}

// Dir returns the WAL directory.
func (w *FileWAL) Dir() string {
	return w.dir
}

// Start scans existing segments, restores the sequence counter and opens
// the newest segment for appending.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	indexes, err := findSegments(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list WAL segments: %w", err)
	}
	if len(indexes) == 0 {
		indexes = []int{0}
	}

	w.segments = w.segments[:0]
	w.corrupt = nil
	w.lastSeq = 0
	for _, idx := range indexes {
		info, err := w.scanSegment(idx)
		w.segments = append(w.segments, info)
		if err != nil {
			w.corrupt = err
			break
		}
	}

	if w.corrupt == nil {
		if err := w.skipToCheckpoint(); err != nil {
			return err
		}
	}

	active := w.segments[len(w.segments)-1]
	if err := w.openSegment(active.index); err != nil {
		return err
	}

	w.started = true
	return nil
}

// skipToCheckpoint handles a checkpoint naming records that never reached
// disk. Every record left in the log is then covered by the checkpoint, so
// the segments are dropped and numbering resumes after the checkpoint.
// Without this, new records would reuse sequence numbers that recovery
// skips as already checkpointed.
func (w *FileWAL) skipToCheckpoint() error {
	cp, err := w.LoadCheckpoint()
	if err != nil || cp.Seq <= w.lastSeq {
		// a missing or unreadable checkpoint is reported by recovery
		return nil
	}
	next := w.segments[len(w.segments)-1].index + 1
	for _, seg := range w.segments {
		if err := os.Remove(w.segmentPath(seg.index)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", seg.index, err)
		}
	}
	w.segments = []*segmentInfo{{index: next}}
	w.lastSeq = cp.Seq
	return nil
}

// scanSegment reads a segment to learn its last sequence number and height.
// The returned info is valid up to the first bad record.
func (w *FileWAL) scanSegment(idx int) (*segmentInfo, error) {
	info := &segmentInfo{index: idx}
	file, err := os.Open(w.segmentPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			return info, nil
		}
		if err != nil {
			return info, fmt.Errorf("segment %d: %w", idx, err)
		}
		if w.lastSeq != 0 && rec.Seq != w.lastSeq+1 {
			return info, fmt.Errorf("%w: segment %d sequence gap %d -> %d", ErrWALCorrupted, idx, w.lastSeq, rec.Seq)
		}
		w.lastSeq = rec.Seq
		info.maxSeq = rec.Seq
		info.records++
		if rec.Height > info.maxHeight {
			info.maxHeight = rec.Height
		}
	}
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = stat.Size()
	return nil
}

// Stop flushes, syncs and closes the active segment.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.flushAndSync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Append implements WAL.
func (w *FileWAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return 0, ErrWALClosed
	}
	if w.corrupt != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppendAfterError, w.corrupt)
	}
	if !rec.Kind.IsValid() {
		return 0, fmt.Errorf("%w: kind %s", ErrInvalidRecord, rec.Kind)
	}

	if w.segmentSize >= w.opts.MaxSegmentSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	rec.Seq = w.lastSeq + 1
	n, err := w.enc.Encode(rec)
	if err != nil {
		return 0, err
	}
	if w.opts.Sync {
		if err := w.flushAndSync(); err != nil {
			return 0, err
		}
	}

	w.lastSeq = rec.Seq
	w.segmentSize += int64(n)
	active := w.segments[len(w.segments)-1]
	active.maxSeq = rec.Seq
	active.records++
	if rec.Height > active.maxHeight {
		active.maxHeight = rec.Height
	}
	return rec.Seq, nil
}

// rotate seals the active segment and opens the next one.
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	next := w.segments[len(w.segments)-1].index + 1
	w.segments = append(w.segments, &segmentInfo{index: next})
	return w.openSegment(next)
}

// Flush implements WAL.
func (w *FileWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// LastSeq implements WAL.
func (w *FileWAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Replay implements WAL. Buffered writes are flushed first so the reader
// sees every appended record.
func (w *FileWAL) Replay() (Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		if err := w.buf.Flush(); err != nil {
			return nil, err
		}
	}
	return OpenWALForReading(w.dir)
}

// Truncate implements WAL. Only whole sealed segments are removed, and only
// when every record in them is below upToHeight and covered by the checkpoint.
func (w *FileWAL) Truncate(upToHeight uint64) error {
	cp, err := w.LoadCheckpoint()
	if err != nil {
		return err
	}
	if upToHeight > cp.Height {
		return fmt.Errorf("%w: %d > checkpoint %d", ErrTruncateTooHigh, upToHeight, cp.Height)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	removed := 0
	// Never touch the active segment.
	for _, seg := range w.segments[:len(w.segments)-1] {
		if seg.maxHeight >= upToHeight || seg.maxSeq > cp.Seq {
			break
		}
		if err := os.Remove(w.segmentPath(seg.index)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", seg.index, err)
		}
		removed++
	}
	w.segments = w.segments[removed:]
	return nil
}

// SaveCheckpoint implements WAL. The file is replaced atomically.
func (w *FileWAL) SaveCheckpoint(cp *Checkpoint) error {
	data, err := types.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(w.dir, checkpointFile), data, walFilePerm); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements WAL.
func (w *FileWAL) LoadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, checkpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	cp := new(Checkpoint)
	if err := types.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("%w: checkpoint: %v", ErrWALCorrupted, err)
	}
	return cp, nil
}

// SegmentCount returns the number of retained segments.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}

// Corruption returns the damage found by Start, if any.
func (w *FileWAL) Corruption() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.corrupt
}

var _ WAL = (*FileWAL)(nil)

// Repair cuts the log at the first damaged record, dropping it and
// everything after it. It is an operator action for a stopped WAL and
// returns the number of bytes discarded.
func Repair(dir string) (int64, error) {
	indexes, err := findSegments(dir)
	if err != nil {
		return 0, err
	}

	var (
		discarded int64
		lastSeq   uint64
		damaged   = -1
	)
	for i, idx := range indexes {
		path := filepath.Join(dir, fmt.Sprintf("wal-%05d", idx))
		if damaged >= 0 {
			stat, err := os.Stat(path)
			if err != nil {
				return discarded, err
			}
			if err := os.Remove(path); err != nil {
				return discarded, err
			}
			discarded += stat.Size()
			continue
		}

		file, err := os.Open(path)
		if err != nil {
			return discarded, err
		}
		dec := newDecoder(bufio.NewReader(file))
		var good int64
		for {
			rec, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil || (lastSeq != 0 && rec.Seq != lastSeq+1) {
				damaged = i
				break
			}
			lastSeq = rec.Seq
			good = dec.offset
		}
		stat, err := file.Stat()
		file.Close()
		if err != nil {
			return discarded, err
		}
		if damaged == i {
			if err := os.Truncate(path, good); err != nil {
				return discarded, err
			}
			discarded += stat.Size() - good
		}
	}
	return discarded, nil
}

// OpenWALForReading opens the segments in dir for sequential reading.
func OpenWALForReading(dir string) (Reader, error) {
	segments, err := findSegments(dir)
	if err != nil {
		return nil, err
	}
	return &seqReader{Reader: &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1,
	}}, nil
}

func findSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 && !entry.IsDir() {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

// multiSegmentReader reads through segments lazily, one open file at a time.
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	file     *os.File
	dec      *decoder
}

func (r *multiSegmentReader) Read() (*Record, error) {
	for {
		if r.file == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current])))
			if err != nil {
				return nil, err
			}
			r.file = file
			r.dec = newDecoder(bufio.NewReader(file))
		}

		rec, err := r.dec.Decode()
		if err == io.EOF {
			r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", r.segments[r.current], err)
		}
		return rec, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
