package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
)

const (
	// seq, height, round, kind
	recordHeaderSize = 8 + 8 + 8 + 1

	maxRecordSize = 10 * 1024 * 1024

	defaultPoolBufSize = 4096
)

// Buffers are reused for reading record bodies, then copied into the Record.
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// encoder writes records as [4-byte length][body][4-byte CRC32 of body],
// where body is [seq][height][round][kind][payload].
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 4+recordHeaderSize),
	}
}

// Encode writes rec, sets rec.Checksum and returns the number of bytes written.
func (e *encoder) Encode(rec *Record) (int, error) {
	bodyLen := recordHeaderSize + len(rec.Payload)
	if bodyLen > maxRecordSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, bodyLen)
	}

	hdr := e.buf[:4+recordHeaderSize]
	binary.BigEndian.PutUint32(hdr[0:4], uint32(bodyLen))
	putRecordHeader(hdr[4:], rec)
	rec.Checksum = recordChecksum(hdr[4:], rec.Payload)

	if _, err := e.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(rec.Payload); err != nil {
		return 0, err
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], rec.Checksum)
	if _, err := e.w.Write(sum[:]); err != nil {
		return 0, err
	}
	return 4 + bodyLen + 4, nil
}

func putRecordHeader(dst []byte, rec *Record) {
	binary.BigEndian.PutUint64(dst[0:8], rec.Seq)
	binary.BigEndian.PutUint64(dst[8:16], rec.Height)
	binary.BigEndian.PutUint64(dst[16:24], rec.Round)
	dst[24] = byte(rec.Kind)
}

func recordChecksum(header, payload []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)
	return crc.Sum32()
}

// sealRecord computes the checksum a record would carry on disk.
func sealRecord(rec *Record) {
	var hdr [recordHeaderSize]byte
	putRecordHeader(hdr[:], rec)
	rec.Checksum = recordChecksum(hdr[:], rec.Payload)
}

// decoder reads records written by encoder.
type decoder struct {
	r      io.Reader
	buf    []byte
	offset int64
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

// Decode returns io.EOF only at a record boundary. A partial record or a
// checksum mismatch is reported as ErrWALCorrupted.
func (d *decoder) Decode() (*Record, error) {
	n, err := io.ReadFull(d.r, d.buf[:4])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: truncated length prefix at offset %d (%d bytes)", ErrWALCorrupted, d.offset, n)
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length < recordHeaderSize || length > maxRecordSize {
		return nil, fmt.Errorf("%w: bad record length %d at offset %d", ErrWALCorrupted, length, d.offset)
	}

	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr
	if cap(poolBuf) < int(length) {
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}
	defer func() {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
	}()

	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		return nil, fmt.Errorf("%w: truncated record body at offset %d", ErrWALCorrupted, d.offset)
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum at offset %d", ErrWALCorrupted, d.offset)
	}
	expectedCRC := binary.BigEndian.Uint32(d.buf[:4])
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("%w: CRC mismatch at offset %d (expected %08x, got %08x)",
			ErrWALCorrupted, d.offset, expectedCRC, actualCRC)
	}

	rec := &Record{
		Seq:      binary.BigEndian.Uint64(poolBuf[0:8]),
		Height:   binary.BigEndian.Uint64(poolBuf[8:16]),
		Round:    binary.BigEndian.Uint64(poolBuf[16:24]),
		Kind:     RecordKind(poolBuf[24]),
		Checksum: actualCRC,
	}
	if payloadLen := int(length) - recordHeaderSize; payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		copy(rec.Payload, poolBuf[recordHeaderSize:])
	}
	d.offset += int64(4 + length + 4)
	return rec, nil
}
