package types

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a hash in bytes
const HashSize = 32

// Hash is a Keccak-256 digest. The zero value is the nil block reference.
type Hash [HashSize]byte

// NilHash is the nil block reference.
var NilHash Hash

// NewHash creates a Hash from bytes, returning error if the length is wrong.
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return NewHash(data)
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// Keccak512 hashes the concatenation of data.
func Keccak512(data ...[]byte) [64]byte {
	var out [64]byte
	d := sha3.NewLegacyKeccak512()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(out[:0])
	return out
}

// IsNil returns true for the nil block reference.
func (h Hash) IsNil() bool {
	return h == NilHash
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// String returns the hex encoding, or "nil" for the nil reference.
func (h Hash) String() string {
	if h.IsNil() {
		return "nil"
	}
	return hex.EncodeToString(h[:])
}

// Short returns the first 6 bytes in hex, for logs.
func (h Hash) Short() string {
	if h.IsNil() {
		return "nil"
	}
	return hex.EncodeToString(h[:6])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
