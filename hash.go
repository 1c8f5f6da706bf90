// Package commoncrawl holds the shared domain types for the archive access
// core: hashed cache keys, crawl snapshots, and index records.
package commoncrawl

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash is a BLAKE3 256-bit digest of a logical cache key or blob payload.
type Hash [HashSize]byte

// KeyHash computes the deterministic digest of a logical cache key.
func KeyHash(key string) Hash {
	return Hash(blake3.Sum256([]byte(key)))
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display and logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ShardKey returns the storage key for the hash's blob, sharded by the
// first four hex characters to keep directory fan-out bounded.
// Format: {hex[:2]}/{hex[2:4]}/{hex}
func (h Hash) ShardKey() string {
	hexStr := h.String()
	return hexStr[:2] + "/" + hexStr[2:4] + "/" + hexStr
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}
