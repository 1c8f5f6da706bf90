package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix for framed cache entry files.
	MagicBytes = []byte("CCE1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected CCE1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// EntryHeader carries the self-describing metadata written in front of every
// persisted cache value. A blob whose header disagrees with the metadata
// store is treated as absent, never as an error.
type EntryHeader struct {
	KeyHash       string `json:"key_hash"`
	CreatedAt     string `json:"created_at"`
	TTLSeconds    int64  `json:"ttl_seconds"`
	ContentHash   string `json:"content_hash"`
	ContentLength int64  `json:"content_length"`
}

// WriteFramed writes a framed cache entry to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | VALUE
func WriteFramed(w io.Writer, header *EntryHeader, value io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, value); err != nil {
		return fmt.Errorf("writing value: %w", err)
	}

	return nil
}

// ReadFramed reads a framed cache entry from the reader.
// Returns the parsed header and a reader positioned at the value bytes.
func ReadFramed(r io.Reader) (*EntryHeader, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header EntryHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}
