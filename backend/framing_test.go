package backend

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	header := &EntryHeader{
		KeyHash:       "deadbeef",
		CreatedAt:     "2024-03-15T10:30:00Z",
		TTLSeconds:    604800,
		ContentHash:   "cafef00d",
		ContentLength: 13,
	}
	value := []byte("hello, world!")

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, bytes.NewReader(value))
	require.NoError(t, err)

	readHeader, valueReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header, readHeader)

	got, err := io.ReadAll(valueReader)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestFramingEmptyValue(t *testing.T) {
	header := &EntryHeader{KeyHash: "aa", CreatedAt: "2024-03-15T10:30:00Z"}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(nil)))

	_, valueReader, err := ReadFramed(&buf)
	require.NoError(t, err)

	got, err := io.ReadAll(valueReader)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadFramedRejectsBadMagic(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("NOPExxxxxxxx")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedRejectsTruncatedInput(t *testing.T) {
	header := &EntryHeader{KeyHash: "aa"}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader([]byte("value"))))

	truncated := buf.Bytes()[:6]
	_, _, err := ReadFramed(bytes.NewReader(truncated))
	require.Error(t, err)
}
