package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const versionPrefix = "WARC/"

// Parse lazily yields the records framed in segmentBytes. An outer gzip
// wrapper is detected and undone transparently, including the concatenated
// per-record members a segment file is usually built from. A corrupt record
// is skipped by scanning forward to the next version line; it never aborts
// iteration of the rest of the segment. The sequence is finite and
// single-use, backed by one forward-only read over the input.
func Parse(segmentBytes []byte) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		r := bufio.NewReader(bytes.NewReader(decompress(segmentBytes)))

		for {
			rec, err := readRecord(r)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				// Corrupt record. readRecord has already consumed
				// through its framing error; resync on the next
				// version line.
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Locate returns the first response record whose target URI matches, or
// ok=false when the segment holds no capture of that URI. It deliberately
// skips request, metadata, and other record types sharing the URI: callers
// reconstruct the captured HTTP response, and only response records carry
// one. Use Parse to walk every record regardless of type.
func Locate(segmentBytes []byte, targetURI string) (rec *Record, ok bool) {
	for r := range Parse(segmentBytes) {
		if r.Type == "response" && uriMatches(r.TargetURI, targetURI) {
			return r, true
		}
	}
	return nil, false
}

// CountByType tallies the records in a segment by their record type.
func CountByType(segmentBytes []byte) map[string]int {
	counts := make(map[string]int)
	for r := range Parse(segmentBytes) {
		counts[r.Type]++
	}
	return counts
}

// uriMatches compares target URIs ignoring a trailing slash difference,
// since index rows and record headers disagree on it for root pages.
func uriMatches(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// decompress undoes an outer gzip wrapper when present. Data that does not
// carry the gzip magic, or that fails to decompress, is returned raw.
func decompress(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(zr)
	if err != nil {
		// Partial decompression still frames whole records up to the
		// corruption point.
		if len(out) > 0 {
			return out
		}
		return data
	}
	return out
}

// readRecord reads one record starting at the next version line. It returns
// io.EOF at end of input. Any other error means the current record was
// malformed; the reader is left positioned for a resync scan.
func readRecord(r *bufio.Reader) (*Record, error) {
	if err := seekVersionLine(r); err != nil {
		return nil, err
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	lengthValue, ok := headers[headerContentLength]
	if !ok {
		return nil, fmt.Errorf("record missing %s", headerContentLength)
	}
	length, err := strconv.ParseInt(lengthValue, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid record content length %q", lengthValue)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated record payload: %w", err)
		}
		return nil, err
	}

	return &Record{
		ID:            headers[headerRecordID],
		Type:          headers[headerRecordType],
		TargetURI:     headers[headerTargetURI],
		Date:          headers[headerDate],
		ContentType:   headers[headerContentType],
		ContentLength: length,
		Headers:       headers,
		Payload:       payload,
	}, nil
}

// seekVersionLine advances to the line after the next WARC version marker,
// skipping the blank inter-record separators and any garbage left by a
// previous malformed record.
func seekVersionLine(r *bufio.Reader) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, versionPrefix) {
			return nil
		}
	}
}

// readHeaders reads "Name: Value" lines up to the blank line that ends the
// record header block.
func readHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
