// Package warc parses WARC/1.0 archive records out of (optionally gzipped)
// segment data and reconstructs the HTTP responses captured inside them.
package warc

import (
	"strconv"
	"strings"
)

// Record header names used by this package.
const (
	headerRecordID      = "WARC-Record-ID"
	headerRecordType    = "WARC-Type"
	headerTargetURI     = "WARC-Target-URI"
	headerDate          = "WARC-Date"
	headerContentType   = "Content-Type"
	headerContentLength = "Content-Length"
)

// Record is one parsed archive record. Records are constructed transiently
// while iterating a segment stream and are not persisted by this package.
type Record struct {
	ID            string
	Type          string
	TargetURI     string
	Date          string
	ContentType   string
	ContentLength int64
	Headers       map[string]string
	Payload       []byte
}

// HTTPResponse is the HTTP message reconstructed from a response record's
// payload. StatusAssumed marks responses whose payload had no recognizable
// header/body boundary: the whole payload became the body and the status
// code was defaulted to 200. Callers that care about capture quality must
// treat assumed responses separately from genuinely parsed 200s.
type HTTPResponse struct {
	StatusCode    int
	Headers       map[string]string
	Body          []byte
	StatusAssumed bool
}

// ToHTTPResponse splits a response record's payload into status line,
// headers, and body. Returns ok=false for non-response records.
func (r *Record) ToHTTPResponse() (resp *HTTPResponse, ok bool) {
	if r.Type != "response" {
		return nil, false
	}

	head, body, found := splitMessage(r.Payload)
	if !found {
		return &HTTPResponse{
			StatusCode:    200,
			Headers:       map[string]string{},
			Body:          r.Payload,
			StatusAssumed: true,
		}, true
	}

	lines := splitLines(head)
	resp = &HTTPResponse{
		StatusCode: 200,
		Headers:    make(map[string]string, len(lines)),
		Body:       body,
	}

	if len(lines) > 0 {
		if code, ok := parseStatusLine(lines[0]); ok {
			resp.StatusCode = code
		} else {
			resp.StatusAssumed = true
		}
		for _, line := range lines[1:] {
			if name, value, ok := strings.Cut(line, ":"); ok {
				resp.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
			}
		}
	} else {
		resp.StatusAssumed = true
	}

	return resp, true
}

// splitMessage finds the first blank-line boundary between HTTP headers and
// body, trying CRLF framing first and bare LF as a fallback.
func splitMessage(payload []byte) (head, body []byte, found bool) {
	s := string(payload)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return payload[:i], payload[i+4:], true
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return payload[:i], payload[i+2:], true
	}
	return nil, nil, false
}

func splitLines(head []byte) []string {
	lines := strings.Split(string(head), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// parseStatusLine extracts the status code from a line like
// "HTTP/1.1 200 OK".
func parseStatusLine(line string) (int, bool) {
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}
