// Package streamjson provides incremental parsing for streamed model output:
// an SSE event parser that reassembles JSON payloads from arbitrary byte
// chunks, and a field detector that reports top-level JSON fields the moment
// each one is fully received.
//
// Both types are single-goroutine state machines; the adapter driving a
// stream owns them for the lifetime of one request.
package streamjson

import (
	"bytes"
	"encoding/json"
	"strings"
)

// SSEParser consumes arbitrary byte chunks from an HTTP response body and
// yields the JSON payloads of complete server-sent events. Events are
// delimited by a blank line; multiple "data:" lines within one event are
// concatenated with newlines per the SSE specification. Non-JSON data lines
// (such as the "[DONE]" terminator) are skipped silently.
type SSEParser struct {
	buf bytes.Buffer
}

// NewSSEParser returns an empty parser.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed appends chunk to the internal buffer and returns the payloads of all
// events completed by it. Incomplete trailing data stays buffered until the
// next chunk or [SSEParser.Flush].
func (p *SSEParser) Feed(chunk []byte) []json.RawMessage {
	p.buf.Write(chunk)

	var out []json.RawMessage
	for {
		data := p.buf.Bytes()
		idx, delim := eventDelimiter(data)
		if idx < 0 {
			return out
		}
		event := make([]byte, idx)
		copy(event, data[:idx])
		p.buf.Next(idx + delim)

		if payload, ok := parseEvent(event); ok {
			out = append(out, payload)
		}
	}
}

// Flush parses whatever remains in the buffer as a final event. Must be
// called at stream end to recover a trailing event that was not followed by
// a blank line.
func (p *SSEParser) Flush() []json.RawMessage {
	rest := p.buf.Bytes()
	p.buf.Reset()
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if payload, ok := parseEvent(rest); ok {
		return []json.RawMessage{payload}
	}
	return nil
}

// eventDelimiter locates the first blank-line event boundary in data,
// returning the boundary index and the delimiter length, or (-1, 0).
func eventDelimiter(data []byte) (idx, length int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

// parseEvent extracts and concatenates the data lines of one SSE event and
// attempts to interpret them as a JSON document. Events without valid JSON
// data report ok=false.
func parseEvent(event []byte) (payload json.RawMessage, ok bool) {
	var parts []string
	for _, line := range strings.Split(string(event), "\n") {
		line = strings.TrimSuffix(line, "\r")
		rest, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		parts = append(parts, strings.TrimPrefix(rest, " "))
	}
	if len(parts) == 0 {
		return nil, false
	}
	joined := strings.Join(parts, "\n")
	if !json.Valid([]byte(joined)) {
		return nil, false
	}
	return json.RawMessage(joined), true
}
