package streamjson

import (
	"encoding/json"
	"strings"
)

// detectorState enumerates the scanner positions of a [FieldDetector].
type detectorState int

const (
	stateSeekObject detectorState = iota // before the opening '{'
	stateExpectKey                       // inside the object, before a key
	stateInKey                           // inside a key string
	stateExpectColon
	stateSeekValue // after ':', before the value's first byte
	stateInValue
	stateAfterValue // after a completed value, before ',' or '}'
	stateClosed     // top-level object closed
	stateDead       // malformed input; no further emissions
)

// FieldDetector accumulates model-emitted text and identifies when each
// top-level JSON field has been fully received — its value token complete and
// balanced. On completion of each field it invokes the callback exactly once,
// in model emission order.
//
// Malformed input never panics: the detector simply stops emitting further
// fields and preserves whatever has been delivered.
type FieldDetector struct {
	onField func(name string, value any)

	buf strings.Builder

	state      detectorState
	key        strings.Builder
	valueStart int // byte offset of the current value in buf
	depth      int // container nesting within the current value
	inString   bool
	escaped    bool
	scanned    int // bytes of buf already consumed by the scanner
}

// NewFieldDetector creates a detector that calls onField once per completed
// top-level field. A nil callback is allowed; the detector then only
// accumulates text for [FieldDetector.TryParseComplete].
func NewFieldDetector(onField func(name string, value any)) *FieldDetector {
	return &FieldDetector{onField: onField, state: stateSeekObject}
}

// Write appends text and advances the scanner, emitting any fields the new
// text completes.
func (d *FieldDetector) Write(text string) {
	d.buf.WriteString(text)
	if d.state == stateDead || d.state == stateClosed {
		return
	}
	d.scan()
}

// Buffer returns everything written so far.
func (d *FieldDetector) Buffer() string { return d.buf.String() }

// TryParseComplete attempts to parse the entire accumulated buffer as a
// single JSON document. On success the result is the canonical final
// payload. Leading and trailing non-JSON text (such as markdown fences) is
// tolerated.
func (d *FieldDetector) TryParseComplete() (map[string]any, bool) {
	s := ExtractJSONDocument(d.buf.String())
	if s == "" {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

// scan advances through unscanned bytes of the buffer.
func (d *FieldDetector) scan() {
	s := d.buf.String()
	for d.scanned < len(s) {
		if d.state == stateDead {
			return
		}
		c := s[d.scanned]
		switch d.state {

		case stateSeekObject:
			if c == '{' {
				d.state = stateExpectKey
			}

		case stateExpectKey:
			switch {
			case c == '"':
				d.key.Reset()
				d.state = stateInKey
			case c == '}':
				d.state = stateClosed
				return
			case c == ',' || isSpace(c):
				// skip
			default:
				d.die()
				return
			}

		case stateInKey:
			if d.escaped {
				d.escaped = false
				d.key.WriteByte(c)
			} else if c == '\\' {
				d.escaped = true
			} else if c == '"' {
				d.state = stateExpectColon
			} else {
				d.key.WriteByte(c)
			}

		case stateExpectColon:
			switch {
			case c == ':':
				d.state = stateSeekValue
			case isSpace(c):
			default:
				d.die()
				return
			}

		case stateSeekValue:
			if isSpace(c) {
				break
			}
			d.valueStart = d.scanned
			d.depth = 0
			d.inString = false
			d.escaped = false
			switch c {
			case '{', '[':
				d.depth = 1
				d.state = stateInValue
			case '"':
				d.inString = true
				d.state = stateInValue
			default:
				// Number or literal; completes at a terminator.
				d.state = stateInValue
			}

		case stateInValue:
			if done := d.advanceValue(s, c); done {
				return
			}

		case stateAfterValue:
			switch {
			case c == ',':
				d.state = stateExpectKey
			case c == '}':
				d.state = stateClosed
				return
			case isSpace(c):
			default:
				d.die()
				return
			}
		}
		d.scanned++
	}
}

// advanceValue processes one byte of the current value. It returns true when
// scanning must stop (terminal state reached).
func (d *FieldDetector) advanceValue(s string, c byte) (stop bool) {
	first := s[d.valueStart]

	switch {
	case first == '"':
		// String value.
		if d.escaped {
			d.escaped = false
		} else if c == '\\' {
			d.escaped = true
		} else if c == '"' && d.scanned > d.valueStart {
			d.completeValue(s[d.valueStart : d.scanned+1])
		}

	case first == '{' || first == '[':
		// Container value; track nesting and strings inside it.
		if d.inString {
			if d.escaped {
				d.escaped = false
			} else if c == '\\' {
				d.escaped = true
			} else if c == '"' {
				d.inString = false
			}
			return false
		}
		switch c {
		case '"':
			d.inString = true
		case '{', '[':
			if d.scanned > d.valueStart {
				d.depth++
			}
		case '}', ']':
			d.depth--
			if d.depth == 0 {
				d.completeValue(s[d.valueStart : d.scanned+1])
			}
		}

	default:
		// Number or bare literal; a terminator ends it without being
		// consumed as part of the value.
		if c == ',' || c == '}' || isSpace(c) {
			d.completeValue(s[d.valueStart:d.scanned])
			// Reprocess the terminator in stateAfterValue.
			d.scanned--
		}
	}
	return false
}

// completeValue emits the field whose raw value text is raw.
func (d *FieldDetector) completeValue(raw string) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		d.die()
		return
	}
	if d.onField != nil {
		d.onField(d.key.String(), v)
	}
	d.state = stateAfterValue
}

// die stops all further emission; already delivered fields stay valid.
func (d *FieldDetector) die() { d.state = stateDead }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ExtractJSONDocument returns the first JSON object or array embedded in s,
// tolerating markdown fences and prose around it. Returns "" when s contains
// no balanced document.
func ExtractJSONDocument(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
