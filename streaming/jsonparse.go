package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrNotObject is returned by ParsePartial when the input does not start a
// JSON object.
var ErrNotObject = errors.New("partial json: not an object")

// ParsePartial parses a possibly truncated JSON object. It returns every key
// whose value is unambiguous so far: complete values, plus the decoded prefix
// of a string and the partial contents of an object or array still being
// written. A number that touches the end of input, or an unfinished literal,
// is omitted because more characters could change it. Malformed input is an
// error.
//
// Successive calls on a growing buffer only ever extend string values.
func ParsePartial(s string) (map[string]any, error) {
	p := &partialParser{s: s}
	p.skipSpace()
	if p.eof() {
		return map[string]any{}, nil
	}
	if p.peek() != '{' {
		return nil, ErrNotObject
	}
	obj, _, err := p.object()
	if err != nil {
		return nil, err
	}
	return obj, nil
}

type partialParser struct {
	s   string
	pos int
}

func (p *partialParser) eof() bool  { return p.pos >= len(p.s) }
func (p *partialParser) peek() byte { return p.s[p.pos] }

func (p *partialParser) skipSpace() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *partialParser) syntaxErr(what string) error {
	return fmt.Errorf("partial json: %s at offset %d", what, p.pos)
}

// value parses one value. ok is false when nothing usable was read.
func (p *partialParser) value() (v any, ok, complete bool, err error) {
	switch c := p.peek(); {
	case c == '{':
		obj, complete, err := p.object()
		return obj, err == nil, complete, err
	case c == '[':
		arr, complete, err := p.array()
		return arr, err == nil, complete, err
	case c == '"':
		str, complete, err := p.str()
		return str, err == nil, complete, err
	case c == 't':
		return p.literal("true", true)
	case c == 'f':
		return p.literal("false", false)
	case c == 'n':
		return p.literal("null", nil)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		return nil, false, false, p.syntaxErr(fmt.Sprintf("unexpected %q", c))
	}
}

func (p *partialParser) object() (map[string]any, bool, error) {
	p.pos++ // '{'
	out := map[string]any{}
	for {
		p.skipSpace()
		if p.eof() {
			return out, false, nil
		}
		switch p.peek() {
		case '}':
			p.pos++
			return out, true, nil
		case ',':
			p.pos++
			continue
		case '"':
		default:
			return nil, false, p.syntaxErr("expected object key")
		}
		key, complete, err := p.str()
		if err != nil {
			return nil, false, err
		}
		if !complete {
			return out, false, nil
		}
		p.skipSpace()
		if p.eof() {
			return out, false, nil
		}
		if p.peek() != ':' {
			return nil, false, p.syntaxErr("expected ':'")
		}
		p.pos++
		p.skipSpace()
		if p.eof() {
			return out, false, nil
		}
		v, ok, complete, err := p.value()
		if err != nil {
			return nil, false, err
		}
		if ok {
			out[key] = v
		}
		if !complete {
			return out, false, nil
		}
	}
}

func (p *partialParser) array() ([]any, bool, error) {
	p.pos++ // '['
	out := []any{}
	for {
		p.skipSpace()
		if p.eof() {
			return out, false, nil
		}
		switch p.peek() {
		case ']':
			p.pos++
			return out, true, nil
		case ',':
			p.pos++
			continue
		}
		v, ok, complete, err := p.value()
		if err != nil {
			return nil, false, err
		}
		if ok {
			out = append(out, v)
		}
		if !complete {
			return out, false, nil
		}
	}
}

// str decodes a string starting at the opening quote. An unterminated string
// decodes up to its last complete character.
func (p *partialParser) str() (string, bool, error) {
	start := p.pos
	i := p.pos + 1
	for i < len(p.s) {
		switch p.s[i] {
		case '\\':
			i += 2
			continue
		case '"':
			p.pos = i + 1
			var out string
			if err := json.Unmarshal([]byte(p.s[start:p.pos]), &out); err != nil {
				return "", false, p.syntaxErr("bad string")
			}
			return out, true, nil
		}
		i++
	}

	p.pos = len(p.s)
	body := safeStringPrefix(p.s[start+1:])
	var out string
	if err := json.Unmarshal([]byte(`"`+body+`"`), &out); err != nil {
		return "", false, p.syntaxErr("bad string")
	}
	return out, false, nil
}

// safeStringPrefix drops a trailing escape sequence that is not yet complete,
// including a high surrogate still waiting for its pair.
func safeStringPrefix(body string) string {
	// Drop a multi-byte character split across fragments.
	for k := 1; k <= utf8.UTFMax-1 && k <= len(body); k++ {
		if utf8.RuneStart(body[len(body)-k]) {
			if !utf8.FullRuneInString(body[len(body)-k:]) {
				body = body[:len(body)-k]
			}
			break
		}
	}
	for {
		cut := strings.LastIndexByte(body, '\\')
		if cut < 0 {
			return body
		}
		// Count the run of backslashes ending at cut; an even run is literal.
		run := 0
		for j := cut; j >= 0 && body[j] == '\\'; j-- {
			run++
		}
		if run%2 == 0 {
			return body
		}
		esc := body[cut:]
		switch {
		case len(esc) == 1:
			body = body[:cut]
		case esc[1] == 'u':
			if len(esc) < 6 {
				body = body[:cut]
				continue
			}
			code, err := strconv.ParseUint(esc[2:6], 16, 16)
			if err == nil && code >= 0xD800 && code <= 0xDBFF && len(esc) == 6 {
				body = body[:cut]
				continue
			}
			return body
		default:
			return body
		}
	}
}

func (p *partialParser) literal(word string, v any) (any, bool, bool, error) {
	rest := p.s[p.pos:]
	if strings.HasPrefix(rest, word) {
		p.pos += len(word)
		return v, true, true, nil
	}
	if strings.HasPrefix(word, rest) {
		p.pos = len(p.s)
		return nil, false, false, nil
	}
	return nil, false, false, p.syntaxErr("bad literal")
}

func (p *partialParser) number() (any, bool, bool, error) {
	start := p.pos
	for !p.eof() && strings.IndexByte("+-.eE0123456789", p.peek()) >= 0 {
		p.pos++
	}
	if p.eof() {
		return nil, false, false, nil
	}
	f, err := strconv.ParseFloat(p.s[start:p.pos], 64)
	if err != nil {
		return nil, false, false, p.syntaxErr("bad number")
	}
	return f, true, true, nil
}
