// Package jsonstream implements a streaming JSON decoder that emits one
// fully-parsed value at a time from a byte stream. It is used by the
// standalone job executor to read its parameters (and any subsequent
// values) from standard input without needing the whole request
// buffered in memory first.
//
// The parser is organized the way the reference implementation this was
// distilled from organizes it: one small routine per JSON construct
// (value, string, number, constant, array, object), each consuming the
// stream one byte at a time with at most a single byte of lookahead
// (used only to find where a number ends, since numbers have no
// explicit terminator). There is no backtracking past that one byte.
package jsonstream

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/tessia-project/jobscheduler/pkg/errors"
)

// Decoder reads a sequence of JSON values from an underlying byte stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for streaming decode.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads and returns the next complete JSON value. Decoded values use
// the natural Go mapping: nil, bool, float64, string, []interface{},
// map[string]interface{}.
//
// Next returns io.EOF if the stream ends between values (only whitespace,
// or nothing at all, remained). It returns a wrapped errors.ErrStreamTruncated
// if the stream ends in the middle of a value, and a wrapped
// errors.ErrStreamSyntax naming the offending byte for malformed input.
func (d *Decoder) Next() (interface{}, error) {
	b, err := d.r.ReadByte()
	for err == nil && isWhitespace(b) {
		b, err = d.r.ReadByte()
	}
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return d.parseValue(b)
}

func isWhitespace(b byte) bool {
	return b == 0x09 || b == 0x0a || b == 0x0d || b == 0x20
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// requireByte reads one byte, mapping EOF to ErrStreamTruncated: it is
// only called where a byte is structurally mandatory next.
func (d *Decoder) requireByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, errors.ErrStreamTruncated
	}
	if err != nil {
		return 0, err
	}
	return b, nil
}

func (d *Decoder) requireNonWhitespace() (byte, error) {
	for {
		b, err := d.requireByte()
		if err != nil {
			return 0, err
		}
		if !isWhitespace(b) {
			return b, nil
		}
	}
}

// peekByte reads one byte if available; at EOF it reports ok=false
// without error, for the positions where running out of input is a
// valid way to end a value (after the mandatory digits of a number).
func (d *Decoder) peekByte() (b byte, ok bool, err error) {
	c, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c, true, nil
}

func syntaxErrorf(b byte, expectation string) error {
	return fmt.Errorf("%w: unexpected byte 0x%02x, expected %s", errors.ErrStreamSyntax, b, expectation)
}

func (d *Decoder) parseValue(b byte) (interface{}, error) {
	switch {
	case b == '"':
		s, err := d.parseString()
		return s, err
	case b == '-' || isDigit(b):
		n, err := d.parseNumber(b)
		return n, err
	case b == '{':
		o, err := d.parseObject()
		return o, err
	case b == '[':
		a, err := d.parseArray()
		return a, err
	case b == 't':
		v, err := d.parseConstant([]byte{'r', 'u', 'e'}, true)
		return v, err
	case b == 'f':
		v, err := d.parseConstant([]byte{'a', 'l', 's', 'e'}, false)
		return v, err
	case b == 'n':
		v, err := d.parseConstant([]byte{'u', 'l', 'l'}, nil)
		return v, err
	default:
		return nil, syntaxErrorf(b, "start of a JSON value")
	}
}

func (d *Decoder) parseConstant(tail []byte, value interface{}) (interface{}, error) {
	for _, want := range tail {
		b, err := d.requireByte()
		if err != nil {
			return nil, err
		}
		if b != want {
			return nil, syntaxErrorf(b, fmt.Sprintf("%q while parsing constant", want))
		}
	}
	return value, nil
}

func (d *Decoder) parseString() (string, error) {
	var buf []byte
	for {
		b, err := d.requireByte()
		if err != nil {
			return "", err
		}
		switch {
		case b == '"':
			return string(buf), nil
		case b == '\\':
			seq, err := d.parseEscape()
			if err != nil {
				return "", err
			}
			buf = append(buf, seq...)
		case b < 0x20:
			return "", syntaxErrorf(b, "a valid string character (control bytes must be escaped)")
		case b&0x80 != 0:
			seq, err := d.parseUTF8Sequence(b)
			if err != nil {
				return "", err
			}
			buf = append(buf, seq...)
		default:
			buf = append(buf, b)
		}
	}
}

func (d *Decoder) parseEscape() ([]byte, error) {
	b, err := d.requireByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '"', '\\', '/':
		return []byte{b}, nil
	case 'b':
		return []byte{'\b'}, nil
	case 'f':
		return []byte{'\f'}, nil
	case 'n':
		return []byte{'\n'}, nil
	case 'r':
		return []byte{'\r'}, nil
	case 't':
		return []byte{'\t'}, nil
	case 'u':
		r, err := d.parseHex4()
		if err != nil {
			return nil, err
		}
		return []byte(string(rune(r))), nil
	default:
		return nil, syntaxErrorf(b, "a valid escape character")
	}
}

func (d *Decoder) parseHex4() (int, error) {
	val := 0
	for i := 0; i < 4; i++ {
		b, err := d.requireByte()
		if err != nil {
			return 0, err
		}
		var digit int
		switch {
		case b >= '0' && b <= '9':
			digit = int(b - '0')
		case b >= 'a' && b <= 'f':
			digit = int(b-'a') + 10
		case b >= 'A' && b <= 'F':
			digit = int(b-'A') + 10
		default:
			return 0, syntaxErrorf(b, "a hex digit in \\u escape")
		}
		val = val<<4 | digit
	}
	return val, nil
}

// parseUTF8Sequence validates and returns a multi-byte UTF-8 sequence
// starting with the already-read lead byte b.
func (d *Decoder) parseUTF8Sequence(b byte) ([]byte, error) {
	var length int
	switch {
	case b&0xe0 == 0xc0:
		length = 2
	case b&0xf0 == 0xe0:
		length = 3
	case b&0xf8 == 0xf0:
		length = 4
	default:
		return nil, syntaxErrorf(b, "a valid UTF-8 lead byte")
	}
	seq := make([]byte, 0, length)
	seq = append(seq, b)
	for i := 1; i < length; i++ {
		cb, err := d.requireByte()
		if err != nil {
			return nil, err
		}
		if cb&0xc0 != 0x80 {
			return nil, syntaxErrorf(cb, "a UTF-8 continuation byte")
		}
		seq = append(seq, cb)
	}
	return seq, nil
}

func (d *Decoder) parseNumber(first byte) (float64, error) {
	buf := make([]byte, 0, 16)
	buf = append(buf, first)

	if first == '-' {
		b, err := d.requireByte()
		if err != nil {
			return 0, err
		}
		if !isDigit(b) {
			return 0, syntaxErrorf(b, "a digit after '-'")
		}
		buf = append(buf, b)
		first = b
	}

	if first == '0' {
		nb, ok, err := d.peekByte()
		if err != nil {
			return 0, err
		}
		if ok {
			if isDigit(nb) {
				return 0, syntaxErrorf(nb, "no further digit after a leading zero")
			}
			if err := d.r.UnreadByte(); err != nil {
				return 0, err
			}
		}
	} else if err := d.consumeDigits(&buf); err != nil {
		return 0, err
	}

	b, ok, err := d.peekByte()
	if err != nil {
		return 0, err
	}
	if ok && b == '.' {
		buf = append(buf, b)
		fb, err := d.requireByte()
		if err != nil {
			return 0, err
		}
		if !isDigit(fb) {
			return 0, syntaxErrorf(fb, "a digit after the decimal point")
		}
		buf = append(buf, fb)
		if err := d.consumeDigits(&buf); err != nil {
			return 0, err
		}
		b, ok, err = d.peekByte()
		if err != nil {
			return 0, err
		}
	}

	if ok && (b == 'e' || b == 'E') {
		buf = append(buf, b)
		eb, err := d.requireByte()
		if err != nil {
			return 0, err
		}
		if eb == '+' || eb == '-' {
			buf = append(buf, eb)
			eb, err = d.requireByte()
			if err != nil {
				return 0, err
			}
		}
		if !isDigit(eb) {
			return 0, syntaxErrorf(eb, "a digit in the exponent")
		}
		buf = append(buf, eb)
		if err := d.consumeDigits(&buf); err != nil {
			return 0, err
		}
	} else if ok {
		if err := d.r.UnreadByte(); err != nil {
			return 0, err
		}
	}

	f, err := strconv.ParseFloat(string(buf), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid number", errors.ErrStreamSyntax, buf)
	}
	return f, nil
}

func (d *Decoder) consumeDigits(buf *[]byte) error {
	for {
		b, ok, err := d.peekByte()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !isDigit(b) {
			return d.r.UnreadByte()
		}
		*buf = append(*buf, b)
	}
}

func (d *Decoder) parseArray() ([]interface{}, error) {
	result := []interface{}{}

	b, err := d.requireNonWhitespace()
	if err != nil {
		return nil, err
	}
	if b == ']' {
		return result, nil
	}

	for {
		v, err := d.parseValue(b)
		if err != nil {
			return nil, err
		}
		result = append(result, v)

		b, err = d.requireNonWhitespace()
		if err != nil {
			return nil, err
		}
		switch b {
		case ',':
			b, err = d.requireNonWhitespace()
			if err != nil {
				return nil, err
			}
		case ']':
			return result, nil
		default:
			return nil, syntaxErrorf(b, "',' or ']' in array")
		}
	}
}

func (d *Decoder) parseObject() (map[string]interface{}, error) {
	result := map[string]interface{}{}

	b, err := d.requireNonWhitespace()
	if err != nil {
		return nil, err
	}
	if b == '}' {
		return result, nil
	}

	for {
		if b != '"' {
			return nil, syntaxErrorf(b, "'\"' starting an object key")
		}
		key, err := d.parseString()
		if err != nil {
			return nil, err
		}

		cb, err := d.requireNonWhitespace()
		if err != nil {
			return nil, err
		}
		if cb != ':' {
			return nil, syntaxErrorf(cb, "':' after object key")
		}

		vb, err := d.requireNonWhitespace()
		if err != nil {
			return nil, err
		}
		val, err := d.parseValue(vb)
		if err != nil {
			return nil, err
		}
		result[key] = val

		b, err = d.requireNonWhitespace()
		if err != nil {
			return nil, err
		}
		switch b {
		case ',':
			b, err = d.requireNonWhitespace()
			if err != nil {
				return nil, err
			}
		case '}':
			return result, nil
		default:
			return nil, syntaxErrorf(b, "',' or '}' in object")
		}
	}
}
