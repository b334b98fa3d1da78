// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	STX = 0x02
	ETX = 0x03
	FS  = 0x1C

	// MaxFrameSize bounds a complete frame including markers and LRC.
	MaxFrameSize = 4096
)

var (
	ErrBadLRC       = errors.New("lrc mismatch")
	ErrOversize     = errors.New("frame exceeds maximum size")
	ErrTruncated    = errors.New("frame interrupted by new start marker")
	ErrBadHeader    = errors.New("malformed frame header")
	ErrUnsupported  = errors.New("command not supported by protocol family")
	ErrWrongMessage = errors.New("unexpected message type")
	ErrFieldValue   = errors.New("field contains a reserved control byte")
)

// LRC is the XOR of all given bytes.
func LRC(parts ...[]byte) byte {
	var l byte
	for _, p := range parts {
		for _, b := range p {
			l ^= b
		}
	}
	return l
}

// Frame is one unwrapped message. MTI is empty for the framed family.
type Frame struct {
	MTI     string
	Payload []byte
}

// framer cuts frames out of a byte stream and wraps payloads for sending.
// split returns the frame found at the head of buf together with the number
// of bytes consumed. n == 0 with a nil frame means more input is needed; a
// non-nil error means n bytes were discarded.
type framer interface {
	split(buf []byte) (f *Frame, n int, err error)
	wrap(f Frame) []byte
}

// skipToSTX discards everything before the first start marker.
func skipToSTX(buf []byte) int {
	i := bytes.IndexByte(buf, STX)
	if i < 0 {
		return len(buf)
	}
	return i
}

// framedFramer implements STX | payload | ETX | LRC.
type framedFramer struct{}

func (framedFramer) split(buf []byte) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if buf[0] != STX {
		return nil, skipToSTX(buf), nil
	}
	for j := 1; j < len(buf); j++ {
		if j+2 > MaxFrameSize {
			return nil, 1, ErrOversize
		}
		switch buf[j] {
		case STX:
			return nil, j, ErrTruncated
		case ETX:
			if j+1 >= len(buf) {
				return nil, 0, nil
			}
			payload := buf[1:j]
			if LRC(payload, []byte{ETX}) != buf[j+1] {
				return nil, j + 2, ErrBadLRC
			}
			return &Frame{Payload: append([]byte(nil), payload...)}, j + 2, nil
		}
	}
	if len(buf) >= MaxFrameSize {
		return nil, 1, ErrOversize
	}
	return nil, 0, nil
}

func (framedFramer) wrap(f Frame) []byte {
	out := make([]byte, 0, len(f.Payload)+3)
	out = append(out, STX)
	out = append(out, f.Payload...)
	out = append(out, ETX, LRC(f.Payload, []byte{ETX}))
	return out
}

// Legacy message type indicators.
const (
	MTIPoll        = "0100"
	MTIPollAck     = "0110"
	MTICommand     = "0200"
	MTICommandResp = "0210"
)

const legacyHeaderLen = 1 + 4 + 4

// legacyFramer implements STX | MTI(4) | LEN(4) | body | ETX | LRC where LEN
// is the decimal body length and the LRC covers MTI through ETX.
type legacyFramer struct{}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (legacyFramer) split(buf []byte) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if buf[0] != STX {
		return nil, skipToSTX(buf), nil
	}
	if len(buf) < legacyHeaderLen {
		return nil, 0, nil
	}
	mti, lenField := buf[1:5], buf[5:9]
	if !isDigits(mti) || !isDigits(lenField) {
		return nil, 1, ErrBadHeader
	}
	bodyLen := 0
	for _, c := range lenField {
		bodyLen = bodyLen*10 + int(c-'0')
	}
	total := legacyHeaderLen + bodyLen + 2
	if total > MaxFrameSize {
		return nil, 1, ErrOversize
	}
	if len(buf) < total {
		return nil, 0, nil
	}
	body := buf[legacyHeaderLen : legacyHeaderLen+bodyLen]
	if buf[total-2] != ETX {
		return nil, 1, fmt.Errorf("%w: missing end marker", ErrBadHeader)
	}
	if LRC(buf[1:total-1]) != buf[total-1] {
		return nil, total, ErrBadLRC
	}
	return &Frame{MTI: string(mti), Payload: append([]byte(nil), body...)}, total, nil
}

func (legacyFramer) wrap(f Frame) []byte {
	out := make([]byte, 0, legacyHeaderLen+len(f.Payload)+2)
	out = append(out, STX)
	out = append(out, f.MTI...)
	out = append(out, fmt.Sprintf("%04d", len(f.Payload))...)
	out = append(out, f.Payload...)
	out = append(out, ETX)
	out = append(out, LRC(out[1:]))
	return out
}

// reservedBytes may not appear inside a field value.
const reservedBytes = "\x02\x03\x1c"

// checkFields rejects field values that would break the frame structure.
func checkFields(fields []string) error {
	for i, f := range fields {
		if strings.ContainsAny(f, reservedBytes) {
			return fmt.Errorf("%w: field %d", ErrFieldValue, i+1)
		}
	}
	return nil
}

// joinPayload builds code FS f1 FS f2 ...
func joinPayload(code string, fields []string) []byte {
	var b strings.Builder
	b.WriteString(code)
	for _, f := range fields {
		b.WriteByte(FS)
		b.WriteString(f)
	}
	return []byte(b.String())
}

// splitPayload parses the two digit code and the FS separated fields.
func splitPayload(p []byte) (int, []string, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("payload too short")
	}
	code, err := parseTwoDigits(string(p[:2]))
	if err != nil {
		return 0, nil, err
	}
	rest := p[2:]
	if len(rest) == 0 {
		return code, nil, nil
	}
	if rest[0] != FS {
		return 0, nil, fmt.Errorf("missing field separator after code")
	}
	return code, strings.Split(string(rest[1:]), string(rune(FS))), nil
}
