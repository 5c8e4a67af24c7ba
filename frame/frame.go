// Package frame builds and parses the binary frames spoken by the M100 UHF
// RFID reader module.
//
// Wire layout:
//
//	0xBB | type | command | lenHi | lenLo | params... | checksum | 0x7E
//
// The checksum is the sum of every byte from type through the last
// parameter byte, truncated to 8 bits.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Header byte = 0xBB
	Footer byte = 0x7E

	// MinLen is the shortest buffer Parse will look at.
	MinLen = 6
	// Overhead is the number of non-parameter bytes in a frame.
	Overhead = 7
	// MaxParams is the largest parameter block the length field can express.
	MaxParams = 0xFFFF
)

// Type is the frame type byte.
type Type byte

const (
	TypeCommand  Type = 0x00
	TypeResponse Type = 0x01
	TypeNotice   Type = 0x02
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeResponse:
		return "response"
	case TypeNotice:
		return "notice"
	default:
		return fmt.Sprintf("type(0x%02X)", byte(t))
	}
}

// Command is the frame command byte.
type Command byte

const (
	CmdModuleInfo      Command = 0x03
	CmdSingleInventory Command = 0x22
	CmdGetPower        Command = 0xB6
	CmdSetPower        Command = 0xB7
)

var (
	ErrFrameTooLarge  = errors.New("frame: parameters too large")
	ErrFrameTooShort  = errors.New("frame: too short")
	ErrFrameMalformed = errors.New("frame: malformed")
)

// Frame is one decoded wire frame.
type Frame struct {
	Type          Type
	Command       Command
	Params        []byte
	Checksum      byte
	ChecksumValid bool
}

// Len returns the encoded length of the frame.
func (f Frame) Len() int {
	return Overhead + len(f.Params)
}

// Checksum returns the 8-bit sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// Build encodes a frame.
func Build(t Type, cmd Command, params []byte) ([]byte, error) {
	if len(params) > MaxParams {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(params))
	}

	buf := make([]byte, 0, Overhead+len(params))
	buf = append(buf, Header, byte(t), byte(cmd))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(params)))
	buf = append(buf, params...)
	buf = append(buf, Checksum(buf[1:]), Footer)
	return buf, nil
}

// Parse decodes a single frame occupying all of b. A checksum mismatch is not
// an error; callers must check ChecksumValid.
func Parse(b []byte) (Frame, error) {
	if len(b) < MinLen {
		return Frame{}, ErrFrameTooShort
	}
	if b[0] != Header {
		return Frame{}, fmt.Errorf("%w: header 0x%02X", ErrFrameMalformed, b[0])
	}
	if b[len(b)-1] != Footer {
		return Frame{}, fmt.Errorf("%w: footer 0x%02X", ErrFrameMalformed, b[len(b)-1])
	}

	n := int(binary.BigEndian.Uint16(b[3:5]))
	if len(b) < MinLen+n {
		return Frame{}, fmt.Errorf("%w: declared %d params, have %d bytes", ErrFrameMalformed, n, len(b))
	}

	params := make([]byte, n)
	copy(params, b[5:5+n])
	sum := b[5+n]

	return Frame{
		Type:          Type(b[1]),
		Command:       Command(b[2]),
		Params:        params,
		Checksum:      sum,
		ChecksumValid: sum == Checksum(b[1:5+n]),
	}, nil
}

// Next scans b for the first self-consistent frame: a header byte whose
// declared parameter length places a footer byte where one is expected.
// It returns the parsed frame and the bytes following it. Bytes that cannot
// begin such a frame are skipped. ok is false when no complete frame is
// present; rest then holds the unconsumed tail starting at the earliest
// header that may still be arriving, so the caller can append more input.
func Next(b []byte) (f Frame, rest []byte, ok bool) {
	pending := -1
	for i := 0; i+MinLen <= len(b); i++ {
		if b[i] != Header {
			continue
		}
		n := int(binary.BigEndian.Uint16(b[i+3 : i+5]))
		end := i + Overhead + n
		if end > len(b) {
			if pending < 0 {
				pending = i
			}
			continue
		}
		if b[end-1] != Footer {
			continue
		}
		f, err := Parse(b[i:end])
		if err != nil {
			continue
		}
		return f, b[end:], true
	}
	if pending >= 0 {
		return Frame{}, b[pending:], false
	}
	return Frame{}, tail(b), false
}

// tail keeps a trailing partial header so a later read can complete it.
func tail(b []byte) []byte {
	start := len(b) - (MinLen - 1)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(b); i++ {
		if b[i] == Header {
			return b[i:]
		}
	}
	return nil
}
