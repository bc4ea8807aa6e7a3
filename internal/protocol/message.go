// Package protocol implements the display server wire format.
//
// A packet is a little-endian int32 Code followed by fixed-width little-endian
// fields. UTF-8 strings are a uint32 byte count and the bytes. UTF-16 strings
// are a uint32 code-unit count and little-endian code units.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// HeaderSize is the size of the code slot at the start of every message.
const HeaderSize = 4

// MaxSize bounds a single packet, code included.
const MaxSize = 16 << 20

var (
	// ErrEmpty is returned when reading from a message with no payload.
	ErrEmpty = errors.New("protocol: message is empty")
	// ErrOverflow is returned when a read runs past the end of the payload.
	ErrOverflow = errors.New("protocol: read past end of message")

	ErrInvalidString = errors.New("protocol: invalid string")
	ErrTooLarge      = errors.New("protocol: message too large")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Message is a growable packet with a read cursor.
//
// The code slot is reserved up front so SetCode may be called before or after
// the payload is written; either way the code ends up at offset 0.
type Message struct {
	buf []byte
	pos int
}

// New returns an empty message carrying code.
func New(code Code) *Message {
	m := &Message{buf: make([]byte, HeaderSize, 64), pos: HeaderSize}
	m.SetCode(code)
	return m
}

// FromBytes wraps a received packet. The message aliases b.
func FromBytes(b []byte) *Message {
	return &Message{buf: b, pos: HeaderSize}
}

// Errorf builds an error reply.
func Errorf(format string, args ...any) *Message {
	m := New(CodeError)
	m.WriteString(fmt.Sprintf(format, args...))
	return m
}

func (m *Message) SetCode(code Code) {
	if len(m.buf) < HeaderSize {
		m.buf = append(m.buf, make([]byte, HeaderSize-len(m.buf))...)
	}
	binary.LittleEndian.PutUint32(m.buf, uint32(code))
}

func (m *Message) Code() (Code, error) {
	if len(m.buf) == 0 {
		return CodeNone, ErrEmpty
	}
	if len(m.buf) < HeaderSize {
		return CodeNone, ErrOverflow
	}
	return Code(int32(binary.LittleEndian.Uint32(m.buf))), nil
}

// Bytes returns the encoded packet.
func (m *Message) Bytes() []byte { return m.buf }

func (m *Message) Len() int { return len(m.buf) }

// PayloadLen is the size of everything after the code.
func (m *Message) PayloadLen() int { return max(len(m.buf)-HeaderSize, 0) }

// Remaining is the number of unread payload bytes.
func (m *Message) Remaining() int { return max(len(m.buf)-m.pos, 0) }

// Reset moves the read cursor back to the start of the payload.
func (m *Message) Reset() { m.pos = HeaderSize }

func (m *Message) next(n int) ([]byte, error) {
	if len(m.buf) <= HeaderSize {
		return nil, ErrEmpty
	}
	if n < 0 || m.pos+n > len(m.buf) || m.pos+n < m.pos {
		return nil, ErrOverflow
	}
	b := m.buf[m.pos : m.pos+n]
	m.pos += n
	return b, nil
}

func (m *Message) ReadU8() (uint8, error) {
	b, err := m.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Message) ReadU16() (uint16, error) {
	b, err := m.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Message) ReadU32() (uint32, error) {
	b, err := m.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Message) ReadU64() (uint64, error) {
	b, err := m.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Message) ReadI8() (int8, error) {
	v, err := m.ReadU8()
	return int8(v), err
}

func (m *Message) ReadI16() (int16, error) {
	v, err := m.ReadU16()
	return int16(v), err
}

func (m *Message) ReadI32() (int32, error) {
	v, err := m.ReadU32()
	return int32(v), err
}

func (m *Message) ReadI64() (int64, error) {
	v, err := m.ReadU64()
	return int64(v), err
}

func (m *Message) ReadF32() (float32, error) {
	v, err := m.ReadU32()
	return math.Float32frombits(v), err
}

func (m *Message) ReadF64() (float64, error) {
	v, err := m.ReadU64()
	return math.Float64frombits(v), err
}

// ReadString reads a UTF-8 string.
func (m *Message) ReadString() (string, error) {
	start := m.pos
	b, err := m.prefixed(1)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		m.pos = start
		return "", ErrInvalidString
	}
	return string(b), nil
}

// ReadUTF16 reads a UTF-16 string and returns it as UTF-8.
func (m *Message) ReadUTF16() (string, error) {
	start := m.pos
	b, err := m.prefixed(2)
	if err != nil {
		return "", err
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		m.pos = start
		return "", fmt.Errorf("%w: %w", ErrInvalidString, err)
	}
	return string(s), nil
}

// ReadU32s reads a count-prefixed array of uint32.
func (m *Message) ReadU32s() ([]uint32, error) {
	b, err := m.prefixed(4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}

// prefixed reads a u32 count followed by count units of size bytes. On error
// the cursor is left where it was, count included.
func (m *Message) prefixed(size int) ([]byte, error) {
	start := m.pos
	n, err := m.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(n)*uint64(size) > uint64(m.Remaining()) {
		m.pos = start
		return nil, ErrOverflow
	}
	return m.next(int(n) * size)
}

func (m *Message) WriteU8(v uint8) { m.buf = append(m.buf, v) }

func (m *Message) WriteU16(v uint16) { m.buf = binary.LittleEndian.AppendUint16(m.buf, v) }

func (m *Message) WriteU32(v uint32) { m.buf = binary.LittleEndian.AppendUint32(m.buf, v) }

func (m *Message) WriteU64(v uint64) { m.buf = binary.LittleEndian.AppendUint64(m.buf, v) }

func (m *Message) WriteI8(v int8)   { m.WriteU8(uint8(v)) }
func (m *Message) WriteI16(v int16) { m.WriteU16(uint16(v)) }
func (m *Message) WriteI32(v int32) { m.WriteU32(uint32(v)) }
func (m *Message) WriteI64(v int64) { m.WriteU64(uint64(v)) }

func (m *Message) WriteF32(v float32) { m.WriteU32(math.Float32bits(v)) }
func (m *Message) WriteF64(v float64) { m.WriteU64(math.Float64bits(v)) }

// WriteString writes s as UTF-8. Invalid sequences are replaced with U+FFFD.
func (m *Message) WriteString(s string) {
	if !utf8.ValidString(s) {
		s = string([]rune(s))
	}
	m.WriteU32(uint32(len(s)))
	m.buf = append(m.buf, s...)
}

// WriteUTF16 writes s as UTF-16 code units.
func (m *Message) WriteUTF16(s string) {
	b, err := utf16le.NewEncoder().String(s)
	if err != nil {
		// only reachable for invalid UTF-8 input
		b, _ = utf16le.NewEncoder().String(string([]rune(s)))
	}
	m.WriteU32(uint32(len(b) / 2))
	m.buf = append(m.buf, b...)
}

// WriteU32s writes a count-prefixed array of uint32.
func (m *Message) WriteU32s(v []uint32) {
	m.WriteU32(uint32(len(v)))
	for _, x := range v {
		m.WriteU32(x)
	}
}
