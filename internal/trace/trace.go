// Package trace records wire packets to a binary log.
//
// Each record is a 24 byte header followed by the packet:
//   - 2 bytes direction (1 = received, 2 = sent)
//   - 2 bytes reserved
//   - 4 bytes entity id
//   - 4 bytes packet length
//   - 4 bytes protocol code, copied from the packet
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve their region by atomically advancing the file offset, so
// records never interleave.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/kmsd/internal/protocol"
)

const HeaderSize = 24

type Direction uint16

const (
	DirectionInvalid Direction = iota
	Received
	Sent
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "recv"
	case Sent:
		return "send"
	default:
		return "invalid"
	}
}

var ErrInvalidRecord = errors.New("trace: invalid record")

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile starts tracing to filename, truncating it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing to w. The error is a warning: a previous writer was
// replaced without being closed.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("trace: already open, discarded old writer")
	}
	return nil
}

// OpenMemory starts tracing to an in-memory buffer.
func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	if err := Open(mem); err != nil {
		return mem, err
	}
	return mem, nil
}

func Close() error {
	old := fh.Swap(nil)
	offset.Store(0)
	if old != nil {
		return old.w.Close()
	}
	return nil
}

// Enabled reports whether a writer is open.
func Enabled() bool { return fh.Load() != nil }

// Record appends one packet. It does nothing while tracing is off.
func Record(dir Direction, entity uint32, packet []byte) {
	out := fh.Load()
	if out == nil {
		return
	}

	buf := make([]byte, HeaderSize+len(packet))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(dir))
	binary.LittleEndian.PutUint32(buf[4:8], entity)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(packet)))
	if len(packet) >= protocol.HeaderSize {
		copy(buf[12:16], packet[:protocol.HeaderSize])
	}
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixNano()))
	copy(buf[HeaderSize:], packet)

	size := uint64(len(buf))
	off := offset.Add(size) - size
	if _, err := out.w.WriteAt(buf, int64(off)); err != nil {
		// A broken trace must not take the display down; stop tracing.
		fh.CompareAndSwap(out, nil)
	}
}

// Memory is a Writer backed by memory.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Entry is one decoded record.
type Entry struct {
	Time      time.Time
	Direction Direction
	Entity    uint32
	Code      protocol.Code
	Packet    []byte
}

// Reader walks a trace in write order.
type Reader struct {
	r io.ReaderAt
}

func NewReader(r io.ReaderAt) *Reader {
	return &Reader{r: r}
}

// Each calls fn for every record. Entries may be filtered by entity; zero
// matches all.
func (r *Reader) Each(entity uint32, fn func(Entry) error) error {
	var header [HeaderSize]byte
	var off int64
	for {
		if _, err := r.r.ReadAt(header[:], off); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("trace: read header at %d: %w", off, err)
		}
		dir := Direction(binary.LittleEndian.Uint16(header[0:2]))
		if dir != Received && dir != Sent {
			// a zeroed header is a region reserved by a writer that never finished
			return fmt.Errorf("%w at offset %d", ErrInvalidRecord, off)
		}
		e := Entry{
			Direction: dir,
			Entity:    binary.LittleEndian.Uint32(header[4:8]),
			Code:      protocol.Code(int32(binary.LittleEndian.Uint32(header[12:16]))),
			Time:      time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))),
		}
		length := binary.LittleEndian.Uint32(header[8:12])
		if length > protocol.MaxSize {
			return fmt.Errorf("%w: packet length %d at offset %d", ErrInvalidRecord, length, off)
		}

		if entity == 0 || e.Entity == entity {
			e.Packet = make([]byte, length)
			if _, err := r.r.ReadAt(e.Packet, off+HeaderSize); err != nil && !(errors.Is(err, io.EOF) && length == 0) {
				return fmt.Errorf("trace: read packet at %d: %w", off, err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		off += HeaderSize + int64(length)
	}
}

// OpenReader opens a trace file.
func OpenReader(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open: %w", err)
	}
	return NewReader(f), f, nil
}
