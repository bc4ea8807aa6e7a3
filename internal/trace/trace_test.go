package trace

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tinyrange/kmsd/internal/protocol"
)

func packet(code protocol.Code, v uint32) []byte {
	m := protocol.New(code)
	m.WriteU32(v)
	return m.Bytes()
}

func TestTraceMemory(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Record(Received, 1, packet(protocol.CodeEnumerateGPUs, 0))
	Record(Sent, 1, packet(protocol.CodeEnumerateGPUs, 2))
	Record(Received, 2, []byte{})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// closed: dropped
	Record(Sent, 3, packet(protocol.CodeNone, 0))

	var got []Entry
	r := NewReader(bytes.NewReader(mem.Bytes()))
	if err := r.Each(0, func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Direction != Received || got[1].Direction != Sent || got[2].Entity != 2 {
		t.Fatalf("unexpected entries %+v", got)
	}
	if got[1].Code != protocol.CodeEnumerateGPUs || !bytes.Equal(got[1].Packet, packet(protocol.CodeEnumerateGPUs, 2)) {
		t.Fatalf("entry 1 = %+v", got[1])
	}
	if len(got[2].Packet) != 0 || got[2].Code != protocol.CodeNone {
		t.Fatalf("empty packet entry = %+v", got[2])
	}
}

func TestTraceFileFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmsd.trace")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := uint32(1); i <= 6; i++ {
		Record(Received, i%2+1, packet(protocol.CodeScreenSwap, i))
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, closer, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer closer.Close()

	var values []uint32
	if err := r.Each(2, func(e Entry) error {
		m := protocol.FromBytes(e.Packet)
		v, err := m.ReadU32()
		values = append(values, v)
		return err
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if fmt.Sprint(values) != "[1 3 5]" {
		t.Fatalf("entity 2 values = %v", values)
	}
}

func TestTraceConcurrentWriters(t *testing.T) {
	mem, _ := OpenMemory()
	var wg sync.WaitGroup
	for w := uint32(1); w <= 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint32(0); i < 100; i++ {
				Record(Sent, w, packet(protocol.CodeScreenDraw, i))
			}
		}()
	}
	wg.Wait()
	Close()

	last := make(map[uint32]int64)
	count := 0
	err := NewReader(bytes.NewReader(mem.Bytes())).Each(0, func(e Entry) error {
		v, err := protocol.FromBytes(e.Packet).ReadU32()
		if err != nil {
			return err
		}
		prev, ok := last[e.Entity]
		if ok && int64(v) <= prev {
			return fmt.Errorf("entity %d out of order: %d after %d", e.Entity, v, prev)
		}
		last[e.Entity] = int64(v)
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 800 {
		t.Fatalf("count = %d, want 800", count)
	}
}

func TestTraceRejectsGarbage(t *testing.T) {
	err := NewReader(bytes.NewReader(make([]byte, HeaderSize))).Each(0, func(Entry) error { return nil })
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err = %v, want ErrInvalidRecord", err)
	}
}
