package kms

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms/kmstest"
)

func newTestBuffer(t *testing.T, w, h uint32) (*Buffer, *kmstest.Allocator) {
	t.Helper()
	alloc := kmstest.NewAllocator()
	buf, err := NewBuffer(alloc, w, h, drm.FormatXRGB8888, drm.UsageScanout|drm.UsageRendering)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	return buf, alloc
}

func TestBufferRoundTrip(t *testing.T) {
	buf, alloc := newTestBuffer(t, 64, 48)
	rng := rand.New(rand.NewSource(1))

	rects := []struct{ x, y, w, h uint32 }{
		{0, 0, 64, 48},
		{0, 0, 1, 1},
		{63, 47, 1, 1},
		{10, 5, 20, 7},
		{60, 0, 4, 48},
	}
	for _, r := range rects {
		pixels := make([]uint32, r.w*r.h)
		for i := range pixels {
			pixels[i] = rng.Uint32()
		}
		if err := buf.Write(r.x, r.y, r.w, r.h, pixels); err != nil {
			t.Fatalf("Write(%v): %v", r, err)
		}
		got, err := buf.Read(r.x, r.y, r.w, r.h)
		if err != nil {
			t.Fatalf("Read(%v): %v", r, err)
		}
		for i := range pixels {
			if got[i] != pixels[i] {
				t.Fatalf("rect %v pixel %d = %#x, want %#x", r, i, got[i], pixels[i])
			}
		}
	}
	if n := alloc.Outstanding(); n != 0 {
		t.Fatalf("%d mappings left open", n)
	}
}

func TestBufferWriteHonoursStride(t *testing.T) {
	buf, _ := newTestBuffer(t, 4, 3)
	if buf.Stride() == buf.Width()*4 {
		t.Fatalf("test allocator should pad rows")
	}
	pixels := []uint32{
		1, 2,
		3, 4,
	}
	if err := buf.Write(1, 1, 2, 2, pixels); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := buf.Read(0, 0, 4, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []uint32{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pixel %d = %d, want %d (full read %v)", i, got[i], want[i], got)
		}
	}
}

func TestBufferPixelCountMismatch(t *testing.T) {
	buf, alloc := newTestBuffer(t, 16, 16)
	for _, tt := range []struct {
		w, h uint32
		n    int
	}{
		{1, 1, 0},
		{1, 1, 2},
		{4, 4, 15},
		{4, 4, 17},
		{16, 16, 255},
	} {
		err := buf.Write(0, 0, tt.w, tt.h, make([]uint32, tt.n))
		if !errors.Is(err, ErrPixelCount) {
			t.Errorf("Write %dx%d with %d pixels: err = %v, want ErrPixelCount", tt.w, tt.h, tt.n, err)
		}
	}
	if alloc.Maps != 0 {
		t.Errorf("rejected writes mapped the buffer %d times", alloc.Maps)
	}
}

func TestBufferBounds(t *testing.T) {
	buf, _ := newTestBuffer(t, 32, 16)
	tests := []struct {
		name       string
		x, y, w, h uint32
		wantErr    bool
	}{
		{"full", 0, 0, 32, 16, false},
		{"right edge exact", 30, 0, 2, 1, false},
		{"bottom edge exact", 0, 15, 1, 1, false},
		{"past right", 31, 0, 2, 1, true},
		{"past bottom", 0, 15, 1, 2, true},
		{"x beyond", 32, 0, 1, 1, true},
		{"overflowing sum", 0xffffffff, 0, 2, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buf.Write(tt.x, tt.y, tt.w, tt.h, make([]uint32, int(tt.w)*int(tt.h)))
			if tt.wantErr != errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Write: err = %v, want bounds error %v", err, tt.wantErr)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Write: %v", err)
			}
			_, err = buf.Read(tt.x, tt.y, tt.w, tt.h)
			if tt.wantErr != errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Read: err = %v, want bounds error %v", err, tt.wantErr)
			}
		})
	}
}

func TestBufferMapFailureIsReported(t *testing.T) {
	buf, alloc := newTestBuffer(t, 8, 8)
	alloc.MapErr = errors.New("no memory")
	err := buf.Write(0, 0, 1, 1, []uint32{1})
	if !errors.Is(err, ErrMapFailed) {
		t.Fatalf("Write: err = %v, want ErrMapFailed", err)
	}
}

func TestBufferFill(t *testing.T) {
	buf, alloc := newTestBuffer(t, 5, 4)
	if err := buf.Fill(0xff336699); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	got, err := buf.Read(0, 0, 5, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, px := range got {
		if px != 0xff336699 {
			t.Fatalf("pixel %d = %#x after fill", i, px)
		}
	}
	if alloc.Outstanding() != 0 {
		t.Fatalf("fill left a mapping open")
	}
}
