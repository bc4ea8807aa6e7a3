package kmstest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/kmsd/internal/drm"
)

// RowPadding is added to every row so strides never equal width*4.
const RowPadding = 64

// Allocator hands out buffers backed by Go memory.
type Allocator struct {
	mu sync.Mutex

	card *Card

	CreateErr error
	MapErr    error
	// DestroyErr is returned by Destroy after the buffer has been freed.
	DestroyErr error

	nextHandle uint32
	Live       map[uint32]*Buffer
	Maps       int
	Unmaps     int
	Closed     bool
}

func NewAllocator() *Allocator {
	return &Allocator{Live: make(map[uint32]*Buffer)}
}

// New returns a card with one output on connector 10, encoder 20 and crtc 30,
// wired to a fresh allocator.
func New(fd int) (*Card, *Allocator) {
	card := NewCard(fd)
	card.AddOutput(10, 20, 30, Modes())
	alloc := NewAllocator()
	card.Attach(alloc)
	return card, alloc
}

func (a *Allocator) CreateBuffer(width, height, format, usage uint32) (drm.BufferObject, error) {
	a.mu.Lock()
	if a.CreateErr != nil {
		a.mu.Unlock()
		return nil, a.CreateErr
	}
	if a.Closed {
		a.mu.Unlock()
		return nil, errors.New("kmstest: allocator closed")
	}
	bpp, err := drm.FormatBpp(format)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.nextHandle++
	stride := width*bpp/8 + RowPadding
	b := &Buffer{
		alloc:  a,
		handle: a.nextHandle,
		width:  width,
		height: height,
		stride: stride,
		bpp:    bpp,
		format: format,
		usage:  usage,
		Mem:    make([]byte, uint64(stride)*uint64(height)),
	}
	a.Live[b.handle] = b
	card := a.card
	a.mu.Unlock()

	if card != nil {
		card.registerHandle(b)
	}
	return b, nil
}

func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Closed {
		return errors.New("kmstest: allocator closed twice")
	}
	a.Closed = true
	return nil
}

// Outstanding reports maps that were never unmapped.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Maps - a.Unmaps
}

func (a *Allocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Live)
}

// Buffer is an in-memory buffer object.
type Buffer struct {
	alloc  *Allocator
	handle uint32
	width  uint32
	height uint32
	stride uint32
	bpp    uint32
	format uint32
	usage  uint32

	// Mem is the backing store, stride bytes per row.
	Mem []byte
}

func (b *Buffer) Handle() uint32 { return b.handle }
func (b *Buffer) Width() uint32  { return b.width }
func (b *Buffer) Height() uint32 { return b.height }
func (b *Buffer) Stride() uint32 { return b.stride }
func (b *Buffer) Bpp() uint32    { return b.bpp }
func (b *Buffer) Format() uint32 { return b.format }
func (b *Buffer) Usage() uint32  { return b.usage }

// Pixel reads the pixel at (x, y) straight from memory.
func (b *Buffer) Pixel(x, y uint32) uint32 {
	off := y*b.stride + x*4
	return uint32(b.Mem[off]) | uint32(b.Mem[off+1])<<8 | uint32(b.Mem[off+2])<<16 | uint32(b.Mem[off+3])<<24
}

func (b *Buffer) Map(x, y, width, height uint32, access drm.Access) (drm.Mapping, error) {
	a := b.alloc
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.MapErr != nil {
		return drm.Mapping{}, a.MapErr
	}
	if _, ok := a.Live[b.handle]; !ok {
		return drm.Mapping{}, fmt.Errorf("kmstest: map of destroyed buffer %d", b.handle)
	}
	if x+width > b.width || y+height > b.height {
		return drm.Mapping{}, fmt.Errorf("kmstest: map region outside buffer")
	}
	a.Maps++
	start := y*b.stride + x*b.bpp/8
	end := (y+height-1)*b.stride + (x+width)*b.bpp/8
	var once sync.Once
	return drm.Mapping{
		Data:   b.Mem[start:end:end],
		Stride: b.stride,
		Unmap: func() error {
			once.Do(func() {
				a.mu.Lock()
				a.Unmaps++
				a.mu.Unlock()
			})
			return nil
		},
	}, nil
}

func (b *Buffer) Destroy() error {
	a := b.alloc
	a.mu.Lock()
	_, ok := a.Live[b.handle]
	delete(a.Live, b.handle)
	card := a.card
	destroyErr := a.DestroyErr
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("kmstest: buffer %d destroyed twice", b.handle)
	}
	if card != nil {
		card.forgetHandle(b.handle)
	}
	return destroyErr
}
