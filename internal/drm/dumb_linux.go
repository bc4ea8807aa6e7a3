//go:build linux

package drm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DumbAllocator allocates CPU-mappable scanout buffers with the generic
// CREATE_DUMB interface. Every KMS driver that reports CapDumbBuffer supports it.
type DumbAllocator struct {
	card *Card
}

func NewDumbAllocator(card *Card) (*DumbAllocator, error) {
	v, err := card.GetCap(CapDumbBuffer)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, fmt.Errorf("drm: %s does not support dumb buffers", card.Path())
	}
	return &DumbAllocator{card: card}, nil
}

func (a *DumbAllocator) CreateBuffer(width, height, format, usage uint32) (BufferObject, error) {
	bpp, err := FormatBpp(format)
	if err != nil {
		return nil, err
	}
	req := drmModeCreateDumb{width: width, height: height, bpp: bpp}
	if err := ioctlPtr(a.card.fd(), ioctlModeCreateDumb, &req); err != nil {
		return nil, fmt.Errorf("drm: create dumb buffer %dx%d: %w", width, height, err)
	}
	return &dumbBuffer{
		card:   a.card,
		handle: req.handle,
		width:  width,
		height: height,
		stride: req.pitch,
		bpp:    bpp,
		format: format,
		size:   req.size,
	}, nil
}

// Close is a no-op. Dumb buffers are tied to the card file.
func (a *DumbAllocator) Close() error { return nil }

type dumbBuffer struct {
	card   *Card
	handle uint32
	width  uint32
	height uint32
	stride uint32
	bpp    uint32
	format uint32
	size   uint64

	destroyOnce sync.Once
}

func (b *dumbBuffer) Handle() uint32 { return b.handle }
func (b *dumbBuffer) Width() uint32  { return b.width }
func (b *dumbBuffer) Height() uint32 { return b.height }
func (b *dumbBuffer) Stride() uint32 { return b.stride }
func (b *dumbBuffer) Bpp() uint32    { return b.bpp }
func (b *dumbBuffer) Format() uint32 { return b.format }

func (b *dumbBuffer) Map(x, y, width, height uint32, access Access) (Mapping, error) {
	req := drmModeMapDumb{handle: b.handle}
	if err := ioctlPtr(b.card.fd(), ioctlModeMapDumb, &req); err != nil {
		return Mapping{}, fmt.Errorf("drm: map dumb buffer %d: %w", b.handle, err)
	}

	prot := 0
	if access&AccessRead != 0 {
		prot |= unix.PROT_READ
	}
	if access&AccessWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(b.card.Fd(), int64(req.offset), int(b.size), prot, unix.MAP_SHARED)
	if err != nil {
		return Mapping{}, fmt.Errorf("drm: mmap dumb buffer %d: %w", b.handle, err)
	}

	start := uint64(y)*uint64(b.stride) + uint64(x)*uint64(b.bpp/8)
	return Mapping{
		Data:   mem[start:],
		Stride: b.stride,
		Unmap:  func() error { return unix.Munmap(mem) },
	}, nil
}

func (b *dumbBuffer) Destroy() error {
	var err error
	b.destroyOnce.Do(func() {
		req := drmModeDestroyDumb{handle: b.handle}
		if e := ioctlPtr(b.card.fd(), ioctlModeDestroyDumb, &req); e != nil {
			err = fmt.Errorf("drm: destroy dumb buffer %d: %w", b.handle, e)
		}
	})
	return err
}
