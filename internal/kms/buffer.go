package kms

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/kmsd/internal/drm"
)

// Buffer is a block of scanout memory with fixed dimensions. Its pixels are
// 32-bit words in the buffer's format; this layer does no blending.
type Buffer struct {
	bo     drm.BufferObject
	width  uint32
	height uint32
	format uint32
}

// NewBuffer allocates a width×height buffer from alloc.
func NewBuffer(alloc drm.Allocator, width, height, format, usage uint32) (*Buffer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("allocate buffer: invalid size %dx%d", width, height)
	}
	if _, err := drm.FormatBpp(format); err != nil {
		return nil, err
	}
	bo, err := alloc.CreateBuffer(width, height, format, usage)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer: %w", err)
	}
	return &Buffer{bo: bo, width: width, height: height, format: format}, nil
}

func (b *Buffer) Width() uint32  { return b.width }
func (b *Buffer) Height() uint32 { return b.height }
func (b *Buffer) Format() uint32 { return b.format }
func (b *Buffer) Handle() uint32 { return b.bo.Handle() }
func (b *Buffer) Stride() uint32 { return b.bo.Stride() }
func (b *Buffer) Bpp() uint32    { return b.bo.Bpp() }

func (b *Buffer) check(x, y, w, h uint32, n int) error {
	if uint64(n) != uint64(w)*uint64(h) {
		return fmt.Errorf("%w: %d pixels for %dx%d", ErrPixelCount, n, w, h)
	}
	if uint64(x)+uint64(w) > uint64(b.width) || uint64(y)+uint64(h) > uint64(b.height) {
		return fmt.Errorf("%w: %dx%d+%d+%d in %dx%d", ErrOutOfBounds, w, h, x, y, b.width, b.height)
	}
	return nil
}

// withMapping maps the rectangle, runs fn and unmaps on every path.
func (b *Buffer) withMapping(x, y, w, h uint32, access drm.Access, fn func(m drm.Mapping) error) (err error) {
	m, err := b.bo.Map(x, y, w, h, access)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	defer func() {
		if uerr := m.Unmap(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unmap buffer: %w", uerr))
		}
	}()

	// Mappings shorter than the rectangle would fault in the copy below.
	need := uint64(h-1)*uint64(m.Stride) + uint64(w)*4
	if uint64(len(m.Data)) < need || uint64(m.Stride) < uint64(w)*4 {
		return fmt.Errorf("%w: mapping of %d bytes, stride %d, too small for %dx%d", ErrMapFailed, len(m.Data), m.Stride, w, h)
	}
	return fn(m)
}

// Write copies pixels into the rectangle (x, y, w, h). pixels holds w*h
// values in row-major order. Each row lands at its own stride offset.
func (b *Buffer) Write(x, y, w, h uint32, pixels []uint32) error {
	if err := b.check(x, y, w, h, len(pixels)); err != nil {
		return err
	}
	if w == 0 || h == 0 {
		return nil
	}
	return b.withMapping(x, y, w, h, drm.AccessWrite, func(m drm.Mapping) error {
		for row := uint32(0); row < h; row++ {
			dst := m.Data[uint64(row)*uint64(m.Stride):]
			src := pixels[row*w : (row+1)*w]
			for col, px := range src {
				binary.LittleEndian.PutUint32(dst[col*4:], px)
			}
		}
		return nil
	})
}

// Read returns the pixels of the rectangle (x, y, w, h) in row-major order.
func (b *Buffer) Read(x, y, w, h uint32) ([]uint32, error) {
	if err := b.check(x, y, w, h, int(uint64(w)*uint64(h))); err != nil {
		return nil, err
	}
	pixels := make([]uint32, uint64(w)*uint64(h))
	if len(pixels) == 0 {
		return pixels, nil
	}
	err := b.withMapping(x, y, w, h, drm.AccessRead, func(m drm.Mapping) error {
		for row := uint32(0); row < h; row++ {
			src := m.Data[uint64(row)*uint64(m.Stride):]
			dst := pixels[row*w : (row+1)*w]
			for col := range dst {
				dst[col] = binary.LittleEndian.Uint32(src[col*4:])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pixels, nil
}

// Fill sets every pixel of the buffer to color.
func (b *Buffer) Fill(color uint32) error {
	return b.withMapping(0, 0, b.width, b.height, drm.AccessWrite, func(m drm.Mapping) error {
		var px [4]byte
		binary.LittleEndian.PutUint32(px[:], color)
		for row := uint32(0); row < b.height; row++ {
			dst := m.Data[uint64(row)*uint64(m.Stride):]
			for col := uint32(0); col < b.width; col++ {
				copy(dst[col*4:col*4+4], px[:])
			}
		}
		return nil
	})
}

func (b *Buffer) Close() error {
	return b.bo.Destroy()
}
