package kms

import (
	"fmt"
	"sync"
)

// framebufferDepth is the colour depth passed to ADDFB. 24 selects XRGB
// scanout for 32 bpp buffers.
const framebufferDepth = 24

// Framebuffer registers a Buffer with the mode-setting subsystem so a CRTC can
// scan it out. It borrows the buffer: Close must run before the buffer is freed.
type Framebuffer struct {
	dev *Device
	id  uint32
	buf *Buffer

	closeOnce sync.Once
	closeErr  error
}

func NewFramebuffer(dev *Device, buf *Buffer) (*Framebuffer, error) {
	id, err := dev.card.AddFramebuffer(buf.Width(), buf.Height(), framebufferDepth, uint8(buf.Bpp()), buf.Stride(), buf.Handle())
	if err != nil {
		return nil, fmt.Errorf("register framebuffer: %w", err)
	}
	return &Framebuffer{dev: dev, id: id, buf: buf}, nil
}

func (f *Framebuffer) ID() uint32 { return f.id }

func (f *Framebuffer) Buffer() *Buffer { return f.buf }

func (f *Framebuffer) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.dev.card.RemoveFramebuffer(f.id)
	})
	return f.closeErr
}
