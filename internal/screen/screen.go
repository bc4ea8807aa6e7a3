// Package screen turns a connector and its CRTC into a presentable output
// with a ring of scanout buffers and a queue of pending draws.
package screen

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms"
)

type Flags uint32

const (
	FlagDoubleBuffered Flags = 1 << iota
	FlagTripleBuffered
	FlagOptimalResolution
)

// Depth returns the ring size selected by flags. Triple wins over double;
// with neither set the screen is single-buffered.
func (f Flags) Depth() int {
	switch {
	case f&FlagTripleBuffered != 0:
		return 3
	case f&FlagDoubleBuffered != 0:
		return 2
	default:
		return 1
	}
}

// PixelFormat is the format of every ring buffer.
const PixelFormat = drm.FormatXRGB8888

const bufferUsage = drm.UsageScanout | drm.UsageRendering

// queueFrames bounds the pending queue to this many full screens of pixels.
const queueFrames = 4

var ErrQueueFull = errors.New("screen: draw queue full, swap first")

// SelectMode picks the mode index for flags. Without FlagOptimalResolution it
// is the first mode. With it, a mode replaces the current pick only when it is
// both wider and taller, so a mode that grows in one direction is skipped
// even when its area is larger.
func SelectMode(modes []drm.ModeInfo, flags Flags) int {
	if flags&FlagOptimalResolution == 0 {
		return 0
	}
	best := 0
	var width, height uint16
	for i, m := range modes {
		if m.HDisplay > width && m.VDisplay > height {
			best, width, height = i, m.HDisplay, m.VDisplay
		}
	}
	return best
}

type slot struct {
	buf *kms.Buffer
	fb  *kms.Framebuffer
}

// Screen is one lit output. Exactly one ring slot is on screen; writes go to
// the slot after it.
type Screen struct {
	dev  *kms.Device
	conn *kms.Connector
	enc  *kms.Encoder
	crtc  *kms.CRTC
	crtcs *kms.CRTCSet
	log   *slog.Logger

	modeIndex int
	mode      drm.ModeInfo

	ring   []slot
	index  int
	queue  []DrawCommand
	queued uint64
	frames uint64
	closed bool
}

// New builds a screen on connector id. The CRTC state is captured before any
// buffer is allocated and is restored by Close.
//
// When crtcs is non-nil the CRTC is claimed from it, so no two screens of a
// device share one; a nil set uses the encoder's current CRTC as is.
func New(dev *kms.Device, connectorID uint32, flags Flags, crtcs *kms.CRTCSet) (s *Screen, err error) {
	conn, err := kms.NewConnector(dev, connectorID)
	if err != nil {
		return nil, err
	}
	enc, err := kms.NewEncoder(dev, conn.EncoderID)
	if err != nil {
		return nil, fmt.Errorf("connector %d: %w", connectorID, err)
	}

	crtcID := enc.CrtcID
	if crtcs != nil {
		if crtcID, err = crtcs.Claim(enc); err != nil {
			return nil, fmt.Errorf("connector %d: %w", connectorID, err)
		}
		defer func() {
			if err != nil {
				crtcs.Release(crtcID)
			}
		}()
	}
	crtc, err := kms.NewCRTC(dev, crtcID, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("connector %d: %w", connectorID, err)
	}

	modeIndex := SelectMode(conn.Modes, flags)
	mode := conn.Modes[modeIndex]

	alloc, err := dev.Acquire()
	if err != nil {
		return nil, err
	}

	s = &Screen{
		dev:       dev,
		conn:      conn,
		enc:       enc,
		crtc:      crtc,
		crtcs:     crtcs,
		modeIndex: modeIndex,
		mode:      mode,
		queue:     make([]DrawCommand, 0, 128),
		log:       slog.With("device", dev.ID(), "connector", conn.ID),
	}

	depth := flags.Depth()
	for i := 0; i < depth; i++ {
		buf, err := kms.NewBuffer(alloc, uint32(mode.HDisplay), uint32(mode.VDisplay), PixelFormat, bufferUsage)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connector %d: %w", connectorID, err), s.release())
		}
		fb, err := kms.NewFramebuffer(dev, buf)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connector %d: %w", connectorID, err), buf.Close(), s.release())
		}
		s.ring = append(s.ring, slot{buf: buf, fb: fb})
	}

	s.log.Debug("screen initialized",
		"crtc", crtc.ID(), "mode", mode.String(), "buffers", depth)
	return s, nil
}

// ID is the connector id, which is stable per device.
func (s *Screen) ID() uint32 { return s.conn.ID }

func (s *Screen) Connector() *kms.Connector { return s.conn }
func (s *Screen) Encoder() *kms.Encoder     { return s.enc }
func (s *Screen) CRTC() *kms.CRTC           { return s.crtc }
func (s *Screen) Modes() []drm.ModeInfo     { return s.conn.Modes }
func (s *Screen) ModeIndex() int            { return s.modeIndex }
func (s *Screen) Mode() drm.ModeInfo        { return s.mode }
func (s *Screen) Width() uint32             { return uint32(s.mode.HDisplay) }
func (s *Screen) Height() uint32            { return uint32(s.mode.VDisplay) }
func (s *Screen) Refresh() uint32           { return s.mode.VRefresh }

// Depth is the number of buffers in the ring.
func (s *Screen) Depth() int { return len(s.ring) }

// Index is the ring slot currently on screen.
func (s *Screen) Index() int { return s.index }

// Frames counts successful swaps.
func (s *Screen) Frames() uint64 { return s.frames }

// Pending is the number of queued draw commands.
func (s *Screen) Pending() int { return len(s.queue) }

// QueueLimit is the number of pixels that may wait for the next swap.
func (s *Screen) QueueLimit() uint64 {
	return queueFrames * uint64(s.Width()) * uint64(s.Height())
}

func (s *Screen) next() int { return (s.index + 1) % len(s.ring) }

// Back returns the buffer the next write lands in.
func (s *Screen) Back() *kms.Buffer { return s.ring[s.next()].buf }

// Front returns the buffer on screen.
func (s *Screen) Front() *kms.Buffer { return s.ring[s.index].buf }

// Write copies pixels into the back buffer immediately.
func (s *Screen) Write(x, y, w, h uint32, pixels []uint32) error {
	if s.closed {
		return kms.ErrClosed
	}
	return s.Back().Write(x, y, w, h, pixels)
}

// Read returns pixels from the back buffer.
func (s *Screen) Read(x, y, w, h uint32) ([]uint32, error) {
	if s.closed {
		return nil, kms.ErrClosed
	}
	return s.Back().Read(x, y, w, h)
}

// Clear fills the back buffer with color.
func (s *Screen) Clear(color uint32) error {
	if s.closed {
		return kms.ErrClosed
	}
	return s.Back().Fill(color)
}

// Submit queues cmd for the next swap. It does not touch the hardware.
func (s *Screen) Submit(cmd DrawCommand) error {
	if s.closed {
		return kms.ErrClosed
	}
	if err := cmd.validate(s.Width(), s.Height()); err != nil {
		return err
	}
	n := uint64(len(cmd.Pixels))
	if limit := s.QueueLimit(); s.queued+n > limit {
		return fmt.Errorf("%w: %d pixels queued, limit %d", ErrQueueFull, s.queued+n, limit)
	}
	s.queue = append(s.queue, cmd)
	s.queued += n
	return nil
}

// SwapBuffers applies the queued draws to the back buffer in plane order,
// presents it and advances the ring. The queue is emptied even on failure.
func (s *Screen) SwapBuffers() error {
	if s.closed {
		return kms.ErrClosed
	}
	next := s.next()
	target := s.ring[next]

	queue := s.queue
	s.queue = s.queue[:0]
	s.queued = 0

	sortByPlane(queue)
	for _, cmd := range queue {
		if err := target.buf.Write(cmd.X, cmd.Y, cmd.Width, cmd.Height, cmd.Pixels); err != nil {
			clear(queue)
			return fmt.Errorf("swap screen %d: %w", s.ID(), err)
		}
	}
	clear(queue)

	if err := s.crtc.Set(target.fb.ID(), s.mode); err != nil {
		return fmt.Errorf("swap screen %d: %w", s.ID(), err)
	}
	s.index = next
	s.frames++
	return nil
}

// Restore puts the CRTC back to the state captured at construction. It may be
// called any number of times.
func (s *Screen) Restore() error {
	return s.crtc.Restore()
}

func (s *Screen) release() error {
	var errs []error
	for _, sl := range s.ring {
		if err := sl.fb.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := sl.buf.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ring = nil
	if err := s.dev.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close restores the CRTC, then unregisters the framebuffers, frees the
// buffers and drops the allocator reference. Only the first call has effect.
func (s *Screen) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	s.queued = 0

	restoreErr := s.crtc.Close()
	if restoreErr != nil {
		s.log.Warn("restore crtc", "error", restoreErr)
	}
	err := errors.Join(restoreErr, s.release())
	s.crtcs.Release(s.crtc.ID())
	return err
}
