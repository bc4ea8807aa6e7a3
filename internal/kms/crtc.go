package kms

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/kmsd/internal/drm"
)

// CRTC is a scanout unit bound to one connector. The state it had when the
// CRTC was created is captured and put back by Restore.
type CRTC struct {
	dev       *Device
	connector uint32
	saved     drm.CrtcInfo

	closeOnce sync.Once
	closeErr  error
}

// NewCRTC captures the current state of crtc id driving connector.
func NewCRTC(dev *Device, id, connector uint32) (*CRTC, error) {
	if id == 0 {
		return nil, ErrNoCRTC
	}
	info, err := dev.card.Crtc(id)
	if err != nil {
		return nil, fmt.Errorf("resolve crtc: %w", err)
	}
	return &CRTC{dev: dev, connector: connector, saved: info}, nil
}

func (c *CRTC) ID() uint32 { return c.saved.ID }

// Saved returns the state captured at construction.
func (c *CRTC) Saved() drm.CrtcInfo { return c.saved }

// Set scans fbID out at (0, 0) with mode.
func (c *CRTC) Set(fbID uint32, mode drm.ModeInfo) error {
	return c.dev.card.SetCrtc(c.saved.ID, fbID, 0, 0, []uint32{c.connector}, &mode)
}

// Restore re-applies the captured framebuffer, position and mode. Calling it
// more than once applies the same state each time.
func (c *CRTC) Restore() error {
	// A CRTC that was off is switched off again, which takes no connectors.
	var mode *drm.ModeInfo
	var connectors []uint32
	if c.saved.ModeValid {
		m := c.saved.Mode
		mode = &m
		connectors = []uint32{c.connector}
	}
	err := c.dev.card.SetCrtc(c.saved.ID, c.saved.FramebufferID, c.saved.X, c.saved.Y, connectors, mode)
	if err != nil {
		return fmt.Errorf("restore crtc %d: %w", c.saved.ID, err)
	}
	slog.Debug("restored crtc", "crtc", c.saved.ID, "connector", c.connector, "fb", c.saved.FramebufferID)
	return nil
}

// Close restores the captured state once. Later calls return the first result.
func (c *CRTC) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Restore()
	})
	return c.closeErr
}

// CRTCSet hands out the CRTCs of one device so that each drives at most one
// screen. The ids are in resource order, which is what PossibleCRTCs indexes.
type CRTCSet struct {
	ids   []uint32
	taken map[uint32]bool
}

func NewCRTCSet(ids []uint32) *CRTCSet {
	return &CRTCSet{ids: ids, taken: make(map[uint32]bool)}
}

// Claim reserves a CRTC for enc. The encoder's current CRTC is preferred;
// when it is taken or unset, the first free CRTC the encoder can drive is
// used instead.
func (s *CRTCSet) Claim(enc *Encoder) (uint32, error) {
	if enc.CrtcID != 0 && !s.taken[enc.CrtcID] {
		s.taken[enc.CrtcID] = true
		return enc.CrtcID, nil
	}
	for i, id := range s.ids {
		if !s.taken[id] && enc.CanDrive(i) {
			s.taken[id] = true
			return id, nil
		}
	}
	if enc.CrtcID == 0 {
		return 0, ErrNoCRTC
	}
	return 0, fmt.Errorf("%w: crtc %d, encoder %d", ErrCRTCInUse, enc.CrtcID, enc.ID)
}

// Release returns id to the set. It is a no-op on a nil set.
func (s *CRTCSet) Release(id uint32) {
	if s == nil {
		return
	}
	delete(s.taken, id)
}

func (s *CRTCSet) Claimed(id uint32) bool { return s.taken[id] }
