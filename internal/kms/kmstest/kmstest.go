// Package kmstest provides in-memory mode-setting hardware for tests.
package kmstest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/kmsd/internal/drm"
)

// SetCrtcCall records one SetCrtc request.
type SetCrtcCall struct {
	CrtcID     uint32
	FBID       uint32
	X, Y       uint32
	Connectors []uint32
	Mode       *drm.ModeInfo
}

// Card is a fake card with a fixed set of mode-setting objects.
type Card struct {
	mu sync.Mutex

	FD         int
	Driver     drm.Version
	PCI        drm.PCIID
	Res        drm.Resources
	Connectors map[uint32]drm.ConnectorInfo
	Encoders   map[uint32]drm.EncoderInfo
	CRTCs      map[uint32]drm.CrtcInfo

	// Errors returned by the matching methods when set.
	ResourcesErr error
	SetCrtcErr   error
	AddFBErr     error

	SetCrtcCalls []SetCrtcCall
	Framebuffers map[uint32]drm.BufferObject
	nextFB       uint32
	handles      map[uint32]drm.BufferObject
	Closed       bool
}

func NewCard(fd int) *Card {
	return &Card{
		FD:           fd,
		Driver:       drm.Version{Major: 1, Name: "kmstest", Description: "in-memory card"},
		PCI:          drm.PCIID{Vendor: 0x1af4, Device: 0x1050},
		Connectors:   make(map[uint32]drm.ConnectorInfo),
		Encoders:     make(map[uint32]drm.EncoderInfo),
		CRTCs:        make(map[uint32]drm.CrtcInfo),
		Framebuffers: make(map[uint32]drm.BufferObject),
		handles:      make(map[uint32]drm.BufferObject),
		nextFB:       100,
	}
}

// Modes returns a typical mode list, preferred mode first.
func Modes() []drm.ModeInfo {
	return []drm.ModeInfo{
		{Clock: 148500, HDisplay: 1920, VDisplay: 1080, VRefresh: 60, Type: drm.ModeTypePreferred, Name: "1920x1080"},
		{Clock: 74250, HDisplay: 1280, VDisplay: 720, VRefresh: 60, Name: "1280x720"},
		{Clock: 25175, HDisplay: 640, VDisplay: 480, VRefresh: 60, Name: "640x480"},
	}
}

// AddOutput wires a connected connector to an encoder and a CRTC that is
// currently scanning out fb 1 at 1024x768.
func (c *Card) AddOutput(connector, encoder, crtc uint32, modes []drm.ModeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Connectors[connector] = drm.ConnectorInfo{
		ID:         connector,
		EncoderID:  encoder,
		Type:       drm.ConnectorHDMIA,
		TypeID:     uint32(len(c.Res.Connectors) + 1),
		Connection: drm.Connected,
		MMWidth:    527,
		MMHeight:   296,
		SubPixel:   drm.SubPixelHorizontalRGB,
		Modes:      modes,
		Encoders:   []uint32{encoder},
	}
	c.Encoders[encoder] = drm.EncoderInfo{ID: encoder, Type: 2, CrtcID: crtc, PossibleCRTCs: 1}
	c.CRTCs[crtc] = drm.CrtcInfo{
		ID:            crtc,
		FramebufferID: 1,
		Width:         1024,
		Height:        768,
		ModeValid:     true,
		GammaSize:     256,
		Mode:          drm.ModeInfo{Clock: 65000, HDisplay: 1024, VDisplay: 768, VRefresh: 60, Name: "1024x768"},
	}
	c.Res.Connectors = append(c.Res.Connectors, connector)
	c.Res.Encoders = append(c.Res.Encoders, encoder)
	c.Res.CRTCs = append(c.Res.CRTCs, crtc)
	c.Res.MinWidth, c.Res.MinHeight = 1, 1
	c.Res.MaxWidth, c.Res.MaxHeight = 8192, 8192
}

// AddDisconnected adds a connector with nothing attached.
func (c *Card) AddDisconnected(connector uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connectors[connector] = drm.ConnectorInfo{ID: connector, Type: drm.ConnectorDisplayPort, TypeID: 1, Connection: drm.Disconnected}
	c.Res.Connectors = append(c.Res.Connectors, connector)
}

// Attach lets AddFramebuffer resolve handles to buffers from alloc.
func (c *Card) Attach(alloc *Allocator) {
	alloc.card = c
}

func (c *Card) Fd() int { return c.FD }

func (c *Card) Version() (drm.Version, error) { return c.Driver, nil }

func (c *Card) PCIID() (drm.PCIID, error) { return c.PCI, nil }

func (c *Card) Resources() (drm.Resources, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ResourcesErr != nil {
		return drm.Resources{}, c.ResourcesErr
	}
	return c.Res, nil
}

func (c *Card) Connector(id uint32) (drm.ConnectorInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.Connectors[id]
	if !ok {
		return drm.ConnectorInfo{}, fmt.Errorf("kmstest: no connector %d", id)
	}
	return info, nil
}

func (c *Card) Encoder(id uint32) (drm.EncoderInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.Encoders[id]
	if !ok {
		return drm.EncoderInfo{}, fmt.Errorf("kmstest: no encoder %d", id)
	}
	return info, nil
}

func (c *Card) Crtc(id uint32) (drm.CrtcInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.CRTCs[id]
	if !ok {
		return drm.CrtcInfo{}, fmt.Errorf("kmstest: no crtc %d", id)
	}
	return info, nil
}

func (c *Card) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *drm.ModeInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetCrtcErr != nil {
		return c.SetCrtcErr
	}
	if _, ok := c.CRTCs[crtcID]; !ok {
		return fmt.Errorf("kmstest: no crtc %d", crtcID)
	}
	call := SetCrtcCall{CrtcID: crtcID, FBID: fbID, X: x, Y: y, Connectors: append([]uint32(nil), connectors...)}
	if mode != nil {
		m := *mode
		call.Mode = &m
	}
	c.SetCrtcCalls = append(c.SetCrtcCalls, call)
	return nil
}

// LastSetCrtc returns the most recent SetCrtc call.
func (c *Card) LastSetCrtc() (SetCrtcCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SetCrtcCalls) == 0 {
		return SetCrtcCall{}, false
	}
	return c.SetCrtcCalls[len(c.SetCrtcCalls)-1], true
}

func (c *Card) AddFramebuffer(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddFBErr != nil {
		return 0, c.AddFBErr
	}
	if depth != 24 || bpp != 32 {
		return 0, fmt.Errorf("kmstest: unsupported depth %d bpp %d", depth, bpp)
	}
	bo, ok := c.handles[handle]
	if !ok {
		return 0, fmt.Errorf("kmstest: unknown handle %d", handle)
	}
	if bo.Stride() != pitch || bo.Width() != width || bo.Height() != height {
		return 0, fmt.Errorf("kmstest: framebuffer does not match buffer %d", handle)
	}
	c.nextFB++
	c.Framebuffers[c.nextFB] = bo
	return c.nextFB, nil
}

func (c *Card) RemoveFramebuffer(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Framebuffers[id]; !ok {
		return fmt.Errorf("kmstest: no framebuffer %d", id)
	}
	delete(c.Framebuffers, id)
	return nil
}

// FramebufferBuffer returns the buffer registered as framebuffer id.
func (c *Card) FramebufferBuffer(id uint32) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bo, ok := c.Framebuffers[id]
	if !ok {
		return nil, false
	}
	b, ok := bo.(*Buffer)
	return b, ok
}

func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return errors.New("kmstest: card closed twice")
	}
	c.Closed = true
	return nil
}

func (c *Card) registerHandle(bo drm.BufferObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[bo.Handle()] = bo
}

func (c *Card) forgetHandle(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, handle)
}
