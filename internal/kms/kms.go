// Package kms models the mode-setting objects of one graphics device: the
// connectors, encoders and CRTCs that form an output path, and the buffers
// and framebuffers that are scanned out through it.
package kms

import (
	"errors"

	"github.com/tinyrange/kmsd/internal/drm"
)

var (
	// ErrNotConnected is returned for a connector with nothing plugged in.
	// Callers skip such connectors.
	ErrNotConnected = errors.New("kms: connector not connected")
	// ErrNoModes is returned for a connected connector that reports no modes.
	// This points at a broken sink or driver rather than an unused port.
	ErrNoModes = errors.New("kms: connected connector reports no modes")

	ErrNoEncoder = errors.New("kms: connector has no encoder")
	ErrNoCRTC    = errors.New("kms: encoder has no crtc")
	// ErrCRTCInUse is returned when every CRTC an encoder can use already
	// drives another screen.
	ErrCRTCInUse = errors.New("kms: crtc already drives another screen")

	ErrPixelCount  = errors.New("kms: pixel count does not match rectangle")
	ErrOutOfBounds = errors.New("kms: rectangle outside buffer")
	ErrMapFailed   = errors.New("kms: buffer map failed")
	ErrClosed      = errors.New("kms: object closed")
)

// Card is the mode-setting interface of a device node. *drm.Card implements it.
type Card interface {
	Fd() int
	Resources() (drm.Resources, error)
	Connector(id uint32) (drm.ConnectorInfo, error)
	Encoder(id uint32) (drm.EncoderInfo, error)
	Crtc(id uint32) (drm.CrtcInfo, error)
	SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *drm.ModeInfo) error
	AddFramebuffer(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RemoveFramebuffer(id uint32) error
	Close() error
}
