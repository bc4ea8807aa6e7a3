package kms

import (
	"fmt"

	"github.com/tinyrange/kmsd/internal/drm"
)

// Connector is a physical output port with a display attached.
type Connector struct {
	ID        uint32
	Type      drm.ConnectorType
	TypeID    uint32
	MMWidth   uint32
	MMHeight  uint32
	SubPixel  drm.SubPixel
	Modes     []drm.ModeInfo
	EncoderID uint32
}

// NewConnector queries connector id on dev. Only connectors that are
// connected and report at least one mode are materialized.
func NewConnector(dev *Device, id uint32) (*Connector, error) {
	info, err := dev.card.Connector(id)
	if err != nil {
		return nil, err
	}
	if info.Connection != drm.Connected {
		return nil, fmt.Errorf("connector %d: %w", id, ErrNotConnected)
	}
	if len(info.Modes) == 0 {
		return nil, fmt.Errorf("connector %d: %w", id, ErrNoModes)
	}

	return &Connector{
		ID:        info.ID,
		Type:      info.Type,
		TypeID:    info.TypeID,
		MMWidth:   info.MMWidth,
		MMHeight:  info.MMHeight,
		SubPixel:  info.SubPixel,
		Modes:     info.Modes,
		EncoderID: info.EncoderID,
	}, nil
}

// Name returns the kernel-style connector name, e.g. "HDMI-A-1".
func (c *Connector) Name() string {
	return fmt.Sprintf("%s-%d", c.Type, c.TypeID)
}

func (c *Connector) Mode(index int) (drm.ModeInfo, bool) {
	if index < 0 || index >= len(c.Modes) {
		return drm.ModeInfo{}, false
	}
	return c.Modes[index], true
}
