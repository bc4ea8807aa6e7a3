// Package gpu discovers graphics devices and the screens lit on them.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms"
	"github.com/tinyrange/kmsd/internal/screen"
)

var ErrNoScreens = errors.New("gpu: no usable screens")

// GPU is one device with the screens built on its connected outputs.
type GPU struct {
	path    string
	dev     *kms.Device
	vendor  uint16
	device  uint16
	driver  string
	res     drm.Resources
	screens []*screen.Screen
	closed  bool
}

type versioner interface {
	Version() (drm.Version, error)
}

type pciIdentifier interface {
	PCIID() (drm.PCIID, error)
}

// Load builds a GPU from an open card and its allocator. It takes ownership of
// both; on failure they are released before returning.
func Load(path string, card kms.Card, alloc drm.Allocator, flags screen.Flags) (*GPU, error) {
	dev := kms.NewDevice(card, alloc)
	log := slog.With("gpu", dev.ID(), "path", path)

	res, err := card.Resources()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	g := &GPU{path: path, dev: dev, res: res}
	if v, ok := card.(versioner); ok {
		if ver, err := v.Version(); err == nil {
			g.driver = ver.Name
		} else {
			log.Debug("driver version unavailable", "error", err)
		}
	}
	if p, ok := card.(pciIdentifier); ok {
		if id, err := p.PCIID(); err == nil {
			g.vendor, g.device = id.Vendor, id.Device
		} else {
			log.Debug("pci id unavailable", "error", err)
		}
	}

	crtcs := kms.NewCRTCSet(res.CRTCs)
	for _, id := range res.Connectors {
		s, err := screen.New(dev, id, flags, crtcs)
		switch {
		case err == nil:
			g.screens = append(g.screens, s)
		case errors.Is(err, kms.ErrNotConnected):
			log.Debug("skipping connector", "connector", id, "reason", err)
		case errors.Is(err, kms.ErrNoModes):
			log.Warn("connected output reports no modes", "connector", id)
		case errors.Is(err, kms.ErrCRTCInUse):
			log.Warn("no free crtc for output", "connector", id, "error", err)
		default:
			log.Warn("skipping output", "connector", id, "error", err)
		}
	}

	if len(g.screens) == 0 {
		dev.Close()
		return nil, fmt.Errorf("load %s: %w", path, ErrNoScreens)
	}

	log.Info("gpu loaded",
		"vendor", VendorName(g.vendor), "driver", g.driver, "screens", len(g.screens))
	return g, nil
}

// ID is the device handle, unique within the process.
func (g *GPU) ID() int32 { return g.dev.ID() }

func (g *GPU) Path() string       { return g.path }
func (g *GPU) VendorID() uint16   { return g.vendor }
func (g *GPU) DeviceID() uint16   { return g.device }
func (g *GPU) VendorName() string { return VendorName(g.vendor) }
func (g *GPU) Driver() string     { return g.driver }

// Limits returns the framebuffer size range reported by the card.
func (g *GPU) Limits() (minWidth, minHeight, maxWidth, maxHeight uint32) {
	return g.res.MinWidth, g.res.MinHeight, g.res.MaxWidth, g.res.MaxHeight
}

func (g *GPU) Screens() []*screen.Screen { return g.screens }

// Screen looks up a screen by connector id.
func (g *GPU) Screen(id uint32) (*screen.Screen, bool) {
	for _, s := range g.screens {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Close restores and frees every screen, then releases the device. The
// allocator and card go away with the last reference.
func (g *GPU) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for _, s := range g.screens {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
