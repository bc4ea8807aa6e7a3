//go:build linux

package gpu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/gbm"
	"github.com/tinyrange/kmsd/internal/kms"
)

// SystemBackend opens real card nodes.
type SystemBackend struct {
	kind AllocatorKind
}

func NewSystemBackend(kind AllocatorKind) *SystemBackend {
	if kind == "" {
		kind = AllocatorAuto
	}
	return &SystemBackend{kind: kind}
}

func (b *SystemBackend) Open(path string) (kms.Card, error) {
	card, err := drm.Open(path)
	if err != nil {
		return nil, err
	}
	// Modesetting needs master. Another compositor holding it is not fatal
	// here; SetCrtc will fail later with a clearer error.
	if err := card.SetMaster(); err != nil {
		slog.Warn("drm master not acquired", "path", path, "error", err)
	}
	return card, nil
}

func (b *SystemBackend) NewAllocator(c kms.Card) (drm.Allocator, error) {
	card, ok := c.(*drm.Card)
	if !ok {
		return nil, fmt.Errorf("gpu: system backend cannot allocate on %T", c)
	}

	if b.kind != AllocatorDumb {
		dev, err := newGBM(card)
		if err == nil {
			slog.Debug("using gbm allocator", "path", card.Path(), "backend", dev.BackendName())
			return dev, nil
		}
		if b.kind == AllocatorGBM {
			return nil, err
		}
		slog.Info("gbm unavailable, falling back to dumb buffers", "path", card.Path(), "error", err)
	}
	return drm.NewDumbAllocator(card)
}

func newGBM(card *drm.Card) (*gbm.Device, error) {
	if err := gbm.Load(); err != nil {
		return nil, err
	}
	dev, err := gbm.NewDevice(card.Fd())
	if err != nil {
		return nil, err
	}
	if !dev.FormatSupported(drm.FormatXRGB8888, drm.UsageScanout|drm.UsageRendering) {
		dev.Close()
		return nil, fmt.Errorf("gbm: %s cannot scan out XRGB8888", dev.BackendName())
	}
	return dev, nil
}
