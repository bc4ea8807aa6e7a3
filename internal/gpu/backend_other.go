//go:build !linux

package gpu

import (
	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms"
)

type SystemBackend struct{}

func NewSystemBackend(AllocatorKind) *SystemBackend { return &SystemBackend{} }

func (*SystemBackend) Open(string) (kms.Card, error) { return nil, drm.ErrUnsupported }

func (*SystemBackend) NewAllocator(kms.Card) (drm.Allocator, error) {
	return nil, drm.ErrUnsupported
}
