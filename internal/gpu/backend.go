package gpu

import (
	"fmt"
	"strings"
)

// AllocatorKind selects how scanout buffers are allocated.
type AllocatorKind string

const (
	// AllocatorAuto uses libgbm when it loads and dumb buffers otherwise.
	AllocatorAuto AllocatorKind = "auto"
	AllocatorGBM  AllocatorKind = "gbm"
	AllocatorDumb AllocatorKind = "dumb"
)

// ParseAllocatorKind accepts the names used in configuration files.
func ParseAllocatorKind(s string) (AllocatorKind, error) {
	switch k := AllocatorKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return AllocatorAuto, nil
	case AllocatorAuto, AllocatorGBM, AllocatorDumb:
		return k, nil
	default:
		return "", fmt.Errorf("gpu: unknown allocator %q", s)
	}
}
