package screen

import (
	"fmt"
	"slices"

	"github.com/tinyrange/kmsd/internal/kms"
)

// Plane orders draws within a frame. It is a sort key, not a hardware plane.
type Plane uint8

const (
	PlaneBackground Plane = iota + 1
	PlaneNormal
	PlaneOverlay
	PlaneCursor
)

func (p Plane) Valid() bool {
	return p >= PlaneBackground && p <= PlaneCursor
}

func (p Plane) String() string {
	switch p {
	case PlaneBackground:
		return "background"
	case PlaneNormal:
		return "normal"
	case PlaneOverlay:
		return "overlay"
	case PlaneCursor:
		return "cursor"
	default:
		return fmt.Sprintf("Plane(%d)", uint8(p))
	}
}

// DrawCommand is a queued rectangle of pre-rendered pixels.
type DrawCommand struct {
	X, Y          uint32
	Width, Height uint32
	Plane         Plane
	Pixels        []uint32
}

func (c *DrawCommand) validate(width, height uint32) error {
	if !c.Plane.Valid() {
		return fmt.Errorf("draw command: invalid plane %d", uint8(c.Plane))
	}
	if uint64(len(c.Pixels)) != uint64(c.Width)*uint64(c.Height) {
		return fmt.Errorf("%w: %d pixels for %dx%d", kms.ErrPixelCount, len(c.Pixels), c.Width, c.Height)
	}
	if uint64(c.X)+uint64(c.Width) > uint64(width) || uint64(c.Y)+uint64(c.Height) > uint64(height) {
		return fmt.Errorf("%w: %dx%d+%d+%d on %dx%d screen", kms.ErrOutOfBounds, c.Width, c.Height, c.X, c.Y, width, height)
	}
	return nil
}

// sortByPlane orders cmds by plane, keeping submission order within a plane.
func sortByPlane(cmds []DrawCommand) {
	slices.SortStableFunc(cmds, func(a, b DrawCommand) int {
		return int(a.Plane) - int(b.Plane)
	})
}
