// Package drm talks to the kernel mode-setting interface of a /dev/dri card node.
//
// Every query copies the fields it needs out of the kernel structure into an
// owned Go value before returning, so no kernel-filled memory escapes a call.
package drm

import (
	"errors"
	"fmt"
	"io/fs"
)

var ErrUnsupported = errors.New("drm: not supported on this platform")

// IsPermission reports whether err came from missing access to a card node.
// EACCES and EPERM both match fs.ErrPermission.
func IsPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

// ModeInfo is a display timing descriptor.
type ModeInfo struct {
	Clock      uint32
	HDisplay   uint16
	HSyncStart uint16
	HSyncEnd   uint16
	HTotal     uint16
	HSkew      uint16
	VDisplay   uint16
	VSyncStart uint16
	VSyncEnd   uint16
	VTotal     uint16
	VScan      uint16
	VRefresh   uint32
	Flags      uint32
	Type       uint32
	Name       string
}

func (m ModeInfo) String() string {
	return fmt.Sprintf("%dx%d@%d", m.HDisplay, m.VDisplay, m.VRefresh)
}

// ModeTypePreferred is set on the mode the sink reports as native.
const ModeTypePreferred = 1 << 3

// Version identifies the kernel driver behind a card.
type Version struct {
	Major, Minor, Patch int
	Name                string
	Date                string
	Description         string
}

// PCIID is the vendor and device id of the PCI function behind a card.
type PCIID struct {
	Vendor uint16
	Device uint16
}

type Resources struct {
	Framebuffers []uint32
	CRTCs        []uint32
	Connectors   []uint32
	Encoders     []uint32

	MinWidth  uint32
	MaxWidth  uint32
	MinHeight uint32
	MaxHeight uint32
}

type Connection uint32

const (
	Connected         Connection = 1
	Disconnected      Connection = 2
	UnknownConnection Connection = 3
)

type ConnectorInfo struct {
	ID         uint32
	EncoderID  uint32
	Type       ConnectorType
	TypeID     uint32
	Connection Connection
	MMWidth    uint32
	MMHeight   uint32
	SubPixel   SubPixel
	Modes      []ModeInfo
	Encoders   []uint32
}

type EncoderInfo struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCRTCs  uint32
	PossibleClones uint32
}

type CrtcInfo struct {
	ID            uint32
	FramebufferID uint32
	X, Y          uint32
	Width, Height uint32
	GammaSize     uint32
	ModeValid     bool
	Mode          ModeInfo
}

type ConnectorType uint32

const (
	ConnectorUnknown ConnectorType = iota
	ConnectorVGA
	ConnectorDVII
	ConnectorDVID
	ConnectorDVIA
	ConnectorComposite
	ConnectorSVIDEO
	ConnectorLVDS
	ConnectorComponent
	Connector9PinDIN
	ConnectorDisplayPort
	ConnectorHDMIA
	ConnectorHDMIB
	ConnectorTV
	ConnectorEDP
	ConnectorVirtual
	ConnectorDSI
	ConnectorDPI
	ConnectorWriteback
	ConnectorSPI
	ConnectorUSB
)

var connectorTypeNames = [...]string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorComposite:   "Composite",
	ConnectorSVIDEO:      "SVIDEO",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorTV:          "TV",
	ConnectorEDP:         "eDP",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
	ConnectorSPI:         "SPI",
	ConnectorUSB:         "USB",
}

func (t ConnectorType) String() string {
	if int(t) < len(connectorTypeNames) {
		return connectorTypeNames[t]
	}
	return fmt.Sprintf("ConnectorType(%d)", uint32(t))
}

type SubPixel uint32

const (
	SubPixelUnknown SubPixel = iota + 1
	SubPixelHorizontalRGB
	SubPixelHorizontalBGR
	SubPixelVerticalRGB
	SubPixelVerticalBGR
	SubPixelNone
)

func (s SubPixel) String() string {
	switch s {
	case SubPixelUnknown:
		return "unknown"
	case SubPixelHorizontalRGB:
		return "horizontal-rgb"
	case SubPixelHorizontalBGR:
		return "horizontal-bgr"
	case SubPixelVerticalRGB:
		return "vertical-rgb"
	case SubPixelVerticalBGR:
		return "vertical-bgr"
	case SubPixelNone:
		return "none"
	default:
		return fmt.Sprintf("SubPixel(%d)", uint32(s))
	}
}

// Pixel formats as DRM fourcc codes.
const (
	FormatXRGB8888 uint32 = 0x34325258
	FormatARGB8888 uint32 = 0x34325241
)

// Buffer usage flags. The values match libgbm's GBM_BO_USE_* bits.
const (
	UsageScanout   uint32 = 1 << 0
	UsageCursor    uint32 = 1 << 1
	UsageRendering uint32 = 1 << 2
	UsageWrite     uint32 = 1 << 3
	UsageLinear    uint32 = 1 << 4
)

type Access uint32

const (
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1

	AccessReadWrite = AccessRead | AccessWrite
)

// Mapping is a CPU view of a buffer region. Data[0] is the first byte of the
// region's top-left pixel and rows are Stride bytes apart.
type Mapping struct {
	Data   []byte
	Stride uint32
	Unmap  func() error
}

// BufferObject is one allocation of scanout-capable memory.
type BufferObject interface {
	Handle() uint32
	Width() uint32
	Height() uint32
	Stride() uint32
	Bpp() uint32
	Format() uint32
	Map(x, y, width, height uint32, access Access) (Mapping, error)
	Destroy() error
}

// Allocator creates buffer objects on one card.
type Allocator interface {
	CreateBuffer(width, height, format, usage uint32) (BufferObject, error)
	Close() error
}

// FormatBpp returns the bits per pixel of a supported format.
func FormatBpp(format uint32) (uint32, error) {
	switch format {
	case FormatXRGB8888, FormatARGB8888:
		return 32, nil
	default:
		return 0, fmt.Errorf("drm: unsupported pixel format %#08x", format)
	}
}
