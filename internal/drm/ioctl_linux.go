//go:build linux

package drm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	drmIoctlBase = 'd'
)

func ioc(dir, nr, size uintptr) uint64 {
	return uint64(dir<<30 | size<<16 | drmIoctlBase<<8 | nr)
}

func iowr(nr, size uintptr) uint64 { return ioc(iocRead|iocWrite, nr, size) }
func ionone(nr uintptr) uint64     { return ioc(iocNone, nr, 0) }

// Kernel ABI structures, see include/uapi/drm/drm.h and drm_mode.h.

type drmVersion struct {
	major      int32
	minor      int32
	patchlevel int32
	nameLen    uintptr
	name       uintptr
	dateLen    uintptr
	date       uintptr
	descLen    uintptr
	desc       uintptr
}

type drmGetCap struct {
	capability uint64
	value      uint64
}

type drmModeInfo struct {
	clock      uint32
	hdisplay   uint16
	hsyncStart uint16
	hsyncEnd   uint16
	htotal     uint16
	hskew      uint16
	vdisplay   uint16
	vsyncStart uint16
	vsyncEnd   uint16
	vtotal     uint16
	vscan      uint16
	vrefresh   uint32
	flags      uint32
	typ        uint32
	name       [32]byte
}

type drmModeCardRes struct {
	fbIDPtr        uint64
	crtcIDPtr      uint64
	connectorIDPtr uint64
	encoderIDPtr   uint64
	countFbs       uint32
	countCrtcs     uint32
	countConnector uint32
	countEncoders  uint32
	minWidth       uint32
	maxWidth       uint32
	minHeight      uint32
	maxHeight      uint32
}

type drmModeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             drmModeInfo
}

type drmModeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type drmModeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type drmModeFbCmd struct {
	fbID   uint32
	width  uint32
	height uint32
	pitch  uint32
	bpp    uint32
	depth  uint32
	handle uint32
}

type drmModeCreateDumb struct {
	height uint32
	width  uint32
	bpp    uint32
	flags  uint32
	handle uint32
	pitch  uint32
	size   uint64
}

type drmModeMapDumb struct {
	handle uint32
	pad    uint32
	offset uint64
}

type drmModeDestroyDumb struct {
	handle uint32
}

var (
	ioctlVersion          = iowr(0x00, unsafe.Sizeof(drmVersion{}))
	ioctlGetCap           = iowr(0x0c, unsafe.Sizeof(drmGetCap{}))
	ioctlSetMaster        = ionone(0x1e)
	ioctlDropMaster       = ionone(0x1f)
	ioctlModeGetResources = iowr(0xa0, unsafe.Sizeof(drmModeCardRes{}))
	ioctlModeGetCrtc      = iowr(0xa1, unsafe.Sizeof(drmModeCrtc{}))
	ioctlModeSetCrtc      = iowr(0xa2, unsafe.Sizeof(drmModeCrtc{}))
	ioctlModeGetEncoder   = iowr(0xa6, unsafe.Sizeof(drmModeGetEncoder{}))
	ioctlModeGetConnector = iowr(0xa7, unsafe.Sizeof(drmModeGetConnector{}))
	ioctlModeAddFB        = iowr(0xae, unsafe.Sizeof(drmModeFbCmd{}))
	ioctlModeRmFB         = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModeCreateDumb   = iowr(0xb2, unsafe.Sizeof(drmModeCreateDumb{}))
	ioctlModeMapDumb      = iowr(0xb3, unsafe.Sizeof(drmModeMapDumb{}))
	ioctlModeDestroyDumb  = iowr(0xb4, unsafe.Sizeof(drmModeDestroyDumb{}))
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

// ioctlWithRetry restarts the call on EINTR and EAGAIN, as libdrm's drmIoctl does.
func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return v1, err
	}
}

// ioctlPtr issues request with a pointer argument. The conversion happens in
// the Syscall call expression so the pointee stays live and pinned.
func ioctlPtr[T any](fd uintptr, request uint64, arg *T) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), uintptr(unsafe.Pointer(arg)))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func sliceAddr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func (m *drmModeInfo) toMode() ModeInfo {
	return ModeInfo{
		Clock:      m.clock,
		HDisplay:   m.hdisplay,
		HSyncStart: m.hsyncStart,
		HSyncEnd:   m.hsyncEnd,
		HTotal:     m.htotal,
		HSkew:      m.hskew,
		VDisplay:   m.vdisplay,
		VSyncStart: m.vsyncStart,
		VSyncEnd:   m.vsyncEnd,
		VTotal:     m.vtotal,
		VScan:      m.vscan,
		VRefresh:   m.vrefresh,
		Flags:      m.flags,
		Type:       m.typ,
		Name:       cString(m.name[:]),
	}
}

func fromMode(m *ModeInfo) drmModeInfo {
	raw := drmModeInfo{
		clock:      m.Clock,
		hdisplay:   m.HDisplay,
		hsyncStart: m.HSyncStart,
		hsyncEnd:   m.HSyncEnd,
		htotal:     m.HTotal,
		hskew:      m.HSkew,
		vdisplay:   m.VDisplay,
		vsyncStart: m.VSyncStart,
		vsyncEnd:   m.VSyncEnd,
		vtotal:     m.VTotal,
		vscan:      m.VScan,
		vrefresh:   m.VRefresh,
		flags:      m.Flags,
		typ:        m.Type,
	}
	copy(raw.name[:len(raw.name)-1], m.Name)
	return raw
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
