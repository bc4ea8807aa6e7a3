//go:build linux

package drm

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Capabilities accepted by GetCap.
const (
	CapDumbBuffer          uint64 = 0x1
	CapVBlankHighCRTC      uint64 = 0x2
	CapDumbPreferredDepth  uint64 = 0x3
	CapDumbPreferShadow    uint64 = 0x4
	CapPrime               uint64 = 0x5
	CapTimestampMonotonic  uint64 = 0x6
	CapAsyncPageFlip       uint64 = 0x7
	CapCursorWidth         uint64 = 0x8
	CapCursorHeight        uint64 = 0x9
	CapAddFB2Modifiers     uint64 = 0x10
	CapPageFlipTarget      uint64 = 0x11
	CapCRTCInVBlankEvent   uint64 = 0x12
	CapSyncObj             uint64 = 0x13
	CapSyncObjTimeline     uint64 = 0x14
	CapAtomicAsyncPageFlip uint64 = 0x15
)

// Card is an open /dev/dri/card* node.
type Card struct {
	f      *os.File
	path   string
	master bool
}

// Open opens a card node read/write, close-on-exec and non-blocking.
func Open(path string) (*Card, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Card{f: os.NewFile(uintptr(fd), path), path: path}, nil
}

func (c *Card) Path() string { return c.path }

func (c *Card) Fd() int { return int(c.f.Fd()) }

func (c *Card) fd() uintptr { return c.f.Fd() }

// Close drops master if this card holds it, then closes the node.
func (c *Card) Close() error {
	if c.master {
		c.DropMaster()
	}
	return c.f.Close()
}

// SetMaster makes this file the DRM master. Mode setting requires it.
func (c *Card) SetMaster() error {
	if _, err := ioctlWithRetry(c.fd(), ioctlSetMaster, 0); err != nil {
		return fmt.Errorf("drm: set master: %w", err)
	}
	c.master = true
	return nil
}

func (c *Card) DropMaster() error {
	if _, err := ioctlWithRetry(c.fd(), ioctlDropMaster, 0); err != nil {
		return fmt.Errorf("drm: drop master: %w", err)
	}
	c.master = false
	return nil
}

func (c *Card) GetCap(capability uint64) (uint64, error) {
	req := drmGetCap{capability: capability}
	if err := ioctlPtr(c.fd(), ioctlGetCap, &req); err != nil {
		return 0, fmt.Errorf("drm: get cap %#x: %w", capability, err)
	}
	return req.value, nil
}

// Version returns the kernel driver name and version.
func (c *Card) Version() (Version, error) {
	var req drmVersion
	if err := ioctlPtr(c.fd(), ioctlVersion, &req); err != nil {
		return Version{}, fmt.Errorf("drm: version: %w", err)
	}

	name := make([]byte, req.nameLen+1)
	date := make([]byte, req.dateLen+1)
	desc := make([]byte, req.descLen+1)
	req.name = uintptr(sliceAddr(name))
	req.date = uintptr(sliceAddr(date))
	req.desc = uintptr(sliceAddr(desc))
	err := ioctlPtr(c.fd(), ioctlVersion, &req)
	runtime.KeepAlive(name)
	runtime.KeepAlive(date)
	runtime.KeepAlive(desc)
	if err != nil {
		return Version{}, fmt.Errorf("drm: version: %w", err)
	}

	return Version{
		Major:       int(req.major),
		Minor:       int(req.minor),
		Patch:       int(req.patchlevel),
		Name:        cString(name[:req.nameLen]),
		Date:        cString(date[:req.dateLen]),
		Description: cString(desc[:req.descLen]),
	}, nil
}

// Resources lists the mode-setting objects of the card.
func (c *Card) Resources() (Resources, error) {
	for {
		var req drmModeCardRes
		if err := ioctlPtr(c.fd(), ioctlModeGetResources, &req); err != nil {
			return Resources{}, fmt.Errorf("drm: get resources: %w", err)
		}

		res := Resources{
			Framebuffers: make([]uint32, req.countFbs),
			CRTCs:        make([]uint32, req.countCrtcs),
			Connectors:   make([]uint32, req.countConnector),
			Encoders:     make([]uint32, req.countEncoders),
		}
		counts := req
		req.fbIDPtr = sliceAddr(res.Framebuffers)
		req.crtcIDPtr = sliceAddr(res.CRTCs)
		req.connectorIDPtr = sliceAddr(res.Connectors)
		req.encoderIDPtr = sliceAddr(res.Encoders)

		err := ioctlPtr(c.fd(), ioctlModeGetResources, &req)
		runtime.KeepAlive(res)
		if err != nil {
			return Resources{}, fmt.Errorf("drm: get resources: %w", err)
		}

		// Objects appeared between the two calls.
		if req.countFbs > counts.countFbs || req.countCrtcs > counts.countCrtcs ||
			req.countConnector > counts.countConnector || req.countEncoders > counts.countEncoders {
			continue
		}

		res.Framebuffers = res.Framebuffers[:req.countFbs]
		res.CRTCs = res.CRTCs[:req.countCrtcs]
		res.Connectors = res.Connectors[:req.countConnector]
		res.Encoders = res.Encoders[:req.countEncoders]
		res.MinWidth, res.MaxWidth = req.minWidth, req.maxWidth
		res.MinHeight, res.MaxHeight = req.minHeight, req.maxHeight
		return res, nil
	}
}

// Connector queries one connector including its mode list.
func (c *Card) Connector(id uint32) (ConnectorInfo, error) {
	for {
		req := drmModeGetConnector{connectorID: id}
		if err := ioctlPtr(c.fd(), ioctlModeGetConnector, &req); err != nil {
			return ConnectorInfo{}, fmt.Errorf("drm: get connector %d: %w", id, err)
		}

		modes := make([]drmModeInfo, req.countModes)
		encoders := make([]uint32, req.countEncoders)
		props := make([]uint32, req.countProps)
		values := make([]uint64, req.countProps)
		counts := req

		req.modesPtr = sliceAddr(modes)
		req.encodersPtr = sliceAddr(encoders)
		req.propsPtr = sliceAddr(props)
		req.propValuesPtr = sliceAddr(values)

		err := ioctlPtr(c.fd(), ioctlModeGetConnector, &req)
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encoders)
		runtime.KeepAlive(props)
		runtime.KeepAlive(values)
		if err != nil {
			return ConnectorInfo{}, fmt.Errorf("drm: get connector %d: %w", id, err)
		}

		if req.countModes > counts.countModes || req.countEncoders > counts.countEncoders ||
			req.countProps > counts.countProps {
			continue
		}

		info := ConnectorInfo{
			ID:         req.connectorID,
			EncoderID:  req.encoderID,
			Type:       ConnectorType(req.connectorType),
			TypeID:     req.connectorTypeID,
			Connection: Connection(req.connection),
			MMWidth:    req.mmWidth,
			MMHeight:   req.mmHeight,
			SubPixel:   SubPixel(req.subpixel),
			Encoders:   encoders[:req.countEncoders],
			Modes:      make([]ModeInfo, 0, req.countModes),
		}
		for i := range modes[:req.countModes] {
			info.Modes = append(info.Modes, modes[i].toMode())
		}
		return info, nil
	}
}

func (c *Card) Encoder(id uint32) (EncoderInfo, error) {
	req := drmModeGetEncoder{encoderID: id}
	if err := ioctlPtr(c.fd(), ioctlModeGetEncoder, &req); err != nil {
		return EncoderInfo{}, fmt.Errorf("drm: get encoder %d: %w", id, err)
	}
	return EncoderInfo{
		ID:             req.encoderID,
		Type:           req.encoderType,
		CrtcID:         req.crtcID,
		PossibleCRTCs:  req.possibleCrtcs,
		PossibleClones: req.possibleClones,
	}, nil
}

func (c *Card) Crtc(id uint32) (CrtcInfo, error) {
	req := drmModeCrtc{crtcID: id}
	if err := ioctlPtr(c.fd(), ioctlModeGetCrtc, &req); err != nil {
		return CrtcInfo{}, fmt.Errorf("drm: get crtc %d: %w", id, err)
	}
	info := CrtcInfo{
		ID:            req.crtcID,
		FramebufferID: req.fbID,
		X:             req.x,
		Y:             req.y,
		GammaSize:     req.gammaSize,
		ModeValid:     req.modeValid != 0,
		Mode:          req.mode.toMode(),
	}
	if info.ModeValid {
		info.Width = uint32(req.mode.hdisplay)
		info.Height = uint32(req.mode.vdisplay)
	}
	return info, nil
}

// SetCrtc scans fbID out of crtcID at (x, y) to connectors. A nil mode
// disables the CRTC.
func (c *Card) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *ModeInfo) error {
	req := drmModeCrtc{
		setConnectorsPtr: sliceAddr(connectors),
		countConnectors:  uint32(len(connectors)),
		crtcID:           crtcID,
		fbID:             fbID,
		x:                x,
		y:                y,
	}
	if mode != nil {
		req.mode = fromMode(mode)
		req.modeValid = 1
	}
	err := ioctlPtr(c.fd(), ioctlModeSetCrtc, &req)
	runtime.KeepAlive(connectors)
	if err != nil {
		return fmt.Errorf("drm: set crtc %d: %w", crtcID, err)
	}
	return nil
}

// AddFramebuffer registers a buffer object for scanout and returns the
// framebuffer id.
func (c *Card) AddFramebuffer(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	req := drmModeFbCmd{
		width:  width,
		height: height,
		pitch:  pitch,
		bpp:    uint32(bpp),
		depth:  uint32(depth),
		handle: handle,
	}
	if err := ioctlPtr(c.fd(), ioctlModeAddFB, &req); err != nil {
		return 0, fmt.Errorf("drm: add framebuffer: %w", err)
	}
	return req.fbID, nil
}

func (c *Card) RemoveFramebuffer(id uint32) error {
	if err := ioctlPtr(c.fd(), ioctlModeRmFB, &id); err != nil {
		return fmt.Errorf("drm: remove framebuffer %d: %w", id, err)
	}
	return nil
}

// PCIID reads the vendor and device ids from sysfs. Platform devices without
// a PCI parent return an error.
func (c *Card) PCIID() (PCIID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(c.Fd(), &st); err != nil {
		return PCIID{}, fmt.Errorf("drm: stat %s: %w", c.path, err)
	}
	dev := filepath.Join("/sys/dev/char",
		fmt.Sprintf("%d:%d", unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev))),
		"device")

	vendor, err := readHexID(filepath.Join(dev, "vendor"))
	if err != nil {
		return PCIID{}, err
	}
	device, err := readHexID(filepath.Join(dev, "device"))
	if err != nil {
		return PCIID{}, err
	}
	return PCIID{Vendor: vendor, Device: device}, nil
}

func readHexID(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("drm: read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("drm: parse %s: %w", path, err)
	}
	return uint16(v), nil
}
