//go:build linux

package gbm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/kmsd/internal/drm"
)

var libraryNames = []string{"libgbm.so.1", "libgbm.so"}

var (
	loadOnce sync.Once
	loadErr  error

	gbmLib uintptr
)

var (
	gbm_create_device              func(fd int32) uintptr
	gbm_device_destroy             func(dev uintptr)
	gbm_device_get_backend_name    func(dev uintptr) string
	gbm_device_is_format_supported func(dev uintptr, format, usage uint32) int32

	gbm_bo_create     func(dev uintptr, width, height, format, flags uint32) uintptr
	gbm_bo_destroy    func(bo uintptr)
	gbm_bo_get_handle func(bo uintptr) uint64
	gbm_bo_get_stride func(bo uintptr) uint32
	gbm_bo_get_bpp    func(bo uintptr) uint32
	gbm_bo_get_width  func(bo uintptr) uint32
	gbm_bo_get_height func(bo uintptr) uint32
	gbm_bo_get_format func(bo uintptr) uint32
	gbm_bo_map        func(bo uintptr, x, y, width, height, flags uint32, stride *uint32, mapData *uintptr) uintptr
	gbm_bo_unmap      func(bo uintptr, mapData uintptr)
)

// Load opens libgbm and binds its functions. It is safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		var errs []error
		for _, name := range libraryNames {
			lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				gbmLib = lib
				break
			}
			errs = append(errs, err)
		}
		if gbmLib == 0 {
			loadErr = fmt.Errorf("gbm: dlopen: %w", errors.Join(errs...))
			return
		}

		purego.RegisterLibFunc(&gbm_create_device, gbmLib, "gbm_create_device")
		purego.RegisterLibFunc(&gbm_device_destroy, gbmLib, "gbm_device_destroy")
		purego.RegisterLibFunc(&gbm_device_get_backend_name, gbmLib, "gbm_device_get_backend_name")
		purego.RegisterLibFunc(&gbm_device_is_format_supported, gbmLib, "gbm_device_is_format_supported")

		purego.RegisterLibFunc(&gbm_bo_create, gbmLib, "gbm_bo_create")
		purego.RegisterLibFunc(&gbm_bo_destroy, gbmLib, "gbm_bo_destroy")
		purego.RegisterLibFunc(&gbm_bo_get_handle, gbmLib, "gbm_bo_get_handle")
		purego.RegisterLibFunc(&gbm_bo_get_stride, gbmLib, "gbm_bo_get_stride")
		purego.RegisterLibFunc(&gbm_bo_get_bpp, gbmLib, "gbm_bo_get_bpp")
		purego.RegisterLibFunc(&gbm_bo_get_width, gbmLib, "gbm_bo_get_width")
		purego.RegisterLibFunc(&gbm_bo_get_height, gbmLib, "gbm_bo_get_height")
		purego.RegisterLibFunc(&gbm_bo_get_format, gbmLib, "gbm_bo_get_format")
		purego.RegisterLibFunc(&gbm_bo_map, gbmLib, "gbm_bo_map")
		purego.RegisterLibFunc(&gbm_bo_unmap, gbmLib, "gbm_bo_unmap")
	})
	return loadErr
}

// Device is a gbm_device wrapping a card file descriptor. The card must stay
// open until Close returns.
type Device struct {
	ptr uintptr

	mu     sync.Mutex
	closed bool
}

func NewDevice(fd int) (*Device, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	ptr := gbm_create_device(int32(fd))
	if ptr == 0 {
		return nil, fmt.Errorf("gbm: create device for fd %d failed", fd)
	}
	return &Device{ptr: ptr}, nil
}

func (d *Device) BackendName() string {
	return gbm_device_get_backend_name(d.ptr)
}

func (d *Device) FormatSupported(format, usage uint32) bool {
	return gbm_device_is_format_supported(d.ptr, format, usage) != 0
}

func (d *Device) CreateBuffer(width, height, format, usage uint32) (drm.BufferObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("gbm: device closed")
	}

	bo := gbm_bo_create(d.ptr, width, height, format, usage)
	if bo == 0 {
		return nil, fmt.Errorf("gbm: create %dx%d buffer (format %#08x usage %#x) failed", width, height, format, usage)
	}
	return &BufferObject{ptr: bo}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	gbm_device_destroy(d.ptr)
	return nil
}

// BufferObject is a gbm_bo.
type BufferObject struct {
	ptr uintptr

	destroyOnce sync.Once
}

// Handle returns the GEM handle. gbm returns a union whose low 32 bits hold it.
func (b *BufferObject) Handle() uint32 { return uint32(gbm_bo_get_handle(b.ptr)) }
func (b *BufferObject) Width() uint32  { return gbm_bo_get_width(b.ptr) }
func (b *BufferObject) Height() uint32 { return gbm_bo_get_height(b.ptr) }
func (b *BufferObject) Stride() uint32 { return gbm_bo_get_stride(b.ptr) }
func (b *BufferObject) Bpp() uint32    { return gbm_bo_get_bpp(b.ptr) }
func (b *BufferObject) Format() uint32 { return gbm_bo_get_format(b.ptr) }

// Transfer flags of gbm_bo_map.
const (
	transferRead  = 1 << 0
	transferWrite = 1 << 1
)

func (b *BufferObject) Map(x, y, width, height uint32, access drm.Access) (drm.Mapping, error) {
	if width == 0 || height == 0 {
		return drm.Mapping{}, fmt.Errorf("gbm: empty map region")
	}

	var flags uint32
	if access&drm.AccessRead != 0 {
		flags |= transferRead
	}
	if access&drm.AccessWrite != 0 {
		flags |= transferWrite
	}

	var stride uint32
	var mapData uintptr
	addr := gbm_bo_map(b.ptr, x, y, width, height, flags, &stride, &mapData)
	if addr == 0 {
		return drm.Mapping{}, fmt.Errorf("gbm: map %dx%d+%d+%d failed", width, height, x, y)
	}

	bytesPerPixel := uint64(b.Bpp() / 8)
	size := uint64(height-1)*uint64(stride) + uint64(width)*bytesPerPixel
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return drm.Mapping{
		Data:   data,
		Stride: stride,
		Unmap: func() error {
			gbm_bo_unmap(b.ptr, mapData)
			return nil
		},
	}, nil
}

func (b *BufferObject) Destroy() error {
	b.destroyOnce.Do(func() { gbm_bo_destroy(b.ptr) })
	return nil
}
