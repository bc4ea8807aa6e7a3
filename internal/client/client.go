// Package client talks to a running display server.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/protocol"
	"github.com/tinyrange/kmsd/internal/server"
)

var (
	ErrClosed          = errors.New("client: closed")
	ErrUnexpectedReply = errors.New("client: unexpected reply")
)

// ErrorReply is a failure reported by the server.
type ErrorReply struct {
	Request protocol.Code
	Message string
}

func (e *ErrorReply) Error() string {
	return fmt.Sprintf("server rejected %s: %s", e.Request, e.Message)
}

// DefaultTimeout bounds each request.
const DefaultTimeout = 5 * time.Second

// drawOverhead is the request header of a ScreenDraw message.
const drawOverhead = protocol.HeaderSize + 4 + 4 + 1 + 4*4 + 4

// Client is a connection to one display.
type Client struct {
	conn    *net.UnixConn
	mu      sync.Mutex
	closed  atomic.Bool
	buf     []byte
	timeout time.Duration

	// maxPixels caps the pixels in a single draw request.
	maxPixels int
}

// Dial connects to the display server listening at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to display: %w", err)
	}
	return &Client{
		conn:      conn,
		buf:       make([]byte, protocol.MaxSize),
		timeout:   DefaultTimeout,
		maxPixels: (protocol.MaxSize - drawOverhead) / 4,
	}, nil
}

// DialDisplay connects to display n at its default socket path.
func DialDisplay(n int) (*Client, error) {
	return Dial(server.SocketPath(n))
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) send(req *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.conn.Write(req.Bytes()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Call sends req and waits for the reply, which must carry want or be an
// error reply.
func (c *Client) Call(req *protocol.Message, want protocol.Code) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(req); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	reply := protocol.FromBytes(append([]byte(nil), c.buf[:n]...))

	code, err := reply.Code()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	reqCode, _ := req.Code()
	switch code {
	case want:
		return reply, nil
	case protocol.CodeError:
		text, err := reply.ReadString()
		if err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		return nil, &ErrorReply{Request: reqCode, Message: text}
	default:
		return nil, fmt.Errorf("%w: %s to %s", ErrUnexpectedReply, code, reqCode)
	}
}

// Identity is what a client registers as.
type Identity struct {
	Class       string
	Title       string
	Version     uint32
	Author      string
	Description string
}

// Register announces the client. The server does not reply.
func (c *Client) Register(id Identity) error {
	if id.Version == 0 {
		id.Version = protocol.Version
	}
	req := protocol.New(protocol.CodeEntityRegister)
	req.WriteString(id.Class)
	req.WriteString(id.Title)
	req.WriteU32(id.Version)
	req.WriteString(id.Author)
	req.WriteString(id.Description)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(req)
}

func (c *Client) GPUs() ([]int32, error) {
	reply, err := c.Call(protocol.New(protocol.CodeEnumerateGPUs), protocol.CodeEnumerateGPUs)
	if err != nil {
		return nil, err
	}
	n, err := reply.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(n)*4 > uint64(reply.Remaining()) {
		return nil, protocol.ErrOverflow
	}
	ids := make([]int32, n)
	for i := range ids {
		if ids[i], err = reply.ReadI32(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

type GPUInfo struct {
	ID         int32
	VendorID   uint16
	DeviceID   uint16
	VendorName string
	Driver     string
	MinWidth   uint32
	MinHeight  uint32
	MaxWidth   uint32
	MaxHeight  uint32
	Screens    uint32
}

func (c *Client) GPUInfo(id int32) (GPUInfo, error) {
	req := protocol.New(protocol.CodeGPUInfo)
	req.WriteI32(id)
	reply, err := c.Call(req, protocol.CodeGPUInfo)
	if err != nil {
		return GPUInfo{}, err
	}

	var info GPUInfo
	d := decoder{m: reply}
	info.ID = d.i32()
	info.VendorID = d.u16()
	info.DeviceID = d.u16()
	info.VendorName = d.str()
	info.Driver = d.str()
	info.MinWidth = d.u32()
	info.MinHeight = d.u32()
	info.MaxWidth = d.u32()
	info.MaxHeight = d.u32()
	info.Screens = d.u32()
	return info, d.err
}

func (c *Client) Screens(gpu int32) ([]uint32, error) {
	req := protocol.New(protocol.CodeEnumerateScreens)
	req.WriteI32(gpu)
	reply, err := c.Call(req, protocol.CodeEnumerateScreens)
	if err != nil {
		return nil, err
	}
	if _, err := reply.ReadI32(); err != nil {
		return nil, err
	}
	return reply.ReadU32s()
}

type ScreenInfo struct {
	ID            uint32
	ConnectorType drm.ConnectorType
	Name          string
	MMWidth       uint32
	MMHeight      uint32
	SubPixel      drm.SubPixel
	ModeIndex     uint32
	Width         uint32
	Height        uint32
	Refresh       uint32
	Modes         uint32
	Buffers       uint32
}

func screenRequest(code protocol.Code, gpu int32, screen uint32) *protocol.Message {
	req := protocol.New(code)
	req.WriteI32(gpu)
	req.WriteU32(screen)
	return req
}

func (c *Client) ScreenInfo(gpu int32, screen uint32) (ScreenInfo, error) {
	reply, err := c.Call(screenRequest(protocol.CodeScreenInfo, gpu, screen), protocol.CodeScreenInfo)
	if err != nil {
		return ScreenInfo{}, err
	}

	var info ScreenInfo
	d := decoder{m: reply}
	info.ID = d.u32()
	info.ConnectorType = drm.ConnectorType(d.u32())
	info.Name = d.utf16()
	info.MMWidth = d.u32()
	info.MMHeight = d.u32()
	info.SubPixel = drm.SubPixel(d.u32())
	info.ModeIndex = d.u32()
	info.Width = d.u32()
	info.Height = d.u32()
	info.Refresh = d.u32()
	info.Modes = d.u32()
	info.Buffers = d.u32()
	return info, d.err
}

func (c *Client) ScreenModes(gpu int32, screen uint32) ([]drm.ModeInfo, error) {
	reply, err := c.Call(screenRequest(protocol.CodeScreenModes, gpu, screen), protocol.CodeScreenModes)
	if err != nil {
		return nil, err
	}
	n, err := reply.ReadU32()
	if err != nil {
		return nil, err
	}
	var modes []drm.ModeInfo
	for range n {
		m, err := reply.ReadMode()
		if err != nil {
			return nil, err
		}
		modes = append(modes, m)
	}
	return modes, nil
}

// DrawRequest describes a rectangle of pixels to queue on a screen.
type DrawRequest struct {
	GPU    int32
	Screen uint32
	Plane  uint8
	X, Y   uint32
	Width  uint32
	Height uint32
	Pixels []uint32

	// Progress, if set, is called with the number of pixels sent after each
	// request.
	Progress func(pixels int)
}

// Draw queues r, split into horizontal bands that each fit one packet. It
// returns the number of commands pending on the screen.
func (c *Client) Draw(r DrawRequest) (uint32, error) {
	if uint64(len(r.Pixels)) != uint64(r.Width)*uint64(r.Height) {
		return 0, fmt.Errorf("client: %d pixels for %dx%d", len(r.Pixels), r.Width, r.Height)
	}
	if r.Width == 0 || r.Height == 0 {
		return 0, nil
	}
	if int(r.Width) > c.maxPixels {
		return 0, fmt.Errorf("client: row of %d pixels exceeds message limit", r.Width)
	}

	rows := uint32(c.maxPixels / int(r.Width))
	var pending uint32
	for y := uint32(0); y < r.Height; y += rows {
		h := min(rows, r.Height-y)
		band := r.Pixels[y*r.Width : (y+h)*r.Width]

		req := screenRequest(protocol.CodeScreenDraw, r.GPU, r.Screen)
		req.WriteU8(r.Plane)
		req.WriteU32(r.X)
		req.WriteU32(r.Y + y)
		req.WriteU32(r.Width)
		req.WriteU32(h)
		req.WriteU32s(band)

		reply, err := c.Call(req, protocol.CodeScreenDraw)
		if err != nil {
			return pending, err
		}
		if pending, err = reply.ReadU32(); err != nil {
			return pending, err
		}
		if r.Progress != nil {
			r.Progress(len(band))
		}
	}
	return pending, nil
}

// Swap presents everything queued on the screen and returns the frame number.
func (c *Client) Swap(gpu int32, screen uint32) (uint64, error) {
	reply, err := c.Call(screenRequest(protocol.CodeScreenSwap, gpu, screen), protocol.CodeScreenSwap)
	if err != nil {
		return 0, err
	}
	return reply.ReadU64()
}

// decoder keeps the first read error so fixed layouts decode in a line each.
type decoder struct {
	m   *protocol.Message
	err error
}

func (d *decoder) u16() uint16 {
	if d.err != nil {
		return 0
	}
	v, err := d.m.ReadU16()
	d.err = err
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	v, err := d.m.ReadU32()
	d.err = err
	return v
}

func (d *decoder) i32() int32 {
	if d.err != nil {
		return 0
	}
	v, err := d.m.ReadI32()
	d.err = err
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, err := d.m.ReadString()
	d.err = err
	return v
}

func (d *decoder) utf16() string {
	if d.err != nil {
		return ""
	}
	v, err := d.m.ReadUTF16()
	d.err = err
	return v
}
