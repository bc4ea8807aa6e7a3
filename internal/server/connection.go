//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/kmsd/internal/protocol"
	"github.com/tinyrange/kmsd/internal/trace"
)

var (
	// ErrDisconnected is returned once the peer has gone away.
	ErrDisconnected = errors.New("server: peer disconnected")
	// ErrTruncated is returned for a packet that did not fit the receive buffer.
	ErrTruncated = errors.New("server: packet truncated")
)

var connectionCounter atomic.Uint32

// Connection is one SOCK_SEQPACKET stream. Every packet is one message.
type Connection struct {
	id   uint32
	conn *net.UnixConn
	raw  syscall.RawConn
	buf  []byte
	done bool
}

// NewConnection wraps a connected unixpacket socket.
func NewConnection(conn *net.UnixConn) (*Connection, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("server: raw conn: %w", err)
	}
	return &Connection{
		id:   connectionCounter.Add(1),
		conn: conn,
		raw:  raw,
		buf:  make([]byte, 64<<10),
	}, nil
}

// ID is unique for the life of the process.
func (c *Connection) ID() uint32 { return c.id }

// Recv reads one packet without blocking. It returns (nil, nil) when nothing
// is queued.
func (c *Connection) Recv() (*protocol.Message, error) {
	if c.done {
		return nil, ErrDisconnected
	}

	var (
		n       int
		rflags  int
		recvErr error
		size    int
	)
	err := c.raw.Read(func(fd uintptr) bool {
		// Peek with MSG_TRUNC to learn the real packet size first.
		size, _, _, _, recvErr = unix.Recvmsg(int(fd), c.buf[:1], nil, unix.MSG_DONTWAIT|unix.MSG_PEEK|unix.MSG_TRUNC)
		if recvErr != nil || size == 0 {
			return true
		}
		if size > protocol.MaxSize {
			// consume and drop
			_, _, _, _, recvErr = unix.Recvmsg(int(fd), c.buf[:1], nil, unix.MSG_DONTWAIT)
			return true
		}
		if size > len(c.buf) {
			c.buf = make([]byte, size)
		}
		n, _, rflags, _, recvErr = unix.Recvmsg(int(fd), c.buf, nil, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("server: recv: %w", err)
	}

	switch {
	case errors.Is(recvErr, unix.EAGAIN):
		return nil, nil
	case errors.Is(recvErr, unix.ECONNRESET):
		c.done = true
		return nil, ErrDisconnected
	case recvErr != nil:
		return nil, fmt.Errorf("server: recv: %w", recvErr)
	case size == 0:
		// orderly shutdown
		c.done = true
		return nil, ErrDisconnected
	case size > protocol.MaxSize:
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrTooLarge, size)
	case rflags&unix.MSG_TRUNC != 0:
		return nil, ErrTruncated
	}

	packet := append([]byte(nil), c.buf[:n]...)
	trace.Record(trace.Received, c.id, packet)
	return protocol.FromBytes(packet), nil
}

// Send writes m as one packet.
func (c *Connection) Send(m *protocol.Message) error {
	if c.done {
		return ErrDisconnected
	}
	if m.Len() > protocol.MaxSize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrTooLarge, m.Len())
	}
	trace.Record(trace.Sent, c.id, m.Bytes())
	if _, err := c.conn.Write(m.Bytes()); err != nil {
		if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
			c.done = true
			return ErrDisconnected
		}
		return fmt.Errorf("server: send: %w", err)
	}
	return nil
}

// Shutdown stops both directions and closes the socket.
func (c *Connection) Shutdown() error {
	c.done = true
	c.raw.Control(func(fd uintptr) {
		unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
	return c.conn.Close()
}

// Socketpair returns two connected unixpacket connections.
func Socketpair() (*Connection, *Connection, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("server: socketpair: %w", err)
	}
	a, err := connFromFd(fds[0], "socketpair-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := connFromFd(fds[1], "socketpair-b")
	if err != nil {
		a.Shutdown()
		return nil, nil, err
	}
	return a, b, nil
}
