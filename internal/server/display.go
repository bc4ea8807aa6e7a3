//go:build linux

// Package server accepts display clients and answers their requests.
//
// Everything runs on the goroutine that calls Poll or Run. Accept and receive
// never block; a poll that finds nothing is not an error.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/kmsd/internal/gpu"
	"github.com/tinyrange/kmsd/internal/screen"
)

var (
	ErrUnknownGPU    = errors.New("server: unknown gpu")
	ErrUnknownScreen = errors.New("server: unknown screen")
)

// DefaultPollInterval is the sleep between Run iterations.
const DefaultPollInterval = 4 * time.Millisecond

// Listen binds a unixpacket socket at path, replacing a stale socket file.
func Listen(path string) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("server: create socket dir: %w", err)
	}
	os.Remove(path)

	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o770); err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: chmod %s: %w", path, err)
	}
	return ln, nil
}

// Display owns the GPUs and the connected entities.
type Display struct {
	ln       *net.UnixListener
	raw      syscall.RawConn
	gpus     []*gpu.GPU
	entities []*Entity
	handler  *ProtocolHandler
	log      *slog.Logger
	closed   bool
}

// NewDisplay serves gpus on ln. A nil listener gives a display that only
// serves entities added with Attach. The display takes ownership of both.
func NewDisplay(ln *net.UnixListener, gpus []*gpu.GPU) (*Display, error) {
	d := &Display{
		ln:      ln,
		gpus:    gpus,
		handler: NewProtocolHandler(),
		log:     slog.Default().With("component", "display"),
	}
	if ln != nil {
		raw, err := ln.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("server: listener raw conn: %w", err)
		}
		d.raw = raw
	}
	return d, nil
}

func (d *Display) Handler() *ProtocolHandler { return d.handler }

func (d *Display) GPUs() []*gpu.GPU { return d.gpus }

func (d *Display) Entities() []*Entity { return d.entities }

func (d *Display) GPU(id int32) (*gpu.GPU, error) {
	for _, g := range d.gpus {
		if g.ID() == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownGPU, id)
}

func (d *Display) Screen(gpuID int32, screenID uint32) (*screen.Screen, error) {
	g, err := d.GPU(gpuID)
	if err != nil {
		return nil, err
	}
	s, ok := g.Screen(screenID)
	if !ok {
		return nil, fmt.Errorf("%w %d on gpu %d", ErrUnknownScreen, screenID, gpuID)
	}
	return s, nil
}

// Attach adds an already connected client.
func (d *Display) Attach(conn *Connection) *Entity {
	e := NewEntity(conn)
	d.entities = append(d.entities, e)
	d.log.Info("entity connected", "entity", e.ID())
	return e
}

// Accept takes one pending connection. It returns (nil, nil) when none is
// waiting.
func (d *Display) Accept() (*Entity, error) {
	if d.raw == nil {
		return nil, nil
	}

	var nfd int
	var acceptErr error
	err := d.raw.Read(func(fd uintptr) bool {
		nfd, _, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("server: accept: %w", err)
	}
	switch {
	case errors.Is(acceptErr, unix.EAGAIN),
		errors.Is(acceptErr, unix.EINTR),
		errors.Is(acceptErr, unix.ECONNABORTED):
		return nil, nil
	case acceptErr != nil:
		return nil, fmt.Errorf("server: accept: %w", acceptErr)
	}

	conn, err := connFromFd(nfd, "kmsd-client")
	if err != nil {
		return nil, err
	}
	return d.Attach(conn), nil
}

// Poll accepts at most one client and handles at most one message from each
// entity. Entities that went away are dropped.
func (d *Display) Poll() error {
	if d.closed {
		return net.ErrClosed
	}
	if _, err := d.Accept(); err != nil {
		d.log.Warn("accept failed", "error", err)
	}

	live := d.entities[:0]
	for _, e := range d.entities {
		err := d.handler.Handle(d, e)
		switch {
		case errors.Is(err, ErrDisconnected):
			d.log.Info("entity disconnected", "entity", e.ID(), "class", e.Class)
			e.Close()
			continue
		case err != nil:
			d.log.Warn("handle message", "entity", e.ID(), "error", err)
		}
		live = append(live, e)
	}
	clear(d.entities[len(live):])
	d.entities = live
	return nil
}

// Run polls every interval until ctx is done.
func (d *Display) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.Poll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close disconnects every entity, stops listening and tears down the GPUs.
// A panic while closing one GPU does not stop the others from restoring.
func (d *Display) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for _, e := range d.entities {
		e.Close()
	}
	d.entities = nil

	if d.ln != nil {
		if err := d.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range d.gpus {
		if err := closeGPU(g); err != nil {
			d.log.Error("gpu teardown", "gpu", g.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeGPU(g *gpu.GPU) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gpu %d teardown panicked: %v", g.ID(), r)
		}
	}()
	return g.Close()
}
