//go:build linux

package server

import (
	"fmt"
	"net"
	"os"
)

// connFromFd takes ownership of fd.
func connFromFd(fd int, name string) (*Connection, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("server: wrap fd: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("server: fd %d is not a unix socket", fd)
	}
	return NewConnection(uc)
}
