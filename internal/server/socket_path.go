package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Environment variables consulted by SocketPath.
const (
	EnvSocket  = "KMSD_SOCKET"
	EnvDisplay = "KMSD_DISPLAY"
)

// DisplayNumber returns $KMSD_DISPLAY, or 0 when unset or malformed.
func DisplayNumber() int {
	n, err := strconv.Atoi(os.Getenv(EnvDisplay))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SocketPath returns where display n listens.
func SocketPath(display int) string {
	if p := os.Getenv(EnvSocket); p != "" {
		return p
	}
	name := fmt.Sprintf("display-%d.sock", display)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kmsd", name)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("kmsd-%d", os.Getuid()), name)
}
