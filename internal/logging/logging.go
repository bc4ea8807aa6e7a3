// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	Level  string
	File   string
	Format string
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// New builds a logger writing to w. The auto format picks text when tty is
// true and JSON otherwise.
func New(w io.Writer, tty bool, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(opts.Format)
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if tty {
			format = FormatText
		}
	}
	switch format {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
}

type output struct {
	f     *os.File
	owned bool
}

var current atomic.Pointer[output]

// Init installs the default logger. Logs go to opts.File when set and to
// stderr otherwise.
func Init(opts Options) error {
	out := &output{f: os.Stderr}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open %s: %w", opts.File, err)
		}
		out = &output{f: f, owned: true}
	}

	logger, err := New(out.f, term.IsTerminal(int(out.f.Fd())), opts)
	if err != nil {
		if out.owned {
			out.f.Close()
		}
		return err
	}
	slog.SetDefault(logger)

	if old := current.Swap(out); old != nil && old.owned {
		old.f.Close()
	}
	return nil
}

// Close flushes and closes the log file opened by Init, if any, and points
// the default logger back at stderr.
func Close() error {
	old := current.Swap(nil)
	if old == nil || !old.owned {
		return nil
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := old.f.Sync(); err != nil {
		old.f.Close()
		return err
	}
	return old.f.Close()
}
