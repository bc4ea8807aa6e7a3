//go:build linux

// kmsd is a minimal display server. It lights every connected output through
// kernel mode setting and serves clients over a Unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/kmsd/internal/config"
	"github.com/tinyrange/kmsd/internal/gpu"
	"github.com/tinyrange/kmsd/internal/logging"
	"github.com/tinyrange/kmsd/internal/protocol"
	"github.com/tinyrange/kmsd/internal/server"
	"github.com/tinyrange/kmsd/internal/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.SystemPath, "configuration file")
	writeConfig := flag.String("write-config", "", "write the effective configuration to `file` and exit")
	display := flag.Int("display", server.DisplayNumber(), "display number")
	socket := flag.String("socket", "", "socket path (overrides -display)")
	deviceDir := flag.String("dev", gpu.DefaultDir, "directory holding card nodes")
	buffering := flag.String("buffering", config.DefaultBuffering, "single, double or triple")
	optimal := flag.Bool("optimal", false, "pick the largest mode instead of the first")
	allocator := flag.String("allocator", string(gpu.AllocatorAuto), "buffer allocator: auto, gbm or dumb")
	poll := flag.Duration("poll", config.DefaultPollInterval, "poll interval")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logFile := flag.String("log-file", "", "write logs to `file` instead of stderr")
	logFormat := flag.String("log-format", logging.FormatAuto, "auto, text or json")
	tracePath := flag.String("trace", "", "record wire packets to `file`")
	clearColor := flag.String("clear", "", "startup colour, 0xAARRGGBB or #RRGGBB")
	version := flag.Bool("version", false, "print the protocol version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("kmsd protocol %s\n", protocol.SemVer(protocol.Version))
		return nil
	}

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		return err
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "display":
			cfg.Display = *display
		case "socket":
			cfg.Socket = *socket
		case "dev":
			cfg.DeviceDir = *deviceDir
		case "buffering":
			cfg.Buffering = *buffering
		case "optimal":
			cfg.OptimalResolution = *optimal
		case "allocator":
			cfg.Allocator = *allocator
		case "poll":
			cfg.PollInterval = config.Duration(*poll)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		case "log-format":
			cfg.Log.Format = *logFormat
		case "trace":
			cfg.Trace = *tracePath
		case "clear":
			c, err := config.ParseColor(*clearColor)
			if err != nil {
				flagErr = err
			}
			cfg.ClearColor = c
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		return config.WriteTemplate(*writeConfig, cfg)
	}

	if err := logging.Init(cfg.LoggingOptions()); err != nil {
		return err
	}
	defer logging.Close()

	if cfg.Trace != "" {
		if err := trace.OpenFile(cfg.Trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer trace.Close()
	}

	flags, _ := cfg.ScreenFlags()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gpus, err := gpu.Discover(ctx, gpu.Options{
		Dir:     cfg.DeviceDir,
		Flags:   flags,
		Backend: gpu.NewSystemBackend(cfg.AllocatorKind()),
	})
	if err != nil {
		return err
	}

	path := cfg.SocketPath()
	ln, err := server.Listen(path)
	if err != nil {
		for _, g := range gpus {
			g.Close()
		}
		return err
	}

	dpy, err := server.NewDisplay(ln, gpus)
	if err != nil {
		ln.Close()
		for _, g := range gpus {
			g.Close()
		}
		return err
	}
	// Restores every CRTC, including after a panic unwinds through run.
	defer func() {
		if err := dpy.Close(); err != nil {
			slog.Warn("display teardown", "error", err)
		}
	}()

	paint(gpus, uint32(cfg.ClearColor))

	slog.Info("display ready",
		"display", cfg.Display, "socket", path, "gpus", len(gpus),
		"protocol", protocol.SemVer(protocol.Version))

	start := time.Now()
	if err := dpy.Run(ctx, cfg.PollInterval.Std()); err != nil {
		return err
	}
	slog.Info("shutting down", "uptime", time.Since(start).Round(time.Second))
	return nil
}

// paint fills and presents every screen so stale console contents disappear.
func paint(gpus []*gpu.GPU, color uint32) {
	for _, g := range gpus {
		for _, s := range g.Screens() {
			if err := s.Clear(color); err != nil {
				slog.Warn("clear screen", "gpu", g.ID(), "screen", s.ID(), "error", err)
				continue
			}
			if err := s.SwapBuffers(); err != nil {
				slog.Warn("present screen", "gpu", g.ID(), "screen", s.ID(), "error", err)
				continue
			}
			slog.Info("screen lit", "gpu", g.ID(), "screen", s.Connector().Name(),
				"mode", s.Mode().String(), "buffers", s.Depth())
		}
	}
}
