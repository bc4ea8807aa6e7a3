//go:build linux

// kmsinfo prints the GPUs, screens and modes of a display, or dumps a wire
// trace recorded by kmsd.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/kmsd/internal/client"
	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/gpu"
	"github.com/tinyrange/kmsd/internal/server"
	"github.com/tinyrange/kmsd/internal/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kmsinfo [flags]\n")
	fmt.Fprintf(os.Stderr, "       kmsinfo trace [-entity N] [-dump] FILE\n\n")
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmsinfo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = usage
	display := flag.Int("display", server.DisplayNumber(), "display number")
	socket := flag.String("socket", "", "socket path (overrides -display)")
	direct := flag.Bool("direct", false, "open the card nodes instead of asking the server; needs DRM master, so no server may be running")
	dir := flag.String("dev", gpu.DefaultDir, "card node directory for -direct")
	color := flag.String("color", "auto", "auto, always or never")
	flag.Parse()

	p := newPrinter(os.Stdout, *color)

	if flag.Arg(0) == "trace" {
		return runTrace(p, flag.Args()[1:])
	}
	if flag.NArg() > 0 {
		flag.Usage()
		return fmt.Errorf("unexpected argument %q", flag.Arg(0))
	}

	if *direct {
		// Discovery logs every skipped node; keep them out of the listing.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
		return listDirect(p, *dir)
	}

	path := *socket
	if path == "" {
		path = server.SocketPath(*display)
	}
	c, err := client.Dial(path)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Register(client.Identity{
		Class:       "kmsinfo",
		Title:       "kmsinfo",
		Author:      "kmsd",
		Description: "display inspector",
	}); err != nil {
		return err
	}
	return listRemote(p, c)
}

func listRemote(p *printer, c *client.Client) error {
	ids, err := c.GPUs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		info, err := c.GPUInfo(id)
		if err != nil {
			return err
		}
		p.gpu(info.ID, info.VendorName, info.VendorID, info.DeviceID, info.Driver,
			info.MaxWidth, info.MaxHeight)

		screens, err := c.Screens(id)
		if err != nil {
			return err
		}
		for _, sid := range screens {
			si, err := c.ScreenInfo(id, sid)
			if err != nil {
				return err
			}
			modes, err := c.ScreenModes(id, sid)
			if err != nil {
				return err
			}
			p.screen(si.ID, si.Name, si.MMWidth, si.MMHeight, si.SubPixel, si.Buffers)
			p.modes(modes, int(si.ModeIndex))
		}
	}
	return nil
}

func listDirect(p *printer, dir string) error {
	gpus, err := gpu.Discover(context.Background(), gpu.Options{Dir: dir})
	if err != nil {
		return err
	}
	defer func() {
		for _, g := range gpus {
			g.Close()
		}
	}()

	for _, g := range gpus {
		_, _, maxW, maxH := g.Limits()
		p.gpu(g.ID(), g.VendorName(), g.VendorID(), g.DeviceID(), g.Driver(), maxW, maxH)
		for _, s := range g.Screens() {
			c := s.Connector()
			p.screen(s.ID(), c.Name(), c.MMWidth, c.MMHeight, c.SubPixel, uint32(s.Depth()))
			p.modes(s.Modes(), s.ModeIndex())
		}
	}
	return nil
}

func runTrace(p *printer, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	entity := fs.Uint("entity", 0, "only show packets of this entity")
	dump := fs.Bool("dump", false, "hex dump packet contents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("trace: want one file")
	}

	r, closer, err := trace.OpenReader(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closer.Close()

	var first int64
	return r.Each(uint32(*entity), func(e trace.Entry) error {
		if first == 0 {
			first = e.Time.UnixNano()
		}
		p.packet(e, e.Time.UnixNano()-first)
		if *dump && len(e.Packet) > 0 {
			fmt.Fprint(p.w, hex.Dump(e.Packet))
		}
		return nil
	})
}

type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w *os.File, mode string) *printer {
	color := false
	switch mode {
	case "always":
		color = true
	case "auto":
		color = term.IsTerminal(int(w.Fd()))
	}
	return &printer{w: w, color: color}
}

func (p *printer) gpu(id int32, vendor string, vendorID, deviceID uint16, driver string, maxW, maxH uint32) {
	if driver == "" {
		driver = "unknown driver"
	}
	fmt.Fprintf(p.w, "%s %s %s (%04x:%04x) %s, up to %dx%d\n",
		p.style(styleHeading, "gpu"), p.style(styleHeading, fmt.Sprint(id)),
		vendor, vendorID, deviceID, p.style(styleDim, driver), maxW, maxH)
}

func (p *printer) screen(id uint32, name string, mmW, mmH uint32, sub drm.SubPixel, buffers uint32) {
	fmt.Fprintf(p.w, "  %s %s %s %dx%dmm %s, %d buffers\n",
		p.style(styleName, "screen"), p.style(styleName, fmt.Sprint(id)),
		name, mmW, mmH, p.style(styleDim, sub.String()), buffers)
}

func (p *printer) modes(modes []drm.ModeInfo, active int) {
	for i, m := range modes {
		mark := " "
		line := fmt.Sprintf("%-12s %4d Hz %7d kHz", fmt.Sprintf("%dx%d", m.HDisplay, m.VDisplay), m.VRefresh, m.Clock)
		if m.Type&drm.ModeTypePreferred != 0 {
			line += " preferred"
		}
		if i == active {
			mark = "*"
			line = p.style(styleActive, line)
		}
		fmt.Fprintf(p.w, "    %s %2d %s\n", mark, i, line)
	}
}

func (p *printer) packet(e trace.Entry, elapsed int64) {
	arrow := p.style(styleRecv, "<-")
	if e.Direction == trace.Sent {
		arrow = p.style(styleSent, "->")
	}
	fmt.Fprintf(p.w, "%12.6f %s entity %-4d %-18s %d bytes\n",
		float64(elapsed)/1e9, arrow, e.Entity, e.Code, len(e.Packet))
}
