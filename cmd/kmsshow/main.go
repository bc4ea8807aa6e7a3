//go:build linux

// kmsshow draws an image file on a screen of a running display.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/kmsd/internal/client"
	"github.com/tinyrange/kmsd/internal/config"
	"github.com/tinyrange/kmsd/internal/screen"
	"github.com/tinyrange/kmsd/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmsshow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: kmsshow [flags] IMAGE\n\n")
		flag.PrintDefaults()
	}
	display := flag.Int("display", server.DisplayNumber(), "display number")
	socket := flag.String("socket", "", "socket path (overrides -display)")
	gpuID := flag.Int("gpu", -1, "GPU id (default: first)")
	screenID := flag.Int("screen", -1, "screen id (default: every screen of the GPU)")
	plane := flag.Uint("plane", uint(screen.PlaneNormal), "plane, 1 (background) to 4 (cursor)")
	fit := flag.String("fit", string(fitContain), "stretch, contain or center")
	bg := flag.String("bg", "0xff000000", "colour around the image")
	quiet := flag.Bool("quiet", false, "no progress bar")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("want one image")
	}
	mode, err := parseFit(*fit)
	if err != nil {
		return err
	}
	if !screen.Plane(*plane).Valid() {
		return fmt.Errorf("invalid plane %d", *plane)
	}
	background, err := config.ParseColor(*bg)
	if err != nil {
		return err
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return err
	}
	img, format, err := decode(f)
	f.Close()
	if err != nil {
		return err
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
		Class:       "kmsshow",
		Title:       filepath.Base(flag.Arg(0)),
		Author:      "kmsd",
		Description: "image viewer",
	}); err != nil {
		return err
	}

	target := int32(*gpuID)
	if target < 0 {
		ids, err := c.GPUs()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("display has no GPUs")
		}
		target = ids[0]
	}

	var screens []uint32
	if *screenID >= 0 {
		screens = []uint32{uint32(*screenID)}
	} else if screens, err = c.Screens(target); err != nil {
		return err
	}

	bgColor := color.RGBA{
		R: uint8(background >> 16), G: uint8(background >> 8), B: uint8(background), A: 0xff,
	}
	for _, sid := range screens {
		info, err := c.ScreenInfo(target, sid)
		if err != nil {
			return err
		}
		pixels := xrgb(compose(img, int(info.Width), int(info.Height), mode, bgColor))

		req := client.DrawRequest{
			GPU:    target,
			Screen: sid,
			Plane:  uint8(*plane),
			Width:  info.Width,
			Height: info.Height,
			Pixels: pixels,
		}
		var bar *progressbar.ProgressBar
		if !*quiet {
			bar = progressbar.NewOptions(len(pixels),
				progressbar.OptionSetDescription(fmt.Sprintf("%s %s %dx%d", format, info.Name, info.Width, info.Height)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			req.Progress = func(n int) { bar.Add(n) }
		}

		if _, err := c.Draw(req); err != nil {
			return err
		}
		if bar != nil {
			bar.Finish()
		}
		frame, err := c.Swap(target, sid)
		if err != nil {
			return err
		}
		if !*quiet {
			fmt.Fprintf(os.Stderr, "screen %d (%s): frame %d\n", sid, info.Name, frame)
		}
	}
	return nil
}
