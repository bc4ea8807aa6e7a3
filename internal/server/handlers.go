//go:build linux

package server

import (
	"log/slog"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/kmsd/internal/protocol"
	"github.com/tinyrange/kmsd/internal/screen"
)

func handleEntityRegister(_ *Display, e *Entity, msg *protocol.Message) (*protocol.Message, error) {
	class, err := msg.ReadString()
	if err != nil {
		return nil, err
	}
	title, err := msg.ReadString()
	if err != nil {
		return nil, err
	}
	version, err := msg.ReadU32()
	if err != nil {
		return nil, err
	}
	author, err := msg.ReadString()
	if err != nil {
		return nil, err
	}
	description, err := msg.ReadString()
	if err != nil {
		return nil, err
	}

	e.Register(class, title, version, author, description)

	client, ours := protocol.SemVer(version), protocol.SemVer(protocol.Version)
	switch {
	case semver.Major(client) != semver.Major(ours):
		slog.Warn("entity speaks a different protocol major version",
			"entity", e.ID(), "class", class, "client", client, "server", ours)
	case semver.Compare(client, ours) > 0:
		slog.Debug("entity is newer than server", "entity", e.ID(), "client", client, "server", ours)
	}
	slog.Info("entity registered", "entity", e.ID(), "class", class, "title", title, "version", client)
	return nil, nil
}

func handleEnumerateGPUs(dpy *Display, _ *Entity, _ *protocol.Message) (*protocol.Message, error) {
	reply := protocol.New(protocol.CodeEnumerateGPUs)
	reply.WriteU32(uint32(len(dpy.gpus)))
	for _, g := range dpy.gpus {
		reply.WriteI32(g.ID())
	}
	return reply, nil
}

func handleGPUInfo(dpy *Display, _ *Entity, msg *protocol.Message) (*protocol.Message, error) {
	id, err := msg.ReadI32()
	if err != nil {
		return nil, err
	}
	g, err := dpy.GPU(id)
	if err != nil {
		return nil, err
	}

	reply := protocol.New(protocol.CodeGPUInfo)
	reply.WriteI32(g.ID())
	reply.WriteU16(g.VendorID())
	reply.WriteU16(g.DeviceID())
	reply.WriteString(g.VendorName())
	reply.WriteString(g.Driver())
	minW, minH, maxW, maxH := g.Limits()
	reply.WriteU32(minW)
	reply.WriteU32(minH)
	reply.WriteU32(maxW)
	reply.WriteU32(maxH)
	reply.WriteU32(uint32(len(g.Screens())))
	return reply, nil
}

func handleEnumerateScreens(dpy *Display, _ *Entity, msg *protocol.Message) (*protocol.Message, error) {
	id, err := msg.ReadI32()
	if err != nil {
		return nil, err
	}
	g, err := dpy.GPU(id)
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(g.Screens()))
	for _, s := range g.Screens() {
		ids = append(ids, s.ID())
	}
	reply := protocol.New(protocol.CodeEnumerateScreens)
	reply.WriteI32(g.ID())
	reply.WriteU32s(ids)
	return reply, nil
}

// lookupScreen reads the (gpu, screen) pair that starts every screen request.
func lookupScreen(dpy *Display, msg *protocol.Message) (*screen.Screen, error) {
	gpuID, err := msg.ReadI32()
	if err != nil {
		return nil, err
	}
	screenID, err := msg.ReadU32()
	if err != nil {
		return nil, err
	}
	return dpy.Screen(gpuID, screenID)
}

func handleScreenInfo(dpy *Display, _ *Entity, msg *protocol.Message) (*protocol.Message, error) {
	s, err := lookupScreen(dpy, msg)
	if err != nil {
		return nil, err
	}
	conn := s.Connector()

	reply := protocol.New(protocol.CodeScreenInfo)
	reply.WriteU32(s.ID())
	reply.WriteU32(uint32(conn.Type))
	reply.WriteUTF16(conn.Name())
	reply.WriteU32(conn.MMWidth)
	reply.WriteU32(conn.MMHeight)
	reply.WriteU32(uint32(conn.SubPixel))
	reply.WriteU32(uint32(s.ModeIndex()))
	reply.WriteU32(s.Width())
	reply.WriteU32(s.Height())
	reply.WriteU32(s.Refresh())
	reply.WriteU32(uint32(len(s.Modes())))
	reply.WriteU32(uint32(s.Depth()))
	return reply, nil
}

func handleScreenModes(dpy *Display, _ *Entity, msg *protocol.Message) (*protocol.Message, error) {
	s, err := lookupScreen(dpy, msg)
	if err != nil {
		return nil, err
	}
	reply := protocol.New(protocol.CodeScreenModes)
	reply.WriteU32(uint32(len(s.Modes())))
	for _, m := range s.Modes() {
		reply.WriteMode(m)
	}
	return reply, nil
}

func handleScreenDraw(dpy *Display, e *Entity, msg *protocol.Message) (*protocol.Message, error) {
	s, err := lookupScreen(dpy, msg)
	if err != nil {
		return nil, err
	}

	var cmd screen.DrawCommand
	plane, err := msg.ReadU8()
	if err != nil {
		return nil, err
	}
	cmd.Plane = screen.Plane(plane)
	for _, p := range []*uint32{&cmd.X, &cmd.Y, &cmd.Width, &cmd.Height} {
		if *p, err = msg.ReadU32(); err != nil {
			return nil, err
		}
	}
	if cmd.Pixels, err = msg.ReadU32s(); err != nil {
		return nil, err
	}
	if err := s.Submit(cmd); err != nil {
		return nil, err
	}

	reply := protocol.New(protocol.CodeScreenDraw)
	reply.WriteU32(uint32(s.Pending()))
	return reply, nil
}

func handleScreenSwap(dpy *Display, e *Entity, msg *protocol.Message) (*protocol.Message, error) {
	s, err := lookupScreen(dpy, msg)
	if err != nil {
		return nil, err
	}
	if err := s.SwapBuffers(); err != nil {
		return nil, err
	}
	slog.Debug("swapped", "entity", e.ID(), "screen", s.ID(), "frame", s.Frames())

	reply := protocol.New(protocol.CodeScreenSwap)
	reply.WriteU64(s.Frames())
	return reply, nil
}
