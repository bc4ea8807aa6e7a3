//go:build linux

package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kmsd/internal/protocol"
)

// Handler answers one request. A nil reply sends nothing; an error is sent
// back to the client as a single error message.
type Handler func(dpy *Display, e *Entity, msg *protocol.Message) (*protocol.Message, error)

// ProtocolHandler maps codes to handlers.
type ProtocolHandler struct {
	handlers map[protocol.Code]Handler
	fallback Handler
}

// NewProtocolHandler returns a handler table with every built-in code set.
func NewProtocolHandler() *ProtocolHandler {
	return &ProtocolHandler{
		handlers: map[protocol.Code]Handler{
			protocol.CodeEntityRegister:   handleEntityRegister,
			protocol.CodeEnumerateGPUs:    handleEnumerateGPUs,
			protocol.CodeGPUInfo:          handleGPUInfo,
			protocol.CodeEnumerateScreens: handleEnumerateScreens,
			protocol.CodeScreenInfo:       handleScreenInfo,
			protocol.CodeScreenModes:      handleScreenModes,
			protocol.CodeScreenDraw:       handleScreenDraw,
			protocol.CodeScreenSwap:       handleScreenSwap,
		},
		fallback: handleUnknown,
	}
}

// SetProtocolHandler replaces the handler for code. A nil h removes it, so
// the code goes to the fallback.
func (p *ProtocolHandler) SetProtocolHandler(code protocol.Code, h Handler) {
	if h == nil {
		delete(p.handlers, code)
		return
	}
	p.handlers[code] = h
}

// SetFallback sets the handler for codes with no entry. nil ignores them.
func (p *ProtocolHandler) SetFallback(h Handler) {
	p.fallback = h
}

// Handle reads at most one message from e and dispatches it. Finding nothing
// to read is not an error.
func (p *ProtocolHandler) Handle(dpy *Display, e *Entity) error {
	msg, err := e.conn.Recv()
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	code, err := msg.Code()
	if err != nil {
		if errors.Is(err, protocol.ErrEmpty) {
			return nil
		}
		return fmt.Errorf("entity %d: %w", e.ID(), err)
	}

	h, ok := p.handlers[code]
	if !ok {
		h = p.fallback
	}
	if h == nil {
		return nil
	}

	reply, err := h(dpy, e, msg)
	if err != nil {
		slog.Debug("request failed", "entity", e.ID(), "code", code, "error", err)
		reply = protocol.Errorf("%s: %v", code, err)
	}
	if reply == nil {
		return nil
	}
	return e.Send(reply)
}

func handleUnknown(_ *Display, e *Entity, msg *protocol.Message) (*protocol.Message, error) {
	code, _ := msg.Code()
	slog.Debug("unhandled protocol code", "entity", e.ID(), "code", code, "bytes", msg.Len())
	return nil, nil
}
