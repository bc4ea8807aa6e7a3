package kms

import (
	"errors"
	"testing"

	"github.com/tinyrange/kmsd/internal/drm"
	"github.com/tinyrange/kmsd/internal/kms/kmstest"
)

func newTestDevice(t *testing.T) (*Device, *kmstest.Card, *kmstest.Allocator) {
	t.Helper()
	card, alloc := kmstest.New(7)
	dev := NewDevice(card, alloc)
	return dev, card, alloc
}

func TestDeviceRefcount(t *testing.T) {
	dev, card, alloc := newTestDevice(t)

	if _, err := dev.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if alloc.Closed || card.Closed {
		t.Fatalf("device released while a screen still holds it")
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if dev.Refs() != 1 {
		t.Fatalf("second Close dropped another reference: refs = %d", dev.Refs())
	}

	if err := dev.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !alloc.Closed || !card.Closed {
		t.Fatalf("last release did not close allocator and card")
	}
	if _, err := dev.Acquire(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire after release: err = %v", err)
	}
}

func TestConnectorStates(t *testing.T) {
	dev, card, _ := newTestDevice(t)
	card.AddDisconnected(11)
	card.Connectors[12] = drm.ConnectorInfo{ID: 12, Connection: drm.Connected}

	conn, err := NewConnector(dev, 10)
	if err != nil {
		t.Fatalf("NewConnector(10): %v", err)
	}
	if conn.Name() != "HDMI-A-1" {
		t.Errorf("Name = %q", conn.Name())
	}
	if len(conn.Modes) != 3 || conn.EncoderID != 20 {
		t.Errorf("connector = %+v", conn)
	}

	if _, err := NewConnector(dev, 11); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: err = %v", err)
	}
	if _, err := NewConnector(dev, 12); !errors.Is(err, ErrNoModes) {
		t.Errorf("no modes: err = %v", err)
	}
}

func TestResolveZeroIDs(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	if _, err := NewEncoder(dev, 0); !errors.Is(err, ErrNoEncoder) {
		t.Errorf("NewEncoder(0): err = %v", err)
	}
	if _, err := NewCRTC(dev, 0, 10); !errors.Is(err, ErrNoCRTC) {
		t.Errorf("NewCRTC(0): err = %v", err)
	}
	enc, err := NewEncoder(dev, 20)
	if err != nil {
		t.Fatalf("NewEncoder(20): %v", err)
	}
	if enc.CrtcID != 30 || !enc.CanDrive(0) || enc.CanDrive(1) {
		t.Errorf("encoder = %+v", enc)
	}
}

func TestCRTCRestoreIsIdempotent(t *testing.T) {
	dev, card, _ := newTestDevice(t)
	crtc, err := NewCRTC(dev, 30, 10)
	if err != nil {
		t.Fatalf("NewCRTC: %v", err)
	}
	saved := crtc.Saved()

	if err := crtc.Set(55, kmstest.Modes()[0]); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := crtc.Restore(); err != nil {
			t.Fatalf("Restore %d: %v", i, err)
		}
		call, _ := card.LastSetCrtc()
		if call.FBID != saved.FramebufferID || call.X != saved.X || call.Y != saved.Y {
			t.Fatalf("Restore %d applied %+v, want fb %d at %d,%d", i, call, saved.FramebufferID, saved.X, saved.Y)
		}
		if call.Mode == nil || *call.Mode != saved.Mode {
			t.Fatalf("Restore %d applied mode %v, want %v", i, call.Mode, saved.Mode)
		}
	}

	before := len(card.SetCrtcCalls)
	crtc.Close()
	crtc.Close()
	if got := len(card.SetCrtcCalls) - before; got != 1 {
		t.Fatalf("Close twice issued %d SetCrtc calls, want 1", got)
	}
}

func TestCRTCRestoreOfDisabledCRTC(t *testing.T) {
	dev, card, _ := newTestDevice(t)
	card.CRTCs[30] = drm.CrtcInfo{ID: 30}
	crtc, err := NewCRTC(dev, 30, 10)
	if err != nil {
		t.Fatalf("NewCRTC: %v", err)
	}
	if err := crtc.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	call, _ := card.LastSetCrtc()
	if call.Mode != nil || len(call.Connectors) != 0 || call.FBID != 0 {
		t.Fatalf("restoring a disabled crtc issued %+v", call)
	}
}

func TestFramebufferLifecycle(t *testing.T) {
	dev, card, alloc := newTestDevice(t)
	buf, err := NewBuffer(alloc, 320, 200, drm.FormatXRGB8888, drm.UsageScanout)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	fb, err := NewFramebuffer(dev, buf)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	if got, ok := card.FramebufferBuffer(fb.ID()); !ok || got.Handle() != buf.Handle() {
		t.Fatalf("framebuffer %d not bound to buffer %d", fb.ID(), buf.Handle())
	}
	if err := fb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fb.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(card.Framebuffers) != 0 {
		t.Fatalf("framebuffer still registered")
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("buffer Close: %v", err)
	}
}

func TestCRTCSetClaims(t *testing.T) {
	set := NewCRTCSet([]uint32{30, 31, 32})

	claim := func(enc *Encoder, want uint32, wantErr error) {
		t.Helper()
		got, err := set.Claim(enc)
		if wantErr != nil {
			if !errors.Is(err, wantErr) {
				t.Fatalf("Claim(encoder %d) err = %v, want %v", enc.ID, err, wantErr)
			}
			return
		}
		if err != nil || got != want {
			t.Fatalf("Claim(encoder %d) = %d, %v, want %d", enc.ID, got, err, want)
		}
	}

	claim(&Encoder{ID: 1, CrtcID: 30, PossibleCRTCs: 0b011}, 30, nil)
	// current crtc taken: first free one the encoder can drive
	claim(&Encoder{ID: 2, CrtcID: 30, PossibleCRTCs: 0b011}, 31, nil)
	claim(&Encoder{ID: 3, CrtcID: 30, PossibleCRTCs: 0b001}, 0, ErrCRTCInUse)
	// no current crtc: pick from the possible mask
	claim(&Encoder{ID: 4, PossibleCRTCs: 0b100}, 32, nil)
	claim(&Encoder{ID: 5, PossibleCRTCs: 0b001}, 0, ErrNoCRTC)

	set.Release(30)
	if set.Claimed(30) {
		t.Fatalf("crtc 30 still claimed after Release")
	}
	claim(&Encoder{ID: 3, CrtcID: 30, PossibleCRTCs: 0b001}, 30, nil)

	var none *CRTCSet
	none.Release(30)
}
