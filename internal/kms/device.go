package kms

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/kmsd/internal/drm"
)

// Device owns a card handle and the buffer allocator created on it.
//
// The allocator and the card are shared by every Screen built on the device
// and are released together when the last holder lets go: the Device itself
// holds one reference, and each Acquire adds another.
type Device struct {
	id    int32
	card  Card
	alloc drm.Allocator

	refs     atomic.Int32
	released atomic.Bool
}

// NewDevice takes ownership of card and alloc.
func NewDevice(card Card, alloc drm.Allocator) *Device {
	d := &Device{id: int32(card.Fd()), card: card, alloc: alloc}
	d.refs.Store(1)
	return d
}

// ID is the native handle of the device.
func (d *Device) ID() int32 { return d.id }

func (d *Device) Card() Card { return d.card }

// Acquire takes a reference on the allocator. It fails once the last
// reference has been dropped.
func (d *Device) Acquire() (drm.Allocator, error) {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return nil, fmt.Errorf("acquire allocator: %w", ErrClosed)
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return d.alloc, nil
		}
	}
}

// Release drops a reference taken by Acquire.
func (d *Device) Release() error {
	if d.refs.Add(-1) != 0 {
		return nil
	}
	slog.Debug("releasing device", "device", d.id)
	return errors.Join(d.alloc.Close(), d.card.Close())
}

// Refs reports the number of live references.
func (d *Device) Refs() int32 { return d.refs.Load() }

// Close drops the device's own reference. Screens that still hold the
// allocator keep the card open until they are closed.
func (d *Device) Close() error {
	if !d.released.CompareAndSwap(false, true) {
		return nil
	}
	return d.Release()
}
