// Package mock provides an in-memory mock implementation of [audio.Device]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// error fields that the test can set to control return values. Capture blocks
// are injected with [Device.EmitBlock], which invokes the currently attached
// tap exactly as a real device's input callback would.
package mock

import (
	"context"
	"sync"

	"github.com/voxcart/voxcart/pkg/audio"
)

// Compile-time assertion that Device satisfies the audio.Device interface.
var _ audio.Device = (*Device)(nil)

// Device is a mock implementation of [audio.Device].
// Set the exported Error fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// AcquireError is returned by [Device.Acquire].
	AcquireError error

	// AttachError is returned by [Device.AttachTap].
	AttachError error

	// WriteError is returned by [Device.WriteBlock].
	WriteError error

	// Acquired reports whether Acquire has succeeded.
	Acquired bool

	// Released reports whether Release has been called.
	Released bool

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountAttach records how many times AttachTap was called.
	CallCountAttach int

	// CallCountDetach records how many times DetachTap was called.
	CallCountDetach int

	// Written holds every block passed to WriteBlock, in order. Blocks are
	// copied so tests may inspect them after the caller reuses its slice.
	Written [][]float32

	tap audio.BlockHandler
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireError != nil {
		return d.AcquireError
	}
	d.Acquired = true
	return nil
}

// AttachTap implements [audio.Device].
func (d *Device) AttachTap(fn audio.BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAttach++
	if d.AttachError != nil {
		return d.AttachError
	}
	d.tap = fn
	return nil
}

// DetachTap implements [audio.Device].
func (d *Device) DetachTap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDetach++
	d.tap = nil
}

// WriteBlock implements [audio.Device]. The block is copied into Written.
func (d *Device) WriteBlock(block []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteError != nil {
		return d.WriteError
	}
	cp := make([]float32, len(block))
	copy(cp, block)
	d.Written = append(d.Written, cp)
	return nil
}

// Release implements [audio.Device].
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Released = true
	d.Acquired = false
	d.tap = nil
	return nil
}

// EmitBlock invokes the attached tap with block, simulating the device's
// real-time input callback. It is a no-op when no tap is attached.
func (d *Device) EmitBlock(block []float32) {
	d.mu.Lock()
	tap := d.tap
	d.mu.Unlock()
	if tap != nil {
		tap(block)
	}
}

// HasTap reports whether a tap is currently attached.
func (d *Device) HasTap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tap != nil
}

// WrittenBlocks returns a snapshot copy of all recorded playback blocks.
func (d *Device) WrittenBlocks() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]float32, len(d.Written))
	copy(out, d.Written)
	return out
}
