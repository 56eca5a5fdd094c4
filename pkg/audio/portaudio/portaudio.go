// Package portaudio implements [audio.Device] on top of PortAudio.
//
// The input stream runs in callback mode so capture blocks arrive on
// PortAudio's real-time thread at a fixed block size; the output stream runs
// in blocking-write mode and is fed from the playback pipeline's render
// worker. Both streams are opened once at the fixed session rate and survive
// tap attach/detach cycles, so a remote-session restart never reopens the
// hardware.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/voxcart/voxcart/pkg/audio"
)

// Compile-time assertion that Device satisfies the audio.Device interface.
var _ audio.Device = (*Device)(nil)

// Device is a PortAudio-backed [audio.Device].
type Device struct {
	mu       sync.Mutex
	acquired bool
	released bool
	in       *portaudio.Stream
	out      *portaudio.Stream

	// tapMu guards tap separately from mu: the input callback reads tap on
	// the real-time thread and must not contend with slow Acquire/Release.
	tapMu sync.Mutex
	tap   audio.BlockHandler

	// outMu serialises playback writes; outBuf is the fixed stream buffer
	// and pending holds samples carried over between WriteBlock calls.
	outMu   sync.Mutex
	outBuf  []float32
	pending []float32
}

// New creates an unacquired PortAudio device.
func New() *Device {
	return &Device{}
}

// Acquire initialises PortAudio and opens the default input and output
// streams at the fixed session format. Idempotent while acquired.
func (d *Device) Acquire(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquired {
		return nil
	}
	if d.released {
		return fmt.Errorf("portaudio: device released")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	in, err := portaudio.OpenDefaultStream(
		audio.Channels, 0, float64(audio.SampleRate), audio.BlockSize,
		d.inputCallback,
	)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := in.Start(); err != nil {
		_ = in.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	outBuf := make([]float32, audio.BlockSize)
	out, err := portaudio.OpenDefaultStream(
		0, audio.Channels, float64(audio.SampleRate), audio.BlockSize,
		&outBuf,
	)
	if err != nil {
		_ = in.Stop()
		_ = in.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := out.Start(); err != nil {
		_ = out.Close()
		_ = in.Stop()
		_ = in.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	d.in = in
	d.out = out
	d.outBuf = outBuf
	d.acquired = true
	return nil
}

// inputCallback runs on PortAudio's real-time input thread.
func (d *Device) inputCallback(in []float32) {
	d.tapMu.Lock()
	tap := d.tap
	d.tapMu.Unlock()
	if tap != nil {
		tap(in)
	}
}

// AttachTap registers fn as the capture block handler.
func (d *Device) AttachTap(fn audio.BlockHandler) error {
	d.mu.Lock()
	acquired := d.acquired
	d.mu.Unlock()
	if !acquired {
		return fmt.Errorf("portaudio: device not acquired")
	}

	d.tapMu.Lock()
	d.tap = fn
	d.tapMu.Unlock()
	return nil
}

// DetachTap clears the capture block handler. The input stream keeps running.
func (d *Device) DetachTap() {
	d.tapMu.Lock()
	d.tap = nil
	d.tapMu.Unlock()
}

// WriteBlock queues samples for playback. Samples are accumulated into
// fixed-size stream buffers; a remainder shorter than one buffer is carried
// over to the next call so playback stays gapless across chunk boundaries.
func (d *Device) WriteBlock(block []float32) error {
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	if out == nil {
		return fmt.Errorf("portaudio: output stream not available")
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()

	d.pending = append(d.pending, block...)
	for len(d.pending) >= audio.BlockSize {
		copy(d.outBuf, d.pending[:audio.BlockSize])
		d.pending = d.pending[audio.BlockSize:]
		if err := out.Write(); err != nil {
			return fmt.Errorf("portaudio: write output: %w", err)
		}
	}
	return nil
}

// Release stops and closes both streams and terminates PortAudio.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.acquired {
		d.released = true
		return nil
	}
	d.acquired = false
	d.released = true

	d.DetachTap()

	var firstErr error
	if err := d.in.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.in.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.out.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.out.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.in = nil
	d.out = nil
	if firstErr != nil {
		return fmt.Errorf("portaudio: release: %w", firstErr)
	}
	return nil
}
