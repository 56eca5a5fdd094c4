// Package audio defines the device abstraction used by the voxcart capture
// and playback pipelines.
//
// The central interface is [Device]: an exclusive handle on the host's audio
// input and output streams. A Device is acquired once per process lifetime
// (acquisition may prompt the user for microphone permission) and reused
// across session restarts — restarting a remote session must never reacquire
// the hardware. Capture is tap-based: callers attach a block handler that the
// device invokes from its real-time input callback for every fixed-size block
// of normalized mono samples. Playback is pull-free: callers hand blocks to
// [Device.WriteBlock] and the device paces them out at the stream rate.
//
// Implementations of Device are provided by adapter packages (audio/portaudio
// for real hardware, audio/mock for tests). The interface is intentionally
// narrow to keep the session engine decoupled from host audio details.
package audio

import "context"

const (
	// SampleRate is the fixed capture and playback rate in Hz. It matches the
	// remote model's expected input format and must be set at stream-open
	// time, never renegotiated.
	SampleRate = 24000

	// BlockSize is the fixed number of samples per capture block.
	BlockSize = 512

	// Channels is the fixed channel count (mono).
	Channels = 1
)

// BlockHandler receives one capture block of BlockSize normalized mono
// samples. It is invoked on the device's real-time input thread and must not
// block: no synchronous I/O, no long computation. The slice is only valid for
// the duration of the call; handlers that retain samples must copy them.
type BlockHandler func(block []float32)

// Device is an exclusive handle on the host audio input and output streams.
//
// Lifecycle: Acquire once, AttachTap/DetachTap any number of times while
// acquired, then Release during process shutdown. Implementations must be
// safe for concurrent use.
type Device interface {
	// Acquire opens the input and output streams at [SampleRate]/[Channels].
	// It may prompt the user for permission. Calling Acquire on an already
	// acquired device is a no-op. The ctx governs the acquisition attempt
	// only.
	Acquire(ctx context.Context) error

	// AttachTap starts delivering capture blocks to fn. Only one tap may be
	// attached at a time; attaching while a tap is already present replaces
	// it. Returns an error if the device is not acquired.
	AttachTap(fn BlockHandler) error

	// DetachTap stops block delivery. The underlying input stream stays open
	// so a later AttachTap does not re-prompt for permission. Detaching with
	// no tap attached is a no-op.
	DetachTap()

	// WriteBlock queues one block of normalized mono samples for playback.
	// It blocks until the device has accepted the block (pacing at the
	// stream rate) and returns an error if the output stream is unavailable.
	WriteBlock(block []float32) error

	// Release tears down both streams and invalidates the device. Safe to
	// call more than once.
	Release() error
}
