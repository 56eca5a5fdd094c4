// Package pipeline implements the two audio pipelines: capture, which turns
// microphone blocks into transport-encoded outbound events, and playback,
// which renders the model's audio chunks to the output device.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/pkg/audio"
	"github.com/voxcart/voxcart/pkg/pcm"
)

// Capture taps the input device and forwards each captured block as an
// [events.AudioInput] event while forwarding is enabled. Blocks captured
// while forwarding is disabled are dropped at the tap, so pausing never
// queues stale audio for the next streaming phase.
type Capture struct {
	dev        audio.Device
	bus        *bus.Bus
	metrics    *observe.Metrics
	forwarding atomic.Bool
	attached   atomic.Bool
}

// NewCapture creates a capture pipeline over dev publishing to b. Passing
// nil metrics uses the package default instruments.
func NewCapture(dev audio.Device, b *bus.Bus, metrics *observe.Metrics) *Capture {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Capture{dev: dev, bus: b, metrics: metrics}
}

// Start attaches the capture tap to the device. The tap stays attached
// across session restarts; only the forwarding gate toggles. Start is
// idempotent.
func (c *Capture) Start() error {
	if c.attached.Load() {
		return nil
	}
	if err := c.dev.AttachTap(c.onBlock); err != nil {
		return fmt.Errorf("pipeline: attach capture tap: %w", err)
	}
	c.attached.Store(true)
	return nil
}

// Stop detaches the capture tap. Idempotent.
func (c *Capture) Stop() {
	if c.attached.CompareAndSwap(true, false) {
		c.dev.DetachTap()
	}
}

// Enable opens the forwarding gate: captured blocks become outbound events.
func (c *Capture) Enable() { c.forwarding.Store(true) }

// Disable closes the forwarding gate: captured blocks are dropped.
func (c *Capture) Disable() { c.forwarding.Store(false) }

// Forwarding reports whether captured blocks are currently forwarded.
func (c *Capture) Forwarding() bool { return c.forwarding.Load() }

// onBlock runs on the device callback. It must stay cheap: encode and hand
// off to the bus queue, nothing else.
func (c *Capture) onBlock(block []float32) {
	if !c.forwarding.Load() {
		return
	}
	c.bus.Publish(bus.Event{Name: events.AudioInput, Payload: pcm.Encode(block)})
	c.metrics.AudioBlocksCaptured.Add(context.Background(), 1)
}
