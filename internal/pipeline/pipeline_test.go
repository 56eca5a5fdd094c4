package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/pkg/audio"
	"github.com/voxcart/voxcart/pkg/audio/mock"
	"github.com/voxcart/voxcart/pkg/pcm"
)

func captureBlock() []float32 {
	block := make([]float32, audio.BlockSize)
	for i := range block {
		block[i] = 0.25
	}
	return block
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCaptureForwardsWhileEnabled(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{}

	var got []string
	gotCh := make(chan string, 8)
	b.Subscribe(events.AudioInput, func(evt bus.Event) {
		gotCh <- evt.Payload.(string)
	})

	c := NewCapture(dev, b, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !dev.HasTap() {
		t.Fatal("capture did not attach a tap")
	}

	block := captureBlock()

	// Disabled: blocks are dropped at the tap.
	dev.EmitBlock(block)

	c.Enable()
	dev.EmitBlock(block)
	dev.EmitBlock(block)

	c.Disable()
	dev.EmitBlock(block)

	waitFor(t, func() bool {
		for {
			select {
			case s := <-gotCh:
				got = append(got, s)
			default:
				return len(got) >= 2
			}
		}
	})
	time.Sleep(20 * time.Millisecond)
	select {
	case s := <-gotCh:
		got = append(got, s)
	default:
	}
	if len(got) != 2 {
		t.Fatalf("forwarded %d blocks, want 2", len(got))
	}

	samples, err := pcm.Decode(got[0])
	if err != nil {
		t.Fatalf("forwarded payload does not decode: %v", err)
	}
	if len(samples) != audio.BlockSize {
		t.Errorf("decoded %d samples, want %d", len(samples), audio.BlockSize)
	}
}

func TestCaptureStartIdempotent(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{}

	c := NewCapture(dev, b, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if dev.CallCountAttach != 1 {
		t.Errorf("attach calls = %d, want 1", dev.CallCountAttach)
	}

	c.Stop()
	c.Stop()
	if dev.CallCountDetach != 1 {
		t.Errorf("detach calls = %d, want 1", dev.CallCountDetach)
	}
}

func TestCaptureAttachError(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{AttachError: errors.New("device busy")}

	c := NewCapture(dev, b, nil)
	if err := c.Start(); err == nil {
		t.Fatal("expected attach error")
	}
}

func TestPlaybackRendersChunks(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{}

	p := NewPlayback(dev, b, nil)
	p.Init()
	p.Init() // idempotent
	defer p.Close()

	chunk := []float32{0.1, -0.1, 0.5}
	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: pcm.Encode(chunk)}})
	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: pcm.Encode(chunk)}})

	waitFor(t, func() bool { return len(dev.WrittenBlocks()) == 2 })

	written := dev.WrittenBlocks()
	if len(written[0]) != len(chunk) {
		t.Fatalf("rendered %d samples, want %d", len(written[0]), len(chunk))
	}
	for i, s := range written[0] {
		diff := s - chunk[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 1.0/32768 {
			t.Errorf("sample %d = %v, want ~%v", i, s, chunk[i])
		}
	}
}

func TestPlaybackDegradesOnWriteFailure(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{WriteError: errors.New("stream closed")}

	p := NewPlayback(dev, b, nil)
	p.Init()
	defer p.Close()

	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: pcm.Encode([]float32{0.1})}})
	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: pcm.Encode([]float32{0.2})}})

	waitFor(t, p.isDegraded)
	if len(dev.WrittenBlocks()) != 0 {
		t.Error("degraded playback must not record successful writes")
	}
}

func TestPlaybackIgnoresUndecodableChunk(t *testing.T) {
	t.Parallel()
	b := bus.New()
	defer b.Close()
	dev := &mock.Device{}

	p := NewPlayback(dev, b, nil)
	p.Init()
	defer p.Close()

	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: "!!not base64!!"}})
	b.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: pcm.Encode([]float32{0.3})}})

	waitFor(t, func() bool { return len(dev.WrittenBlocks()) == 1 })
}
