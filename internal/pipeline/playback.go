package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/pkg/audio"
	"github.com/voxcart/voxcart/pkg/pcm"
)

// playbackQueueDepth bounds the chunks waiting for the render worker. The
// model bursts audio faster than realtime; overflow drops the newest chunk
// rather than blocking the bus dispatcher.
const playbackQueueDepth = 1024

// Playback renders [events.AudioOutput] chunks to the output device.
//
// Init is idempotent and degrades to a no-op sink when the device cannot be
// used: the session keeps running voiceless rather than failing. Stop is
// advisory: it discards queued chunks but does not interrupt the block
// currently being written.
type Playback struct {
	dev     audio.Device
	bus     *bus.Bus
	metrics *observe.Metrics
	log     *slog.Logger

	mu          sync.Mutex
	initialized bool
	degraded    bool
	queue       chan []float32
	sub         *bus.Subscription
	done        chan struct{}
}

// NewPlayback creates a playback pipeline over dev fed from b. Passing nil
// metrics uses the package default instruments.
func NewPlayback(dev audio.Device, b *bus.Bus, metrics *observe.Metrics) *Playback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Playback{
		dev:     dev,
		bus:     b,
		metrics: metrics,
		log:     slog.Default().With("component", "playback"),
	}
}

// Init subscribes to model audio and starts the render worker. Calling it
// again is a no-op.
func (p *Playback) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return
	}
	p.initialized = true
	p.queue = make(chan []float32, playbackQueueDepth)
	p.done = make(chan struct{})
	go p.render()
	p.sub = p.bus.Subscribe(events.AudioOutput, p.onChunk)
}

// onChunk decodes one model audio chunk and enqueues it for rendering.
// Runs on the bus dispatcher, so it never blocks: a full queue drops the
// chunk.
func (p *Playback) onChunk(evt bus.Event) {
	payload, ok := evt.Payload.(events.AudioOutputPayload)
	if !ok {
		p.log.Warn("unexpected audio output payload", "type", evt.Payload)
		return
	}
	samples, err := pcm.Decode(payload.Content)
	if err != nil {
		p.log.Warn("dropping undecodable audio chunk", "err", err)
		p.metrics.AudioChunksDropped.Add(context.Background(), 1)
		return
	}
	select {
	case p.queue <- samples:
	default:
		p.metrics.AudioChunksDropped.Add(context.Background(), 1)
	}
}

// render writes queued chunks to the device in order. A write failure
// degrades playback to a no-op sink for the rest of the process; chunks are
// then drained and counted dropped so the queue never backs up.
func (p *Playback) render() {
	ctx := context.Background()
	for {
		select {
		case <-p.done:
			return
		case samples := <-p.queue:
			if p.isDegraded() {
				p.metrics.AudioChunksDropped.Add(ctx, 1)
				continue
			}
			if err := p.dev.WriteBlock(samples); err != nil {
				p.log.Error("audio output failed, continuing without playback", "err", err)
				p.setDegraded()
				p.metrics.AudioChunksDropped.Add(ctx, 1)
				continue
			}
			p.metrics.AudioChunksPlayed.Add(ctx, 1)
		}
	}
}

// Stop discards all queued chunks. The chunk currently being written, if
// any, finishes playing.
func (p *Playback) Stop() {
	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()
	if queue == nil {
		return
	}
	dropped := 0
	for {
		select {
		case <-queue:
			dropped++
		default:
			if dropped > 0 {
				p.metrics.AudioChunksDropped.Add(context.Background(), int64(dropped))
			}
			return
		}
	}
}

// Close unsubscribes and stops the render worker. Queued chunks are
// discarded.
func (p *Playback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return
	}
	p.initialized = false
	p.sub.Cancel()
	close(p.done)
}

func (p *Playback) isDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Playback) setDegraded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = true
}
