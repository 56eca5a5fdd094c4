package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/cart"
	"github.com/voxcart/voxcart/internal/catalog"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/pkg/audio/mock"
)

// fakeGateway answers the handshake events the way the real streaming client
// would, so lifecycle tests can run without a network.
type fakeGateway struct {
	mu       sync.Mutex
	created  int
	stopped  []string
	lastInit events.InitiateSessionPayload
}

func installFakeGateway(b *bus.Bus) *fakeGateway {
	g := &fakeGateway{}
	b.Subscribe(events.CreateSession, func(bus.Event) {
		g.mu.Lock()
		g.created++
		n := g.created
		g.mu.Unlock()
		b.Publish(bus.Event{Name: events.SessionCreated, Payload: fmt.Sprintf("sess-%d", n)})
	})
	b.Subscribe(events.InitiateSession, func(evt bus.Event) {
		if payload, ok := evt.Payload.(events.InitiateSessionPayload); ok {
			g.mu.Lock()
			g.lastInit = payload
			g.mu.Unlock()
		}
		b.Publish(bus.Event{Name: events.SessionInitiated})
	})
	b.Subscribe(events.StopAudio, func(evt bus.Event) {
		if payload, ok := evt.Payload.(events.StopAudioPayload); ok {
			g.mu.Lock()
			g.stopped = append(g.stopped, payload.SessionID)
			g.mu.Unlock()
		}
	})
	return g
}

func (g *fakeGateway) handshakes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

func (g *fakeGateway) stops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.stopped...)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeGateway, *mock.Device) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	g := installFakeGateway(b)
	dev := &mock.Device{}
	view := catalog.NewView(catalog.Default())
	e := New(b, dev, view, cart.New(), nil, opts...)
	return e, g, dev
}

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

func TestInitAudio(t *testing.T) {
	t.Parallel()
	e, _, dev := newTestEngine(t)

	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if !dev.Acquired {
		t.Error("device not acquired")
	}
	if !dev.HasTap() {
		t.Error("capture tap not attached")
	}
	if e.CurrentState() != StateMicReady {
		t.Errorf("state = %s, want mic_ready", e.CurrentState())
	}
	if got := e.Status(); got.Text != "Microphone ready" || got.ClassName != events.ClassReady {
		t.Errorf("status = %+v", got)
	}
}

func TestInitAudioFailure(t *testing.T) {
	t.Parallel()
	e, _, dev := newTestEngine(t)
	dev.AcquireError = errors.New("permission denied")

	if err := e.InitAudio(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if e.CurrentState() != StateError {
		t.Errorf("state = %s, want error", e.CurrentState())
	}
	if got := e.Status(); got.Text != "Mic Error: permission denied" || got.ClassName != events.ClassError {
		t.Errorf("status = %+v", got)
	}

	// Streaming cannot start without the device.
	if err := e.Toggle(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("toggle error = %v, want ErrNotReady", err)
	}
}

func TestToggleStartsAndStops(t *testing.T) {
	t.Parallel()
	e, g, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}

	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !e.Streaming() {
		t.Fatal("not streaming after toggle on")
	}
	if got := e.Status(); got.Text != "Listening..." || got.ClassName != events.ClassRecording {
		t.Errorf("status = %+v", got)
	}
	if g.handshakes() != 1 {
		t.Errorf("handshakes = %d, want 1", g.handshakes())
	}
	if user, _ := e.Conversation().Waiting(); !user {
		t.Error("user-transcription waiting flag not set on start")
	}

	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if e.Streaming() {
		t.Fatal("still streaming after toggle off")
	}
	if got := e.Status(); got.Text != "Processing..." || got.ClassName != events.ClassProcessing {
		t.Errorf("status = %+v", got)
	}
	waitFor(t, func() bool {
		stops := g.stops()
		return len(stops) == 1 && stops[0] == "sess-1"
	})
}

func TestStartWhileStreamingIsNoOp(t *testing.T) {
	t.Parallel()
	e, g, dev := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	if err := e.start(context.Background(), false); err != nil {
		t.Fatalf("redundant start: %v", err)
	}
	if g.handshakes() != 1 {
		t.Errorf("handshakes = %d, want 1", g.handshakes())
	}
	if got := e.Status(); got.Text != "Listening..." {
		t.Errorf("redundant start changed status to %+v", got)
	}
	if dev.CallCountAttach != 1 {
		t.Errorf("tap attached %d times, want 1", dev.CallCountAttach)
	}
	if !e.Streaming() {
		t.Error("redundant start stopped the stream")
	}
}

func TestStopWhileIdleIsNoOp(t *testing.T) {
	t.Parallel()
	e, g, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}

	// Never started: a stop must not publish stopAudio or Processing.
	e.stop(false, true)
	if stops := g.stops(); len(stops) != 0 {
		t.Errorf("idle stop published stopAudio: %v", stops)
	}
	if got := e.Status(); got.Text != "Microphone ready" {
		t.Errorf("idle stop changed status to %+v", got)
	}

	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	waitFor(t, func() bool { return len(g.stops()) == 1 })

	// A second stop after the session has already ended stays a no-op.
	e.stop(false, true)
	if stops := g.stops(); len(stops) != 1 {
		t.Errorf("repeated stop published stopAudio again: %v", stops)
	}
}

func TestStreamLimitRestart(t *testing.T) {
	t.Parallel()
	e, g, dev := newTestEngine(t, WithStreamLimit(40*time.Millisecond))
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	waitFor(t, func() bool { return g.handshakes() >= 2 })

	if !e.Streaming() {
		t.Error("restart must leave the engine streaming")
	}
	if got := e.Status(); got.Text != "Session restarted due to time limit." {
		t.Errorf("status = %+v", got)
	}
	// The device is acquired once per process, never per session.
	if dev.CallCountAcquire != 1 {
		t.Errorf("device acquired %d times, want 1", dev.CallCountAcquire)
	}
}

func TestModelTimeoutRestart(t *testing.T) {
	t.Parallel()
	e, g, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	// A turn already in the transcript must survive the restart.
	e.Conversation().Append(events.RoleUser, "show me laptops")

	e.bus.Publish(bus.Event{Name: events.ModelTimedOut})
	waitFor(t, func() bool { return g.handshakes() >= 2 })
	waitFor(t, e.Streaming)

	if turns := e.Conversation().Turns(); len(turns) != 1 {
		t.Errorf("restart reset the transcript: %d turns", len(turns))
	}
}

func TestModelTimeoutWhileIdleKeepsStatus(t *testing.T) {
	t.Parallel()
	e, g, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	e.bus.Publish(bus.Event{Name: events.StreamComplete})
	waitFor(t, func() bool { return e.Status().Text == "Ready" })

	// A stale timeout signal after the stream ended must not restart the
	// session or overwrite the idle status.
	e.bus.Publish(bus.Event{Name: events.ModelTimedOut})
	time.Sleep(50 * time.Millisecond)

	if g.handshakes() != 1 {
		t.Errorf("handshakes = %d, want 1", g.handshakes())
	}
	if got := e.Status(); got.Text != "Ready" || got.ClassName != events.ClassReady {
		t.Errorf("status = %+v, want Ready", got)
	}
	if e.Streaming() {
		t.Error("stale timeout must not start streaming")
	}
}

func TestRemoteErrorStopsStream(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	e.bus.Publish(bus.Event{Name: events.Error, Payload: events.ErrorPayload{Message: "stream reset"}})

	waitFor(t, func() bool { return e.CurrentState() == StateError })
	if got := e.Status(); got.Text != "Error: stream reset" || got.ClassName != events.ClassError {
		t.Errorf("status = %+v", got)
	}
	if e.Streaming() {
		t.Error("error must stop the stream")
	}
}

func TestStreamCompleteReturnsToReady(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	e.bus.Publish(bus.Event{Name: events.StreamComplete})

	waitFor(t, func() bool { return e.Status().Text == "Ready" })
	if e.Streaming() {
		t.Error("stream complete must stop streaming")
	}
}

func TestTranscriptAndWaitingFlags(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	e.bus.Publish(bus.Event{Name: events.TextOutput, Payload: events.TextOutputPayload{Role: events.RoleUser, Content: "add the delta pro"}})
	waitFor(t, func() bool {
		user, assistant := e.Conversation().Waiting()
		return !user && assistant
	})

	e.bus.Publish(bus.Event{Name: events.TextOutput, Payload: events.TextOutputPayload{Role: events.RoleAssistant, Content: "Added Delta Pro to your cart."}})
	e.bus.Publish(bus.Event{Name: events.ContentEnd, Payload: events.ContentEndPayload{Type: events.ContentTypeText, Role: events.RoleAssistant}})
	waitFor(t, func() bool {
		_, assistant := e.Conversation().Waiting()
		return !assistant
	})

	turns := e.Conversation().Turns()
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != events.RoleUser || turns[1].Role != events.RoleAssistant {
		t.Errorf("turn roles = %q, %q", turns[0].Role, turns[1].Role)
	}
}

func TestFreshStartResetsSharedState(t *testing.T) {
	t.Parallel()
	b := bus.New()
	t.Cleanup(b.Close)
	installFakeGateway(b)
	dev := &mock.Device{}
	view := catalog.NewView(catalog.Default())
	crt := cart.New()
	e := New(b, dev, view, crt, nil)

	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	// Leave residue from the first session.
	e.Conversation().Append(events.RoleUser, "hello")
	view.FilterCategory("Audio")
	crt.Add(catalog.Default()[0], 1)
	crt.Checkout()

	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if err := e.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on again: %v", err)
	}

	if turns := e.Conversation().Turns(); len(turns) != 0 {
		t.Errorf("fresh start kept %d transcript turns", len(turns))
	}
	if got := len(view.Visible()); got != 6 {
		t.Errorf("fresh start kept a narrowed view of %d products", got)
	}
	if crt.Confirmed() {
		t.Error("fresh start kept the order-confirmed flag")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()
	b := bus.New()
	t.Cleanup(b.Close)
	// No gateway installed: createSession goes unanswered.
	dev := &mock.Device{}
	e := New(b, dev, catalog.NewView(catalog.Default()), cart.New(), nil,
		WithHandshakeTimeout(30*time.Millisecond))

	if err := e.InitAudio(context.Background()); err != nil {
		t.Fatalf("init audio: %v", err)
	}
	err := e.Toggle(context.Background())
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if !strings.Contains(err.Error(), "sessionCreated") {
		t.Errorf("error = %v", err)
	}
	if got := e.Status(); got.ClassName != events.ClassError {
		t.Errorf("status = %+v", got)
	}
}

func TestBuildSystemPromptListsCategories(t *testing.T) {
	t.Parallel()
	prompt := BuildSystemPrompt(catalog.Default())
	if !strings.Contains(prompt, "Laptops, Audio, Wearables") {
		t.Errorf("prompt does not list catalog categories: %q", prompt)
	}
}
