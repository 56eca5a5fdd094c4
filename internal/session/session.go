// Package session implements the voice-session lifecycle: microphone
// acquisition, the remote handshake, streaming start/stop, the wall-clock
// restart, and recovery from remote timeouts.
//
// The engine is driven from two sides. The operator calls [Engine.InitAudio]
// once and then [Engine.Toggle] to start and stop streaming; the streaming
// client drives it asynchronously through bus events (transcripts, audio,
// errors, timeouts). All lifecycle sequences are serialized on one internal
// mutex so a restart can never interleave with a user toggle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/cart"
	"github.com/voxcart/voxcart/internal/catalog"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/internal/pipeline"
	"github.com/voxcart/voxcart/internal/tools"
	"github.com/voxcart/voxcart/pkg/audio"
)

// ErrNotReady is returned by Toggle when the audio device has not been
// initialized with [Engine.InitAudio].
var ErrNotReady = errors.New("session: audio not initialized")

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateRequestingMicrophone
	StateMicReady
	StateInitializing
	StateStreaming
	StateProcessing
	StateError
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRequestingMicrophone:
		return "requesting_microphone"
	case StateMicReady:
		return "mic_ready"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// defaultStreamLimit stays just under the remote transport's bounded session
// lifetime, so the engine restarts proactively instead of being cut off.
const defaultStreamLimit = 595 * time.Second

const defaultHandshakeTimeout = 10 * time.Second

// Option configures an [Engine].
type Option func(*Engine)

// WithStreamLimit overrides the wall-clock limit after which a streaming
// session is silently restarted.
func WithStreamLimit(d time.Duration) Option {
	return func(e *Engine) { e.streamLimit = d }
}

// WithHandshakeTimeout bounds each round-trip of the session handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.handshakeTimeout = d }
}

// WithSystemPrompt replaces the built-in shopping-assistant prompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) { e.systemPrompt = prompt }
}

// WithMetrics sets the metric instruments. Defaults to the package default
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the session state machine.
type Engine struct {
	bus      *bus.Bus
	dev      audio.Device
	view     *catalog.View
	cart     *cart.Cart
	toolset  func() []tools.Tool
	capture  *pipeline.Capture
	playback *pipeline.Playback
	metrics  *observe.Metrics
	log      *slog.Logger
	convo    *Log

	streamLimit      time.Duration
	handshakeTimeout time.Duration
	systemPrompt     string

	// opMu serializes the lifecycle sequences (start, stop, restart) so the
	// handshake never interleaves with a toggle or another restart. It is
	// never held by bus handlers.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	status      events.Status
	sessionID   string
	initialized bool
	streamTimer *time.Timer
	subs        []*bus.Subscription
}

// New creates an engine over the given device and shared shopping state.
// toolset builds the tool list registered on every handshake; it is called
// once per remote session so the registry is always session-scoped.
func New(b *bus.Bus, dev audio.Device, view *catalog.View, crt *cart.Cart, toolset func() []tools.Tool, opts ...Option) *Engine {
	e := &Engine{
		bus:              b,
		dev:              dev,
		view:             view,
		cart:             crt,
		toolset:          toolset,
		log:              slog.Default().With("component", "session"),
		convo:            &Log{},
		streamLimit:      defaultStreamLimit,
		handshakeTimeout: defaultHandshakeTimeout,
		state:            StateDisconnected,
		status:           events.Status{Text: "Disconnected", ClassName: events.ClassDisconnected},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.capture = pipeline.NewCapture(dev, b, e.metrics)
	e.playback = pipeline.NewPlayback(dev, b, e.metrics)
	e.subscribe()
	return e
}

// subscribe registers the engine's lifetime handlers for inbound events.
// Handlers that start or stop streams hop to their own goroutine: lifecycle
// sequences wait for further bus events and must not run on the dispatcher.
func (e *Engine) subscribe() {
	e.subs = append(e.subs,
		e.bus.Subscribe(events.TextOutput, e.onTextOutput),
		e.bus.Subscribe(events.ContentEnd, e.onContentEnd),
		e.bus.Subscribe(events.StreamComplete, func(bus.Event) { go e.onStreamComplete() }),
		e.bus.Subscribe(events.Error, func(evt bus.Event) { go e.onError(evt) }),
		e.bus.Subscribe(events.ModelTimedOut, func(bus.Event) { go e.onModelTimedOut() }),
	)
}

// InitAudio acquires the microphone, attaches the capture tap, and
// initializes playback. Called once at startup; the device stays acquired
// across session restarts so the user is never re-prompted.
func (e *Engine) InitAudio(ctx context.Context) error {
	e.setState(StateRequestingMicrophone)
	e.setStatus("Requesting microphone...", events.ClassConnecting)

	if err := e.dev.Acquire(ctx); err != nil {
		e.setState(StateError)
		e.setStatus(fmt.Sprintf("Mic Error: %v", err), events.ClassError)
		return fmt.Errorf("session: acquire audio device: %w", err)
	}
	if err := e.capture.Start(); err != nil {
		e.setState(StateError)
		e.setStatus(fmt.Sprintf("Mic Error: %v", err), events.ClassError)
		return fmt.Errorf("session: start capture: %w", err)
	}
	e.playback.Init()

	e.setState(StateMicReady)
	e.setStatus("Microphone ready", events.ClassReady)
	return nil
}

// Toggle starts streaming when stopped and stops it when streaming. Calling
// it again while already in the requested state is a no-op.
func (e *Engine) Toggle(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.CurrentState() == StateStreaming {
		e.stop(false, true)
		return nil
	}
	return e.start(ctx, false)
}

// Streaming reports whether audio is currently flowing.
func (e *Engine) Streaming() bool {
	return e.CurrentState() == StateStreaming
}

// CurrentState returns the lifecycle state.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the last published user-visible status.
func (e *Engine) Status() events.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Conversation returns the transcript log.
func (e *Engine) Conversation() *Log {
	return e.convo
}

// Close tears the engine down: stops any active stream, cancels all bus
// subscriptions, and releases the audio device.
func (e *Engine) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.CurrentState() == StateStreaming {
		e.stop(false, false)
	}
	for _, s := range e.subs {
		s.Cancel()
	}
	e.subs = nil
	e.playback.Close()
	e.capture.Stop()
	if err := e.dev.Release(); err != nil {
		return fmt.Errorf("session: release audio device: %w", err)
	}
	e.setState(StateDisconnected)
	e.setStatus("Disconnected", events.ClassDisconnected)
	return nil
}

// start begins a streaming session. Callers hold opMu. A fresh start resets
// the transcript, the catalog view, and the order-confirmed flag; an
// auto-restart keeps all three so the conversation continues seamlessly.
func (e *Engine) start(ctx context.Context, autoRestart bool) error {
	if e.CurrentState() == StateStreaming && !autoRestart {
		return nil
	}

	e.mu.Lock()
	ready := e.state != StateDisconnected && e.state != StateRequestingMicrophone && e.state != StateError
	initialized := e.initialized
	e.mu.Unlock()
	if !ready {
		return ErrNotReady
	}

	if !autoRestart {
		e.convo.Reset()
		e.cart.ClearConfirmed()
		e.view.Reset()
	}

	if !initialized {
		if err := e.handshake(ctx); err != nil {
			e.setStatus(fmt.Sprintf("Error: %v", err), events.ClassError)
			e.setState(StateError)
			return err
		}
	}

	e.capture.Enable()
	e.setState(StateStreaming)
	e.convo.setWaiting(true, false)
	if autoRestart {
		e.setStatus("Session restarted due to time limit.", events.ClassReady)
	} else {
		e.setStatus("Listening...", events.ClassRecording)
	}
	e.metrics.StreamingActive.Add(context.Background(), 1)

	e.mu.Lock()
	e.streamTimer = time.AfterFunc(e.streamLimit, e.onStreamLimit)
	e.mu.Unlock()

	e.log.Info("streaming started", "auto_restart", autoRestart)
	return nil
}

// stop ends the current streaming session. Callers hold opMu. showProcessing
// publishes the transitional "Processing..." status; restarts and error
// paths suppress it.
func (e *Engine) stop(autoRestart, showProcessing bool) {
	if e.CurrentState() != StateStreaming {
		return
	}

	e.mu.Lock()
	if e.streamTimer != nil {
		e.streamTimer.Stop()
		e.streamTimer = nil
	}
	sessionID := e.sessionID
	e.initialized = false
	e.mu.Unlock()

	e.capture.Disable()
	e.convo.setWaiting(false, false)

	if !autoRestart && showProcessing {
		e.setState(StateProcessing)
		e.setStatus("Processing...", events.ClassProcessing)
	}

	e.playback.Stop()
	if sessionID != "" {
		e.bus.Publish(bus.Event{Name: events.StopAudio, Payload: events.StopAudioPayload{SessionID: sessionID}})
	}
	e.metrics.StreamingActive.Add(context.Background(), -1)

	if e.CurrentState() != StateProcessing {
		e.setState(StateMicReady)
	}
	e.log.Info("streaming stopped", "auto_restart", autoRestart, "session_id", sessionID)
}

// handshake runs the ordered session setup: create the remote session,
// register the tool set, send the system prompt, and signal audio-start
// readiness. No audio is forwarded until it completes.
func (e *Engine) handshake(ctx context.Context) error {
	e.setState(StateInitializing)
	e.setStatus("Initializing session...", events.ClassConnecting)
	started := time.Now()

	sessionID, err := e.awaitEvent(ctx, events.SessionCreated, func() {
		e.bus.Publish(bus.Event{Name: events.CreateSession})
	})
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	id, ok := sessionID.(string)
	if !ok || id == "" {
		return fmt.Errorf("session: create: unexpected session id payload %v", sessionID)
	}

	registry := tools.NewRegistry(e.metrics)
	if e.toolset != nil {
		for _, t := range e.toolset() {
			registry.Register(t)
		}
	}

	if _, err := e.awaitEvent(ctx, events.SessionInitiated, func() {
		e.bus.Publish(bus.Event{
			Name:    events.InitiateSession,
			Payload: events.InitiateSessionPayload{SessionID: id, Tools: registry},
		})
	}); err != nil {
		return fmt.Errorf("session: initiate: %w", err)
	}

	prompt := e.systemPrompt
	if prompt == "" {
		prompt = BuildSystemPrompt(e.view.All())
	}
	e.bus.Publish(bus.Event{Name: events.PromptStart})
	e.bus.Publish(bus.Event{Name: events.SystemPrompt, Payload: prompt})
	e.bus.Publish(bus.Event{Name: events.AudioStart})

	e.mu.Lock()
	e.sessionID = id
	e.initialized = true
	e.mu.Unlock()

	e.metrics.HandshakeDuration.Record(context.Background(), time.Since(started).Seconds())
	e.setStatus("Session initialized", events.ClassReady)
	e.log.Info("session initialized", "session_id", id, "took", time.Since(started))
	return nil
}

// awaitEvent publishes via send and waits for the next event named name,
// bounded by the handshake timeout. The subscription is registered before
// send runs so the reply cannot be missed.
func (e *Engine) awaitEvent(ctx context.Context, name string, send func()) (any, error) {
	reply := make(chan any, 1)
	sub := e.bus.SubscribeOnce(name, func(evt bus.Event) {
		reply <- evt.Payload
	})
	send()

	timer := time.NewTimer(e.handshakeTimeout)
	defer timer.Stop()
	select {
	case payload := <-reply:
		return payload, nil
	case <-timer.C:
		sub.Cancel()
		return nil, fmt.Errorf("no %s event within %s", name, e.handshakeTimeout)
	case <-ctx.Done():
		sub.Cancel()
		return nil, ctx.Err()
	}
}

// restart is the shared stop+start used by the wall-clock limit and the
// remote-timeout signal. It reuses the acquired device and forces a fresh
// handshake. A non-empty notice is published as a transitional status, but
// only once the streaming check has passed so a stale timeout signal cannot
// overwrite an idle status.
func (e *Engine) restart(reason, notice string) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.CurrentState() != StateStreaming {
		return
	}
	if notice != "" {
		e.setStatus(notice, events.ClassConnecting)
	}
	e.log.Info("restarting session", "reason", reason)
	e.metrics.SessionRestarts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
	e.stop(true, false)
	if err := e.start(context.Background(), true); err != nil {
		e.log.Error("session restart failed", "reason", reason, "err", err)
	}
}

func (e *Engine) onStreamLimit() {
	e.restart("time_limit", "")
}

func (e *Engine) onModelTimedOut() {
	e.restart("model_timeout", "Model timed out. Restarting session...")
}

func (e *Engine) onStreamComplete() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stop(false, false)
	e.setState(StateMicReady)
	e.setStatus("Ready", events.ClassReady)
}

func (e *Engine) onError(evt bus.Event) {
	payload, _ := evt.Payload.(events.ErrorPayload)
	msg := payload.Message
	if msg == "" {
		msg = "Unknown error"
	}
	e.log.Error("remote error", "message", msg, "details", payload.Details)
	e.metrics.SessionErrors.Add(context.Background(), 1)

	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stop(false, false)
	e.setState(StateError)
	e.setStatus(fmt.Sprintf("Error: %s", msg), events.ClassError)
}

func (e *Engine) onTextOutput(evt bus.Event) {
	payload, ok := evt.Payload.(events.TextOutputPayload)
	if !ok {
		return
	}
	e.convo.Append(payload.Role, payload.Content)
	if payload.Role == events.RoleUser {
		e.convo.setWaiting(false, true)
	}
}

func (e *Engine) onContentEnd(evt bus.Event) {
	payload, ok := evt.Payload.(events.ContentEndPayload)
	if !ok {
		return
	}
	if payload.Type == events.ContentTypeText && payload.Role == events.RoleAssistant {
		e.convo.setWaitingAssistant(false)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Engine) setStatus(text string, class events.StatusClass) {
	status := events.Status{Text: text, ClassName: class}
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.bus.Publish(bus.Event{Name: events.StatusChanged, Payload: status})
}
