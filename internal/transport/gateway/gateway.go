// Package gateway implements the streaming client adapter: a websocket
// bridge between the in-process event bus and the remote voice gateway.
//
// The adapter is deliberately thin. Outbound session events are forwarded to
// the gateway as JSON frames in publish order; inbound frames are injected
// into the bus under the same event names the engine consumes. Tool calls
// arrive as toolUse frames and are executed sequentially on the receive
// loop, so two tool actions can never run concurrently. The model wire
// protocol behind the gateway is not interpreted here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/tools"
)

// frame is the wire envelope: an event name plus its JSON payload.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wire payload shapes. Field names are part of the gateway contract.
type initiateSessionFrame struct {
	SessionID string             `json:"sessionId"`
	Tools     []tools.Definition `json:"tools"`
}

type stopAudioFrame struct {
	SessionID string `json:"sessionId"`
}

type textOutputFrame struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type audioOutputFrame struct {
	Content string `json:"content"`
}

type contentEndFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

type errorFrame struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type toolUseFrame struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	SessionID string          `json:"sessionId"`
	Input     json.RawMessage `json:"input"`
}

type toolResultFrame struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAPIKey sends key as a Bearer token on the websocket dial.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// Client is the websocket bridge to the remote voice gateway.
type Client struct {
	bus    *bus.Bus
	url    string
	apiKey string
	log    *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	registry *tools.Registry
}

// New creates a client bridging b to the gateway at url. Nothing connects
// until [Client.Run].
func New(b *bus.Bus, url string, opts ...Option) *Client {
	c := &Client{
		bus: b,
		url: url,
		log: slog.Default().With("component", "gateway"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run dials the gateway, forwards outbound bus events, and injects inbound
// frames until ctx is cancelled or the connection fails. Bus subscriptions
// are released on return, so a supervisor may call Run again to reconnect.
func (c *Client) Run(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close(websocket.StatusNormalClosure, "client shutdown")

	subs := c.subscribeOutbound(ctx)
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	c.log.Info("connected", "url", c.url)
	return c.receiveLoop(ctx, conn)
}

// subscribeOutbound registers the forwarding handlers for every event the
// engine publishes. Handlers run on the bus dispatcher, preserving publish
// order on the wire.
func (c *Client) subscribeOutbound(ctx context.Context) []*bus.Subscription {
	forward := func(name string, payload func(any) (any, bool)) *bus.Subscription {
		return c.bus.Subscribe(name, func(evt bus.Event) {
			body, ok := payload(evt.Payload)
			if !ok {
				c.log.Warn("unexpected outbound payload", "event", name)
				return
			}
			if err := c.writeFrame(ctx, name, body); err != nil {
				c.log.Warn("outbound frame dropped", "event", name, "err", err)
			}
		})
	}
	empty := func(any) (any, bool) { return nil, true }
	str := func(p any) (any, bool) { s, ok := p.(string); return s, ok }

	return []*bus.Subscription{
		forward(events.CreateSession, empty),
		forward(events.InitiateSession, c.initiatePayload),
		forward(events.PromptStart, empty),
		forward(events.SystemPrompt, str),
		forward(events.AudioStart, empty),
		forward(events.AudioInput, str),
		forward(events.StopAudio, func(p any) (any, bool) {
			sp, ok := p.(events.StopAudioPayload)
			return stopAudioFrame{SessionID: sp.SessionID}, ok
		}),
	}
}

// initiatePayload captures the session's tool registry for later invocation
// and builds the registration frame from its definitions.
func (c *Client) initiatePayload(p any) (any, bool) {
	payload, ok := p.(events.InitiateSessionPayload)
	if !ok {
		return nil, false
	}
	registry, ok := payload.Tools.(*tools.Registry)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.registry = registry
	c.mu.Unlock()
	return initiateSessionFrame{
		SessionID: payload.SessionID,
		Tools:     registry.Definitions(),
	}, true
}

func (c *Client) writeFrame(ctx context.Context, event string, payload any) error {
	f := frame{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: marshal %s payload: %w", event, err)
		}
		f.Payload = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s frame: %w", event, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway: not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads frames and dispatches them until the connection drops.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("discarding malformed frame", "err", err)
			continue
		}
		c.dispatch(ctx, f)
	}
}

// dispatch injects one inbound frame into the bus, or executes a tool call.
func (c *Client) dispatch(ctx context.Context, f frame) {
	switch f.Event {
	case events.SessionCreated:
		var id string
		if err := json.Unmarshal(f.Payload, &id); err != nil {
			c.log.Warn("malformed sessionCreated payload", "err", err)
			return
		}
		c.bus.Publish(bus.Event{Name: events.SessionCreated, Payload: id})

	case events.SessionInitiated:
		c.bus.Publish(bus.Event{Name: events.SessionInitiated})

	case events.TextOutput:
		var p textOutputFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("malformed textOutput payload", "err", err)
			return
		}
		c.bus.Publish(bus.Event{Name: events.TextOutput, Payload: events.TextOutputPayload{Role: p.Role, Content: p.Content}})

	case events.AudioOutput:
		var p audioOutputFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("malformed audioOutput payload", "err", err)
			return
		}
		if p.Content == "" {
			return
		}
		c.bus.Publish(bus.Event{Name: events.AudioOutput, Payload: events.AudioOutputPayload{Content: p.Content}})

	case events.ContentEnd:
		var p contentEndFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("malformed contentEnd payload", "err", err)
			return
		}
		c.bus.Publish(bus.Event{Name: events.ContentEnd, Payload: events.ContentEndPayload{Type: p.Type, Role: p.Role}})

	case events.StreamComplete:
		c.bus.Publish(bus.Event{Name: events.StreamComplete})

	case events.Error:
		var p errorFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn("malformed error payload", "err", err)
			return
		}
		c.bus.Publish(bus.Event{Name: events.Error, Payload: events.ErrorPayload{Message: p.Message, Details: p.Details}})

	case events.ModelTimedOut:
		c.bus.Publish(bus.Event{Name: events.ModelTimedOut})

	case "toolUse":
		c.handleToolUse(ctx, f.Payload)

	default:
		c.log.Debug("ignoring unknown frame", "event", f.Event)
	}
}

// handleToolUse executes one tool call and writes the result frame. It runs
// on the receive loop, which is what serialises tool execution.
func (c *Client) handleToolUse(ctx context.Context, payload json.RawMessage) {
	var p toolUseFrame
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("malformed toolUse payload", "err", err)
		return
	}

	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		c.log.Warn("toolUse before session initiation", "tool", p.Name)
		return
	}

	result := registry.Invoke(ctx, p.Name, p.SessionID, string(p.Input))
	if err := c.writeFrame(ctx, "toolResult", toolResultFrame{ToolUseID: p.ToolUseID, Content: result}); err != nil {
		c.log.Warn("tool result dropped", "tool", p.Name, "err", err)
	}
}
