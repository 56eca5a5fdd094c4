package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/tools"
	"github.com/voxcart/voxcart/internal/transport/gateway"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGatewayServer launches a test WebSocket server handing the accepted
// conn to handler. Closed when the test finishes.
func startGatewayServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type wireFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f wireFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write frame: %v (may be expected on close)", err)
	}
}

func runClient(t *testing.T, b *bus.Bus, url string, opts ...gateway.Option) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c := gateway.New(b, url, opts...)
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestOutboundEventsBecomeFrames(t *testing.T) {
	t.Parallel()
	frames := make(chan wireFrame, 8)
	srv := startGatewayServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for i := 0; i < 3; i++ {
			frames <- readFrame(t, conn)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	b := bus.New()
	t.Cleanup(b.Close)
	runClient(t, b, wsURL(srv))
	time.Sleep(50 * time.Millisecond) // let Run subscribe

	b.Publish(bus.Event{Name: events.CreateSession})
	b.Publish(bus.Event{Name: events.SystemPrompt, Payload: "You are a test assistant."})
	b.Publish(bus.Event{Name: events.AudioInput, Payload: "AAAA"})

	f := <-frames
	if f.Event != "createSession" {
		t.Errorf("frame 1 event = %q", f.Event)
	}
	f = <-frames
	if f.Event != "systemPrompt" {
		t.Errorf("frame 2 event = %q", f.Event)
	}
	var prompt string
	if err := json.Unmarshal(f.Payload, &prompt); err != nil || prompt != "You are a test assistant." {
		t.Errorf("systemPrompt payload = %s (%v)", f.Payload, err)
	}
	f = <-frames
	if f.Event != "audioInput" {
		t.Errorf("frame 3 event = %q", f.Event)
	}
}

func TestInboundFramesBecomeEvents(t *testing.T) {
	t.Parallel()
	srv := startGatewayServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeFrame(t, conn, wireFrame{Event: "sessionCreated", Payload: json.RawMessage(`"sess-42"`)})
		writeFrame(t, conn, wireFrame{Event: "textOutput", Payload: json.RawMessage(`{"role":"USER","content":"hi"}`)})
		writeFrame(t, conn, wireFrame{Event: "not json at all"})
		writeFrame(t, conn, wireFrame{Event: "streamComplete"})
		<-conn.CloseRead(context.Background()).Done()
	})

	b := bus.New()
	t.Cleanup(b.Close)

	ids := make(chan string, 1)
	texts := make(chan events.TextOutputPayload, 1)
	completes := make(chan struct{}, 1)
	b.Subscribe(events.SessionCreated, func(evt bus.Event) {
		if id, ok := evt.Payload.(string); ok {
			ids <- id
		}
	})
	b.Subscribe(events.TextOutput, func(evt bus.Event) {
		if p, ok := evt.Payload.(events.TextOutputPayload); ok {
			texts <- p
		}
	})
	b.Subscribe(events.StreamComplete, func(bus.Event) {
		completes <- struct{}{}
	})

	runClient(t, b, wsURL(srv))

	select {
	case id := <-ids:
		if id != "sess-42" {
			t.Errorf("session id = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no sessionCreated event")
	}
	select {
	case p := <-texts:
		if p.Role != events.RoleUser || p.Content != "hi" {
			t.Errorf("text payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no textOutput event")
	}
	// The unknown frame between textOutput and streamComplete is skipped.
	select {
	case <-completes:
	case <-time.After(3 * time.Second):
		t.Fatal("no streamComplete event")
	}
}

func TestToolUseRoundTrip(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	srv := startGatewayServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Wait for the registration frame, then issue a tool call.
		f := readFrame(t, conn)
		if f.Event != "initiateSession" {
			t.Errorf("first frame = %q, want initiateSession", f.Event)
		}
		var init struct {
			SessionID string `json:"sessionId"`
			Tools     []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		if err := json.Unmarshal(f.Payload, &init); err != nil {
			t.Errorf("initiateSession payload: %v", err)
		}
		if len(init.Tools) != 1 || init.Tools[0].Name != "echo_args" {
			t.Errorf("registered tools = %+v", init.Tools)
		}

		writeFrame(t, conn, wireFrame{
			Event:   "toolUse",
			Payload: json.RawMessage(`{"toolUseId":"use-1","name":"echo_args","sessionId":"sess-1","input":{"content":"{\"x\":1}"}}`),
		})

		result := readFrame(t, conn)
		if result.Event != "toolResult" {
			t.Errorf("result frame event = %q", result.Event)
		}
		var tr struct {
			ToolUseID string `json:"toolUseId"`
			Content   string `json:"content"`
		}
		if err := json.Unmarshal(result.Payload, &tr); err != nil {
			t.Errorf("toolResult payload: %v", err)
		}
		if tr.ToolUseID != "use-1" {
			t.Errorf("toolUseId = %q", tr.ToolUseID)
		}
		if tr.Content != `{"content":"{\"x\":1}"}` {
			t.Errorf("tool result content = %q", tr.Content)
		}
		close(done)
		<-conn.CloseRead(context.Background()).Done()
	})

	b := bus.New()
	t.Cleanup(b.Close)
	runClient(t, b, wsURL(srv))
	time.Sleep(50 * time.Millisecond)

	registry := tools.NewRegistry(nil)
	registry.Register(tools.Tool{
		Definition: tools.Definition{Name: "echo_args", InputSchema: `{"type":"object"}`},
		Action: func(_ context.Context, _ string, rawEnvelope string) (string, error) {
			return rawEnvelope, nil
		},
	})
	b.Publish(bus.Event{
		Name:    events.InitiateSession,
		Payload: events.InitiateSessionPayload{SessionID: "sess-1", Tools: registry},
	})

	// Keep the test alive until the server handler has seen the full round
	// trip; otherwise its assertions fire after the test completes.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tool round trip did not complete")
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()
	b := bus.New()
	t.Cleanup(b.Close)
	c := gateway.New(b, "ws://127.0.0.1:0/nowhere")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()
	auth := make(chan string, 1)
	srv := startGatewayServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		<-conn.CloseRead(context.Background()).Done()
	})

	b := bus.New()
	t.Cleanup(b.Close)
	runClient(t, b, wsURL(srv), gateway.WithAPIKey("secret-key"))

	select {
	case got := <-auth:
		if got != "Bearer secret-key" {
			t.Errorf("Authorization = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
	}
}
