// Package tools implements the bridge that lets the remote model take
// actions against local application state and receive structured results,
// without giving it direct state access.
//
// A [Tool] pairs an LLM-facing [Definition] (name, description, JSON-schema
// input) with the [Action] executed when the model invokes it. Tools are
// registered into a session-scoped [Registry] during the handshake and
// discarded with the session. Actions never panic outward: malformed
// arguments and domain failures are serialised as failure results and handed
// back to the transport verbatim.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxcart/voxcart/internal/observe"
)

// Definition is the tool's LLM-facing schema. InputSchema is the JSON Schema
// for the tool's arguments, kept as a raw JSON string because it is passed
// through to the remote transport untouched.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema string `json:"inputSchema"`
}

// Action executes a tool call. It receives the session id and the raw
// argument envelope exactly as delivered by the transport, and returns a
// JSON-encoded result string. Errors are reserved for internal faults; domain
// failures (no product match, empty cart) must be encoded as failure results.
type Action func(ctx context.Context, sessionID, rawEnvelope string) (string, error)

// Tool is one registered tool.
type Tool struct {
	Definition Definition
	Action     Action
}

// envelope is the transport's argument wrapper: the Content field is itself
// a JSON string of the actual arguments (double-encoded). The double
// encoding is a wire-compatibility artifact and must be preserved.
type envelope struct {
	Content string `json:"content"`
}

// DecodeArgs unwraps the double-encoded argument envelope into v. An empty
// envelope or empty content decodes to zero arguments (tools with optional
// inputs tolerate this).
func DecodeArgs(rawEnvelope string, v any) error {
	if rawEnvelope == "" {
		return nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(rawEnvelope), &env); err != nil {
		return fmt.Errorf("tools: decode envelope: %w", err)
	}
	if env.Content == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(env.Content), v); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	return nil
}

// EncodeArgs wraps args in the double-encoded envelope. Used by tests and by
// transports that need to synthesise envelopes.
func EncodeArgs(args any) (string, error) {
	inner, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("tools: encode arguments: %w", err)
	}
	outer, err := json.Marshal(envelope{Content: string(inner)})
	if err != nil {
		return "", fmt.Errorf("tools: encode envelope: %w", err)
	}
	return string(outer), nil
}

// FailureResult serialises a failure result with the given error text.
// The output shape matches the success results' "success" field so the model
// can always branch on it.
func FailureResult(errText string) string {
	out, err := json.Marshal(map[string]any{"success": false, "error": errText})
	if err != nil {
		// map[string]any with string values cannot fail to marshal.
		return `{"success":false,"error":"internal error"}`
	}
	return string(out)
}

// Registry is a session-scoped tool registry. It is rebuilt for every remote
// session handshake and discarded on teardown. The transport invokes tools
// sequentially and registration completes before the registry is published to
// the transport, so no locking is needed.
type Registry struct {
	tools   map[string]Tool
	ordered []Tool
	metrics *observe.Metrics
}

// NewRegistry creates an empty registry recording into metrics. Passing nil
// metrics uses the package default instruments.
func NewRegistry(metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		metrics: metrics,
	}
}

// Register adds t to the registry, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Definition.Name]; !exists {
		r.ordered = append(r.ordered, t)
	} else {
		for i := range r.ordered {
			if r.ordered[i].Definition.Name == t.Definition.Name {
				r.ordered[i] = t
				break
			}
		}
	}
	r.tools[t.Definition.Name] = t
}

// Definitions returns the registered tool definitions in registration order,
// ready for the initiateSession payload.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.ordered))
	for i, t := range r.ordered {
		out[i] = t.Definition
	}
	return out
}

// Invoke executes the named tool with the raw argument envelope and returns
// the JSON result string handed back to the transport. Unknown tools and
// action faults are returned as failure results, never as errors — the
// conversation must survive every tool failure.
func (r *Registry) Invoke(ctx context.Context, name, sessionID, rawEnvelope string) string {
	ctx, span := observe.StartSpan(ctx, "tool."+name)
	defer span.End()

	t, ok := r.tools[name]
	if !ok {
		r.recordCall(ctx, name, "unknown", 0)
		return FailureResult(fmt.Sprintf("unknown tool %q", name))
	}

	start := time.Now()
	result, err := t.Action(ctx, sessionID, rawEnvelope)
	elapsed := time.Since(start)

	if err != nil {
		observe.Logger(ctx).Warn("tool action fault", "tool", name, "err", err)
		r.recordCall(ctx, name, "error", elapsed)
		return FailureResult(err.Error())
	}
	r.recordCall(ctx, name, "ok", elapsed)
	return result
}

func (r *Registry) recordCall(ctx context.Context, name, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("status", status),
	)
	r.metrics.ToolCalls.Add(ctx, 1, attrs)
	if elapsed > 0 {
		r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
	}
}
