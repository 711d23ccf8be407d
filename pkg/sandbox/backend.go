// Package sandbox executes single prompts inside isolated backends and
// layers concurrency limits, cancellation, retriable-error detection, and
// model failover on top of them.
package sandbox

import (
	"context"
	"encoding/json"
)

// EventKind classifies streamed sandbox events.
type EventKind string

const (
	EventSystem    EventKind = "system"
	EventAssistant EventKind = "assistant"
	EventUser      EventKind = "user"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
)

// Event is one structured event streamed from a runner.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Request describes one prompt execution.
type Request struct {
	Prompt       string         `json:"prompt"`
	Model        string         `json:"model"`
	MaxTurns     int            `json:"max_turns"`
	Timeout      int            `json:"timeout"`
	OutputFormat map[string]any `json:"output_format,omitempty"`
}

// Result is the aggregated outcome of one prompt execution.
type Result struct {
	Text             string
	StructuredOutput map[string]any
	TotalCostUSD     float64
	NumTurns         int
}

// RunSpec carries everything a backend needs to launch one runner.
type RunSpec struct {
	// RunnerFile selects the runner script (runner.mjs or runner-openai.mjs).
	RunnerFile string

	// Env is the environment passed to the runner, including the
	// SANDCASTLE_REQUEST JSON and provider credentials.
	Env map[string]string

	// UseClaudeRunner is true when the Claude Agent SDK runner is used.
	UseClaudeRunner bool

	// TimeoutSeconds bounds the runner's own execution.
	TimeoutSeconds int
}

// Backend launches runners in a specific isolation environment and streams
// their events. Implementations must close the returned channel when the
// runner finishes or the context is cancelled.
type Backend interface {
	// Name identifies the backend ("cloud", "container", "host", "edge").
	Name() string

	// Start launches a runner and returns its event stream.
	Start(ctx context.Context, spec RunSpec) (<-chan Event, error)

	// Health probes whether the backend can accept work.
	Health(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// decodeEventLine parses one newline-delimited JSON event emitted by a
// runner on stdout. Unparseable lines become system events carrying the
// raw text.
func decodeEventLine(line []byte) Event {
	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return Event{Kind: EventSystem, Payload: map[string]any{"raw": string(line)}}
	}
	kind := EventSystem
	if t, ok := payload["type"].(string); ok {
		switch EventKind(t) {
		case EventSystem, EventAssistant, EventUser, EventResult, EventError:
			kind = EventKind(t)
		}
	}
	return Event{Kind: kind, Payload: payload}
}
