// Package agent defines the generative-agent process adapter: the component
// that runs one underlying worker per session and converts its raw output
// into a typed event stream.
package agent

import "context"

// EventType discriminates the closed set of adapter events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one element of the adapter's typed event stream. Exactly one
// terminal event (done or error) ends every stream.
type Event struct {
	Type EventType

	// text
	Content string

	// tool_use / tool_result
	Tool   string
	Input  interface{}
	Result interface{}

	// done
	Interrupted bool
	CostUSD     float64

	// error
	Message string
}

// Terminal reports whether the event ends the generation.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Options configures one generation dispatch.
type Options struct {
	SystemPrompt    string
	Model           string
	Thinking        bool
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	MaxTurns        int
}

// Adapter starts and terminates the underlying agent worker for a session.
// Start returns a channel that is closed after the terminal event. Stop is a
// best-effort termination request; the stream is still expected to end with
// done (interrupted) or error.
type Adapter interface {
	Start(ctx context.Context, sessionID, prompt string, opts Options) (<-chan Event, error)
	Stop(sessionID string)
}
