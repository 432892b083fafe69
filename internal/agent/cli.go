package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// scanBufferSize bounds a single stdout line from the agent process.
// Large tool results can produce long JSON lines.
const scanBufferSize = 4 * 1024 * 1024

// CLIAdapter runs the agent CLI as a subprocess per generation and parses
// its line-delimited JSON output into typed events.
type CLIAdapter struct {
	command string
	args    []string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewCLIAdapter creates an adapter that spawns the given command.
func NewCLIAdapter(command string, args ...string) *CLIAdapter {
	return &CLIAdapter{
		command: command,
		args:    args,
		procs:   make(map[string]*exec.Cmd),
	}
}

// wireEvent is the raw JSON line format emitted by the agent CLI.
type wireEvent struct {
	Type        string      `json:"type"`
	Content     string      `json:"content,omitempty"`
	Tool        string      `json:"tool,omitempty"`
	Input       interface{} `json:"input,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Interrupted bool        `json:"interrupted,omitempty"`
	CostUSD     float64     `json:"cost_usd,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Start spawns one agent process for the session and streams its events.
// The returned channel is closed after the terminal event.
func (a *CLIAdapter) Start(ctx context.Context, sessionID, prompt string, opts Options) (<-chan Event, error) {
	args := a.buildArgs(sessionID, opts)
	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	// Own process group so Stop can take down the CLI's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	a.mu.Lock()
	a.procs[sessionID] = cmd
	a.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process started")

	events := make(chan Event, 16)
	go a.pump(sessionID, cmd, stdout, events)
	return events, nil
}

// Stop requests termination of the in-flight process for the session.
// Safe no-op when no process is running.
func (a *CLIAdapter) Stop(sessionID string) {
	a.mu.Lock()
	cmd := a.procs[sessionID]
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	log.Debug().Str("sessionId", sessionID).Msg("Killing agent process group")
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// pump reads JSON lines until the stream ends, guaranteeing exactly one
// terminal event before closing the channel.
func (a *CLIAdapter) pump(sessionID string, cmd *exec.Cmd, stdout io.Reader, events chan<- Event) {
	defer close(events)
	defer func() {
		a.mu.Lock()
		// Only remove our own entry: the session may already be running
		// the next generation's process.
		if a.procs[sessionID] == cmd {
			delete(a.procs, sessionID)
		}
		a.mu.Unlock()
	}()

	terminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := parseEvent([]byte(line))
		if err != nil {
			log.Warn().Str("sessionId", sessionID).Err(err).Msg("Dropping malformed agent event")
			continue
		}
		if terminal {
			// Anything after the terminal event is an adapter protocol
			// violation; drop it rather than emit a duplicate.
			log.Warn().Str("sessionId", sessionID).Str("type", string(ev.Type)).Msg("Dropping event after terminal")
			continue
		}
		if ev.Terminal() {
			terminal = true
		}
		events <- ev
	}

	waitErr := cmd.Wait()
	if terminal {
		return
	}

	// Process ended without a terminal event: killed, crashed, or truncated
	// output. A kill surfaces as an interrupted done so the coordinator
	// treats it like a user stop.
	if waitErr != nil {
		if isKilled(waitErr) {
			events <- Event{Type: EventDone, Interrupted: true}
			return
		}
		events <- Event{Type: EventError, Message: waitErr.Error()}
		return
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Type: EventError, Message: err.Error()}
		return
	}
	events <- Event{Type: EventError, Message: "agent process ended without terminal event"}
}

// buildArgs assembles CLI flags from the generation options.
func (a *CLIAdapter) buildArgs(sessionID string, opts Options) []string {
	args := append([]string{}, a.args...)
	args = append(args, "--session-id", sessionID, "--output-format", "stream-json")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.Thinking {
		args = append(args, "--thinking")
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return args
}

// parseEvent decodes one wire line into a typed event.
func parseEvent(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch EventType(w.Type) {
	case EventText:
		return Event{Type: EventText, Content: w.Content}, nil
	case EventToolUse:
		return Event{Type: EventToolUse, Tool: w.Tool, Input: w.Input}, nil
	case EventToolResult:
		return Event{Type: EventToolResult, Tool: w.Tool, Result: w.Result}, nil
	case EventDone:
		return Event{Type: EventDone, Content: w.Content, Interrupted: w.Interrupted, CostUSD: w.CostUSD}, nil
	case EventError:
		return Event{Type: EventError, Message: w.Message}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}
}

// isKilled reports whether the process exited due to a kill signal.
func isKilled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == -1
}
