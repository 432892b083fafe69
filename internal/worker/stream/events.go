package stream

import "github.com/thebtf/relay/pkg/models"

// Outbound event types, as seen by connected clients.
const (
	TypeChunk       = "chunk"
	TypeToolUse     = "tool_use"
	TypeToolResult  = "tool_result"
	TypeUserMessage = "user_message"
	TypeQueued      = "queued"
	TypeDone        = "done"
	TypeError       = "error"
	TypeTitle       = "title"
)

// OutEvent is one frame delivered to clients observing a session.
type OutEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// chunk
	Content string `json:"content,omitempty"`

	// tool_use / tool_result
	Tool   string      `json:"tool,omitempty"`
	Input  interface{} `json:"input,omitempty"`
	Result interface{} `json:"result,omitempty"`

	// user_message (echo of a persisted input, including dequeued ones)
	Message *models.ChatMessage `json:"message,omitempty"`

	// queued
	Position int `json:"position,omitempty"`

	// done
	MessageID   int64   `json:"message_id,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	Interrupted bool    `json:"interrupted,omitempty"`
	HasMore     bool    `json:"has_more,omitempty"`

	// title
	Title string `json:"title,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func chunkEvent(sessionID, content string) OutEvent {
	return OutEvent{Type: TypeChunk, SessionID: sessionID, Content: content}
}

func toolUseEvent(sessionID, tool string, input interface{}) OutEvent {
	return OutEvent{Type: TypeToolUse, SessionID: sessionID, Tool: tool, Input: input}
}

func toolResultEvent(sessionID, tool string, result interface{}) OutEvent {
	return OutEvent{Type: TypeToolResult, SessionID: sessionID, Tool: tool, Result: result}
}

func userMessageEvent(sessionID string, msg *models.ChatMessage) OutEvent {
	return OutEvent{Type: TypeUserMessage, SessionID: sessionID, Message: msg}
}

func queuedEvent(sessionID string, position int) OutEvent {
	return OutEvent{Type: TypeQueued, SessionID: sessionID, Position: position}
}

func doneEvent(sessionID string, messageID int64, costUSD float64, interrupted, hasMore bool) OutEvent {
	return OutEvent{
		Type:        TypeDone,
		SessionID:   sessionID,
		MessageID:   messageID,
		CostUSD:     costUSD,
		Interrupted: interrupted,
		HasMore:     hasMore,
	}
}

func titleEvent(sessionID, title string) OutEvent {
	return OutEvent{Type: TypeTitle, SessionID: sessionID, Title: title}
}

func errorEvent(sessionID, message string) OutEvent {
	return OutEvent{Type: TypeError, SessionID: sessionID, Error: message}
}
