// Package models contains domain models for relay.
package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// MessageRole identifies who authored a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ToolInteraction records one tool invocation during a generation.
// Result stays nil until the adapter reports the matching tool_result.
type ToolInteraction struct {
	Name   string      `json:"name"`
	Input  interface{} `json:"input,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// Completed reports whether the interaction has received its result.
func (t *ToolInteraction) Completed() bool {
	return t.Result != nil
}

// JSONToolInteractions stores a tool interaction list as a JSON TEXT column.
type JSONToolInteractions []*ToolInteraction

// Scan implements sql.Scanner.
func (j *JSONToolInteractions) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONToolInteractions: %T", value)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer.
func (j JSONToolInteractions) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// JSONStringArray stores a string slice as a JSON TEXT column.
type JSONStringArray []string

// Scan implements sql.Scanner.
func (j *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONStringArray: %T", value)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer.
func (j JSONStringArray) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// ChatMessage is one persisted row of a session transcript.
// Interrupted is stored as an integer flag (0/1) like the other SQLite
// boolean columns.
type ChatMessage struct {
	ID             int64                `db:"id" json:"id"`
	SessionID      int64                `db:"session_id" json:"session_id"`
	Role           MessageRole          `db:"role" json:"role"`
	Content        string               `db:"content" json:"content"`
	Images         JSONStringArray      `db:"images" json:"images,omitempty"`
	ToolCalls      JSONToolInteractions `db:"tool_calls" json:"tool_calls,omitempty"`
	Model          sql.NullString       `db:"model" json:"model,omitempty"`
	Interrupted    int                  `db:"interrupted" json:"interrupted"`
	CostUSD        float64              `db:"cost_usd" json:"cost_usd"`
	CreatedAt      string               `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64                `db:"created_at_epoch" json:"created_at_epoch"`
}

// ChatMessageJSON is a JSON-friendly representation of ChatMessage.
type ChatMessageJSON struct {
	Role           MessageRole          `json:"role"`
	Content        string               `json:"content"`
	Model          string               `json:"model,omitempty"`
	CreatedAt      string               `json:"created_at"`
	Images         JSONStringArray      `json:"images,omitempty"`
	ToolCalls      JSONToolInteractions `json:"tool_calls,omitempty"`
	ID             int64                `json:"id"`
	SessionID      int64                `json:"session_id"`
	Interrupted    int                  `json:"interrupted"`
	CostUSD        float64              `json:"cost_usd"`
	CreatedAtEpoch int64                `json:"created_at_epoch"`
}

// MarshalJSON converts sql.NullString fields to plain strings.
func (m *ChatMessage) MarshalJSON() ([]byte, error) {
	j := ChatMessageJSON{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Role:           m.Role,
		Content:        m.Content,
		Images:         m.Images,
		ToolCalls:      m.ToolCalls,
		Interrupted:    m.Interrupted,
		CostUSD:        m.CostUSD,
		CreatedAt:      m.CreatedAt,
		CreatedAtEpoch: m.CreatedAtEpoch,
	}
	if m.Model.Valid {
		j.Model = m.Model.String
	}
	return json.Marshal(j)
}

// NewUserMessage builds an unsaved user message row.
func NewUserMessage(sessionID int64, content string, images []string, model string) *ChatMessage {
	now := time.Now()
	return &ChatMessage{
		SessionID:      sessionID,
		Role:           RoleUser,
		Content:        content,
		Images:         images,
		Model:          sql.NullString{String: model, Valid: model != ""},
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}

// NewAssistantMessage builds an unsaved assistant message row.
func NewAssistantMessage(sessionID int64, content string, tools JSONToolInteractions, interrupted bool, costUSD float64) *ChatMessage {
	now := time.Now()
	flag := 0
	if interrupted {
		flag = 1
	}
	return &ChatMessage{
		SessionID:      sessionID,
		Role:           RoleAssistant,
		Content:        content,
		ToolCalls:      tools,
		Interrupted:    flag,
		CostUSD:        costUSD,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}
