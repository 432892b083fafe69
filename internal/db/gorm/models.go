package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/relay/pkg/models"
)

// GORM models. JSON column types (JSONStringArray, JSONToolInteractions)
// come from pkg/models and implement sql.Scanner / driver.Valuer.

// Project groups chat sessions.
type Project struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Name             string `gorm:"uniqueIndex;not null"`
	SystemPrompt     sql.NullString
	SummarizeEnabled int    `gorm:"default:0"`
	CreatedAt        string `gorm:"not null"`
	CreatedAtEpoch   int64  `gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// BeforeCreate hook to ensure timestamps are set.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// ChatSession is one persisted chat session.
type ChatSession struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	PublicID       string `gorm:"uniqueIndex;not null"`
	OwnerID        string `gorm:"index;not null"`
	ProjectID      int64  `gorm:"index;not null"`
	Title          sql.NullString
	MessageCount   int64  `gorm:"default:0"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"index:idx_sessions_created,sort:desc;not null"`
	UpdatedAtEpoch int64  `gorm:"index:idx_sessions_updated,sort:desc;not null"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now.UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = now.Format(time.RFC3339)
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now.UnixMilli()
	}
	return nil
}

// ChatMessage is one transcript row.
type ChatMessage struct {
	ID        int64              `gorm:"primaryKey;autoIncrement"`
	SessionID int64              `gorm:"index:idx_messages_session,priority:1;not null"`
	Role      models.MessageRole `gorm:"type:text;check:role IN ('user', 'assistant');not null"`
	Content   string             `gorm:"type:text;not null"`
	Images    models.JSONStringArray      `gorm:"type:text"`
	ToolCalls models.JSONToolInteractions `gorm:"type:text"`
	Model     sql.NullString
	Interrupted    int     `gorm:"default:0"`
	CostUSD        float64 `gorm:"type:real;default:0"`
	CreatedAt      string  `gorm:"not null"`
	CreatedAtEpoch int64   `gorm:"index:idx_messages_session,priority:2;not null"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// BeforeCreate hook to ensure timestamps are set.
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// MemorySummary is the per-session rolling summary.
type MemorySummary struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	SessionID      int64  `gorm:"uniqueIndex;not null"`
	ProjectID      int64  `gorm:"index;not null"`
	Summary        string `gorm:"type:text;not null"`
	MessageCount   int64  `gorm:"default:0"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (MemorySummary) TableName() string { return "memory_summaries" }

// BeforeCreate hook to ensure timestamps are set.
func (s *MemorySummary) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now.UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = now.Format(time.RFC3339)
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now.UnixMilli()
	}
	return nil
}

// MemoryEntry is one extracted structured memory.
type MemoryEntry struct {
	ID             int64                 `gorm:"primaryKey;autoIncrement"`
	ProjectID      int64                 `gorm:"index:idx_entries_project_title,priority:1;not null"`
	SessionID      int64                 `gorm:"index;not null"`
	Category       models.MemoryCategory `gorm:"type:text;check:category IN ('decision', 'feature', 'bug', 'content', 'todo', 'context');index;not null"`
	Title          string                `gorm:"type:text;index:idx_entries_project_title,priority:2;not null"`
	Content        string                `gorm:"type:text;not null"`
	Tags           models.JSONStringArray `gorm:"type:text"`
	CreatedAt      string                 `gorm:"not null"`
	CreatedAtEpoch int64                  `gorm:"index:idx_entries_created,sort:desc;not null"`
}

func (MemoryEntry) TableName() string { return "memory_entries" }

// BeforeCreate hook to ensure timestamps are set.
func (e *MemoryEntry) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAtEpoch == 0 {
		e.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}
