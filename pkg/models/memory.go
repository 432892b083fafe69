package models

import (
	"fmt"
	"strings"
	"time"
)

// MemoryCategory classifies an extracted memory entry.
type MemoryCategory string

const (
	MemoryDecision MemoryCategory = "decision"
	MemoryFeature  MemoryCategory = "feature"
	MemoryBug      MemoryCategory = "bug"
	MemoryContent  MemoryCategory = "content"
	MemoryTodo     MemoryCategory = "todo"
	MemoryContext  MemoryCategory = "context"
)

// MemoryCategories lists every valid category.
var MemoryCategories = []MemoryCategory{
	MemoryDecision, MemoryFeature, MemoryBug,
	MemoryContent, MemoryTodo, MemoryContext,
}

// ValidMemoryCategory reports whether c is a known category.
func ValidMemoryCategory(c MemoryCategory) bool {
	for _, known := range MemoryCategories {
		if c == known {
			return true
		}
	}
	return false
}

// MemorySummary is the rolling summary attached to a session's memory record.
type MemorySummary struct {
	ID             int64  `db:"id" json:"id"`
	SessionID      int64  `db:"session_id" json:"session_id"`
	ProjectID      int64  `db:"project_id" json:"project_id"`
	Summary        string `db:"summary" json:"summary"`
	MessageCount   int64  `db:"message_count" json:"message_count"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64  `db:"created_at_epoch" json:"created_at_epoch"`
	UpdatedAtEpoch int64  `db:"updated_at_epoch" json:"updated_at_epoch"`
}

// MemoryEntry is one persisted structured memory.
type MemoryEntry struct {
	ID             int64           `db:"id" json:"id"`
	ProjectID      int64           `db:"project_id" json:"project_id"`
	SessionID      int64           `db:"session_id" json:"session_id"`
	Category       MemoryCategory  `db:"category" json:"category"`
	Title          string          `db:"title" json:"title"`
	Content        string          `db:"content" json:"content"`
	Tags           JSONStringArray `db:"tags" json:"tags,omitempty"`
	CreatedAt      string          `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64           `db:"created_at_epoch" json:"created_at_epoch"`
}

// ParsedMemoryEntry is one entry as parsed from model output, before
// validation and persistence.
type ParsedMemoryEntry struct {
	Category MemoryCategory `json:"category"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Tags     []string       `json:"tags,omitempty"`
}

// Validate checks the entry against the closed category set and required
// fields. Invalid entries are discarded individually, never fatally.
func (p *ParsedMemoryEntry) Validate() error {
	if !ValidMemoryCategory(p.Category) {
		return fmt.Errorf("invalid memory category: %q", p.Category)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("memory entry missing title")
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("memory entry missing content")
	}
	return nil
}

// NewMemoryEntry builds an unsaved memory entry row from parsed model output.
func NewMemoryEntry(projectID, sessionID int64, parsed *ParsedMemoryEntry) *MemoryEntry {
	now := time.Now()
	return &MemoryEntry{
		ProjectID:      projectID,
		SessionID:      sessionID,
		Category:       parsed.Category,
		Title:          strings.TrimSpace(parsed.Title),
		Content:        strings.TrimSpace(parsed.Content),
		Tags:           parsed.Tags,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}
