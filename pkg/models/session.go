package models

import "database/sql"

// ChatSession is a persisted chat session. The coordinator addresses
// sessions by PublicID; the numeric ID is internal to the store.
type ChatSession struct {
	ID             int64          `db:"id" json:"id"`
	PublicID       string         `db:"public_id" json:"public_id"`
	OwnerID        string         `db:"owner_id" json:"owner_id"`
	ProjectID      int64          `db:"project_id" json:"project_id"`
	Title          sql.NullString `db:"title" json:"title,omitempty"`
	MessageCount   int64          `db:"message_count" json:"message_count"`
	CreatedAt      string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64          `db:"created_at_epoch" json:"created_at_epoch"`
	UpdatedAtEpoch int64          `db:"updated_at_epoch" json:"updated_at_epoch"`
}

// Project groups sessions and carries per-project generation settings.
type Project struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name"`
	SystemPrompt     sql.NullString `db:"system_prompt" json:"system_prompt,omitempty"`
	SummarizeEnabled int            `db:"summarize_enabled" json:"summarize_enabled"`
	CreatedAt        string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch   int64          `db:"created_at_epoch" json:"created_at_epoch"`
}
