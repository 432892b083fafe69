package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/relay/pkg/models"
)

// dedupWindow is how far back InsertEntryDedup looks for a same-title entry.
const dedupWindow = 24 * time.Hour

// MemoryStore provides summary and memory-entry database operations.
type MemoryStore struct {
	store *Store
}

// NewMemoryStore creates a new memory store.
func NewMemoryStore(store *Store) *MemoryStore {
	return &MemoryStore{store: store}
}

// UpsertSummary writes or replaces the session's rolling summary.
func (s *MemoryStore) UpsertSummary(ctx context.Context, sessionID, projectID int64, summary string, messageCount int64) error {
	now := time.Now()
	row := &MemorySummary{
		SessionID:      sessionID,
		ProjectID:      projectID,
		Summary:        summary,
		MessageCount:   messageCount,
		UpdatedAtEpoch: now.UnixMilli(),
	}
	return s.store.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"summary":          summary,
				"message_count":    messageCount,
				"updated_at_epoch": now.UnixMilli(),
			}),
		}).
		Create(row).Error
}

// GetSummary returns the session's summary. Returns nil, nil when absent.
func (s *MemoryStore) GetSummary(ctx context.Context, sessionID int64) (*models.MemorySummary, error) {
	var row MemorySummary
	err := s.store.DB.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.MemorySummary{
		ID:             row.ID,
		SessionID:      row.SessionID,
		ProjectID:      row.ProjectID,
		Summary:        row.Summary,
		MessageCount:   row.MessageCount,
		CreatedAt:      row.CreatedAt,
		CreatedAtEpoch: row.CreatedAtEpoch,
		UpdatedAtEpoch: row.UpdatedAtEpoch,
	}, nil
}

// InsertEntryDedup inserts a memory entry unless an entry with the same
// title was created for the same project within the last 24 hours.
// Returns false when the entry was skipped as a duplicate.
func (s *MemoryStore) InsertEntryDedup(ctx context.Context, entry *models.MemoryEntry) (bool, error) {
	cutoff := time.Now().Add(-dedupWindow).UnixMilli()

	var count int64
	err := s.store.DB.WithContext(ctx).
		Model(&MemoryEntry{}).
		Where("project_id = ? AND title = ? AND created_at_epoch >= ?", entry.ProjectID, entry.Title, cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	row := &MemoryEntry{
		ProjectID: entry.ProjectID,
		SessionID: entry.SessionID,
		Category:  entry.Category,
		Title:     entry.Title,
		Content:   entry.Content,
		Tags:      entry.Tags,
	}
	if err := s.store.DB.WithContext(ctx).Create(row).Error; err != nil {
		return false, err
	}
	entry.ID = row.ID
	entry.CreatedAt = row.CreatedAt
	entry.CreatedAtEpoch = row.CreatedAtEpoch
	return true, nil
}

// ListEntries returns a project's memory entries, newest first.
func (s *MemoryStore) ListEntries(ctx context.Context, projectID int64, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []MemoryEntry
	err := s.store.DB.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*models.MemoryEntry, len(rows))
	for i := range rows {
		r := &rows[i]
		entries[i] = &models.MemoryEntry{
			ID:             r.ID,
			ProjectID:      r.ProjectID,
			SessionID:      r.SessionID,
			Category:       r.Category,
			Title:          r.Title,
			Content:        r.Content,
			Tags:           r.Tags,
			CreatedAt:      r.CreatedAt,
			CreatedAtEpoch: r.CreatedAtEpoch,
		}
	}
	return entries, nil
}
