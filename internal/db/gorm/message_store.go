package gorm

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/relay/pkg/models"
)

// MessageStore provides transcript database operations. Inserts increment
// the session's message count and touch updated_at in the same transaction
// so the count used for post-processing thresholds never drifts.
type MessageStore struct {
	store *Store
}

// NewMessageStore creates a new message store.
func NewMessageStore(store *Store) *MessageStore {
	return &MessageStore{store: store}
}

// InsertUserMessage appends a user message to the session transcript.
// Returns the stored message and the session's new message count.
func (s *MessageStore) InsertUserMessage(ctx context.Context, sessionPublicID, content string, images []string, model string) (*models.ChatMessage, int64, error) {
	row := &ChatMessage{
		Role:    models.RoleUser,
		Content: content,
		Images:  images,
	}
	if model != "" {
		row.Model = sql.NullString{String: model, Valid: true}
	}
	return s.insert(ctx, sessionPublicID, row)
}

// InsertAssistantMessage appends an assistant message with its serialized
// tool interactions and interrupted flag as a single durable write.
func (s *MessageStore) InsertAssistantMessage(ctx context.Context, sessionPublicID, content string, tools models.JSONToolInteractions, interrupted bool, costUSD float64) (*models.ChatMessage, int64, error) {
	flag := 0
	if interrupted {
		flag = 1
	}
	row := &ChatMessage{
		Role:        models.RoleAssistant,
		Content:     content,
		ToolCalls:   tools,
		Interrupted: flag,
		CostUSD:     costUSD,
	}
	return s.insert(ctx, sessionPublicID, row)
}

func (s *MessageStore) insert(ctx context.Context, sessionPublicID string, row *ChatMessage) (*models.ChatMessage, int64, error) {
	var count int64
	err := s.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess ChatSession
		if err := tx.Where("public_id = ?", sessionPublicID).First(&sess).Error; err != nil {
			return err
		}
		row.SessionID = sess.ID
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		count = sess.MessageCount + 1
		return tx.Model(&ChatSession{}).
			Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"message_count":    count,
				"updated_at_epoch": time.Now().UnixMilli(),
			}).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return messageToModel(row), count, nil
}

// ListMessages returns the session transcript in execution order.
func (s *MessageStore) ListMessages(ctx context.Context, sessionPublicID string, limit int) ([]*models.ChatMessage, error) {
	sessID, err := s.sessionDBID(ctx, sessionPublicID)
	if err != nil || sessID == 0 {
		return nil, err
	}

	q := s.store.DB.WithContext(ctx).
		Where("session_id = ?", sessID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ChatMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return messagesToModels(rows), nil
}

// RecentMessages returns the last n messages in execution order.
func (s *MessageStore) RecentMessages(ctx context.Context, sessionPublicID string, n int) ([]*models.ChatMessage, error) {
	sessID, err := s.sessionDBID(ctx, sessionPublicID)
	if err != nil || sessID == 0 {
		return nil, err
	}

	var rows []ChatMessage
	err = s.store.DB.WithContext(ctx).
		Where("session_id = ?", sessID).
		Order("id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// Reverse back to execution order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return messagesToModels(rows), nil
}

// FirstUserMessage returns the content of the session's first user message,
// or "" when the session has none.
func (s *MessageStore) FirstUserMessage(ctx context.Context, sessionPublicID string) (string, error) {
	sessID, err := s.sessionDBID(ctx, sessionPublicID)
	if err != nil || sessID == 0 {
		return "", err
	}

	var row ChatMessage
	err = s.store.DB.WithContext(ctx).
		Where("session_id = ? AND role = ?", sessID, models.RoleUser).
		Order("id ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Content, nil
}

func (s *MessageStore) sessionDBID(ctx context.Context, publicID string) (int64, error) {
	var sess ChatSession
	err := s.store.DB.WithContext(ctx).
		Select("id").
		Where("public_id = ?", publicID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sess.ID, nil
}

func messageToModel(row *ChatMessage) *models.ChatMessage {
	return &models.ChatMessage{
		ID:             row.ID,
		SessionID:      row.SessionID,
		Role:           row.Role,
		Content:        row.Content,
		Images:         row.Images,
		ToolCalls:      row.ToolCalls,
		Model:          row.Model,
		Interrupted:    row.Interrupted,
		CostUSD:        row.CostUSD,
		CreatedAt:      row.CreatedAt,
		CreatedAtEpoch: row.CreatedAtEpoch,
	}
}

func messagesToModels(rows []ChatMessage) []*models.ChatMessage {
	out := make([]*models.ChatMessage, len(rows))
	for i := range rows {
		out[i] = messageToModel(&rows[i])
	}
	return out
}
