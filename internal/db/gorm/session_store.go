package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/relay/pkg/models"
)

// SessionStore provides session and project database operations.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// CreateProject creates a project (idempotent by name).
func (s *SessionStore) CreateProject(ctx context.Context, name, systemPrompt string, summarize bool) (*models.Project, error) {
	existing, err := s.GetProjectByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := &Project{Name: name, SummarizeEnabled: boolToInt(summarize)}
	if systemPrompt != "" {
		row.SystemPrompt.String = systemPrompt
		row.SystemPrompt.Valid = true
	}
	if err := s.store.DB.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return projectToModel(row), nil
}

// GetProject retrieves a project by ID. Returns nil, nil when not found.
func (s *SessionStore) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var row Project
	err := s.store.DB.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return projectToModel(&row), nil
}

// GetProjectByName retrieves a project by name. Returns nil, nil when not found.
func (s *SessionStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var row Project
	err := s.store.DB.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return projectToModel(&row), nil
}

// CreateSession creates a new chat session owned by ownerID.
func (s *SessionStore) CreateSession(ctx context.Context, ownerID string, projectID int64) (*models.ChatSession, error) {
	row := &ChatSession{
		PublicID:  uuid.NewString(),
		OwnerID:   ownerID,
		ProjectID: projectID,
	}
	if err := s.store.DB.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return sessionToModel(row), nil
}

// GetSessionByPublicID retrieves a session. Returns nil, nil when not found.
func (s *SessionStore) GetSessionByPublicID(ctx context.Context, publicID string) (*models.ChatSession, error) {
	var row ChatSession
	err := s.store.DB.WithContext(ctx).Where("public_id = ?", publicID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sessionToModel(&row), nil
}

// ListSessions returns the owner's sessions, most recently updated first.
func (s *SessionStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*models.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ChatSession
	err := s.store.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]*models.ChatSession, len(rows))
	for i := range rows {
		sessions[i] = sessionToModel(&rows[i])
	}
	return sessions, nil
}

// SetSessionTitle sets the session title.
func (s *SessionStore) SetSessionTitle(ctx context.Context, publicID, title string) error {
	return s.store.DB.WithContext(ctx).
		Model(&ChatSession{}).
		Where("public_id = ?", publicID).
		Updates(map[string]interface{}{
			"title":            title,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func projectToModel(row *Project) *models.Project {
	return &models.Project{
		ID:               row.ID,
		Name:             row.Name,
		SystemPrompt:     row.SystemPrompt,
		SummarizeEnabled: row.SummarizeEnabled,
		CreatedAt:        row.CreatedAt,
		CreatedAtEpoch:   row.CreatedAtEpoch,
	}
}

func sessionToModel(row *ChatSession) *models.ChatSession {
	return &models.ChatSession{
		ID:             row.ID,
		PublicID:       row.PublicID,
		OwnerID:        row.OwnerID,
		ProjectID:      row.ProjectID,
		Title:          row.Title,
		MessageCount:   row.MessageCount,
		CreatedAt:      row.CreatedAt,
		CreatedAtEpoch: row.CreatedAtEpoch,
		UpdatedAtEpoch: row.UpdatedAtEpoch,
	}
}
