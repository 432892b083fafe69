package worker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/relay/internal/worker/stream"
	"github.com/thebtf/relay/pkg/models"
)

// Identity headers. The worker binds to loopback; the fronting layer is
// trusted to have authenticated the caller.
const (
	headerUser        = "X-Relay-User"
	headerImpersonate = "X-Relay-Impersonate"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// identity extracts the caller's identity. The effective owner is the
// impersonated principal when the impersonation header is present.
func identity(r *http.Request) (owner, impersonating, effective string) {
	owner = r.Header.Get(headerUser)
	impersonating = r.Header.Get(headerImpersonate)
	effective = owner
	if impersonating != "" {
		effective = impersonating
	}
	return owner, impersonating, effective
}

// ownedSession loads the session and enforces that the effective owner owns
// it. Writes the error response itself and returns nil on failure.
func (s *Service) ownedSession(w http.ResponseWriter, r *http.Request) *models.ChatSession {
	owner, _, effective := identity(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return nil
	}

	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.data.GetSessionByPublicID(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return nil
	}
	if session == nil || session.OwnerID != effective {
		// Hide existence of other owners' sessions.
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return session
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping() == nil
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"database":       dbOK,
		"connections":    s.registry.Count(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type createProjectRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Summarize    bool   `json:"summarize"`
}

func (s *Service) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := s.data.CreateProject(r.Context(), req.Name, req.SystemPrompt, req.Summarize)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Failed to create project")
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Service) handleListMemory(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseInt64(chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	entries, err := s.data.ListEntries(r.Context(), projectID, 50)
	if err != nil {
		log.Error().Err(err).Int64("projectId", projectID).Msg("Failed to list memory entries")
		writeError(w, http.StatusInternalServerError, "failed to list memory entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type createSessionRequest struct {
	ProjectID int64 `json:"project_id,omitempty"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	_, _, effective := identity(r)
	if effective == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	session, err := s.data.CreateSession(r.Context(), effective, req.ProjectID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	_, _, effective := identity(r)
	if effective == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	sessions, err := s.data.ListSessions(r.Context(), effective, 100)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]map[string]interface{}, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionResponse(sess)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	session := s.ownedSession(w, r)
	if session == nil {
		return
	}

	messages, err := s.data.ListMessages(r.Context(), session.PublicID, 0)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Failed to list messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":  messages,
		"streaming": s.coord.Active(session.PublicID),
	})
}

type submitRequest struct {
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	Model    string   `json:"model,omitempty"`
	Thinking bool     `json:"thinking,omitempty"`
	Mode     string   `json:"mode,omitempty"`
}

// handleSubmit is the HTTP mirror of the WebSocket submit frame. The
// response acknowledges routing; output arrives on the owner's connections.
func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	session := s.ownedSession(w, r)
	if session == nil {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input := stream.Input{
		Content:  req.Content,
		Images:   req.Images,
		Model:    req.Model,
		Thinking: req.Thinking,
		Mode:     req.Mode,
	}
	if err := s.coord.Submit(r.Context(), session.PublicID, input); err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Submit failed")
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": session.PublicID,
		"streaming":  s.coord.Active(session.PublicID),
	})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	session := s.ownedSession(w, r)
	if session == nil {
		return
	}

	s.coord.Stop(session.PublicID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.PublicID})
}

func sessionResponse(sess *models.ChatSession) map[string]interface{} {
	title := ""
	if sess.Title.Valid {
		title = sess.Title.String
	}
	return map[string]interface{}{
		"id":               sess.PublicID,
		"owner_id":         sess.OwnerID,
		"project_id":       sess.ProjectID,
		"title":            title,
		"message_count":    sess.MessageCount,
		"created_at":       sess.CreatedAt,
		"updated_at_epoch": sess.UpdatedAtEpoch,
	}
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
