package worker

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/relay/internal/worker/registry"
	"github.com/thebtf/relay/internal/worker/stream"
)

const (
	wsReadLimit    = 1 << 20
	wsPongWait     = 90 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// inboundFrame is one client-to-worker message.
type inboundFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	Images    []string `json:"images,omitempty"`
	Model     string   `json:"model,omitempty"`
	Thinking  bool     `json:"thinking,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// handleWS upgrades the connection, registers it for event delivery, and
// reads submit/stop frames until the client goes away.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	owner, impersonating, effective := identity(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	conn := registry.NewConnection(connID, owner, impersonating, registry.NewWSConn(ws))
	s.registry.Register(conn)
	s.wsConnects.Add(r.Context(), 1)

	log.Info().
		Str("connId", connID).
		Str("owner", owner).
		Str("impersonating", impersonating).
		Msg("WebSocket connected")

	// Advisory snapshot so a reconnecting client knows which of its
	// sessions are mid-generation.
	s.registry.DeliverTo(connID, map[string]interface{}{
		"type":     "streaming_sessions",
		"sessions": s.coord.StreamingSessions(effective),
	})

	defer func() {
		s.registry.Unregister(connID)
		_ = ws.Close()
		log.Info().Str("connId", connID).Msg("WebSocket disconnected")
	}()

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-conn.Done():
			return
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connId", connID).Msg("WebSocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.wsError(connID, "", "malformed frame")
			continue
		}
		s.handleFrame(connID, effective, frame)
	}
}

// handleFrame routes one inbound frame. Ownership is enforced here so a
// connection can only drive sessions of the identity it observes.
func (s *Service) handleFrame(connID, effective string, frame inboundFrame) {
	switch frame.Type {
	case "ping":
		s.registry.DeliverTo(connID, map[string]string{"type": "pong"})

	case "submit":
		if frame.SessionID == "" || frame.Content == "" {
			s.wsError(connID, frame.SessionID, "submit requires session_id and content")
			return
		}
		if !s.authorize(connID, effective, frame.SessionID) {
			return
		}
		input := stream.Input{
			Content:  frame.Content,
			Images:   frame.Images,
			Model:    frame.Model,
			Thinking: frame.Thinking,
			Mode:     frame.Mode,
		}
		if err := s.coord.Submit(context.Background(), frame.SessionID, input); err != nil {
			log.Error().Err(err).Str("sessionId", frame.SessionID).Msg("Submit failed")
			s.wsError(connID, frame.SessionID, "submit failed")
		}

	case "stop":
		if frame.SessionID == "" {
			s.wsError(connID, frame.SessionID, "stop requires session_id")
			return
		}
		if !s.authorize(connID, effective, frame.SessionID) {
			return
		}
		s.coord.Stop(frame.SessionID)

	default:
		s.wsError(connID, frame.SessionID, "unknown frame type")
	}
}

// authorize checks that the session exists and belongs to the effective
// identity, reporting failure to the connection.
func (s *Service) authorize(connID, effective, sessionID string) bool {
	session, err := s.data.GetSessionByPublicID(context.Background(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to load session")
		s.wsError(connID, sessionID, "failed to load session")
		return false
	}
	if session == nil || session.OwnerID != effective {
		s.wsError(connID, sessionID, "session not found")
		return false
	}
	return true
}

func (s *Service) wsError(connID, sessionID, message string) {
	s.registry.DeliverTo(connID, map[string]string{
		"type":       "error",
		"session_id": sessionID,
		"error":      message,
	})
}
