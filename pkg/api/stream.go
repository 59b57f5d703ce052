package api

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
)

// streamSession serves GET /sessions/:id/stream: snapshot, catchup from
// last_event_id, then live events over WebSocket until the terminal event
// is delivered.
func (s *Server) streamSession(c *gin.Context) {
	sessionID := c.Param("id")

	// Resolve 404 before upgrading.
	if _, err := s.store.GetSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}

	lastEventID := parseLastEventID(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	snapshot := func(ctx context.Context) (events.Envelope, error) {
		detail, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return events.Envelope{}, err
		}
		env := events.NewEnvelope(sessionID, events.EventTypeSnapshot)
		env.EventID = detail.Session.EventSeq
		env.Payload = events.SnapshotPayload{
			Session: detail.Session,
			Items:   detail.Items,
		}
		return env, nil
	}

	s.manager.HandleSessionStream(c.Request.Context(), conn, sessionID, lastEventID, snapshot)
}

// handleWS serves the generic multi-channel WebSocket endpoint: clients
// subscribe and unsubscribe explicitly via JSON messages.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.manager.HandleConnection(c.Request.Context(), conn)
}

// parseLastEventID reads the resume position from the last_event_id query
// parameter or the Last-Event-ID header.
func parseLastEventID(c *gin.Context) int64 {
	raw := c.Query("last_event_id")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
