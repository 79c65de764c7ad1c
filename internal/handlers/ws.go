// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/auth"
	"github.com/acarlier/rebound/internal/models"
	"github.com/acarlier/rebound/internal/registry"
)

// WSHandler upgrades the HTTP connection to WebSocket, authenticates the
// bearer token presented as a query parameter, registers the connection, and
// runs the read loop until the socket closes.
//
// Per-socket lifecycle: connecting -> authenticated -> active -> closed. A
// missing or invalid token closes the socket with a policy-violation class
// code before any application message is exchanged.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			s.Logger.Warnf("WebSocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		token := r.URL.Query().Get("token")
		identity, err := auth.Verify(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				s.Logger.WithField("remote", r.RemoteAddr).Warn("connection attempt without token")
				c.Close(CloseMissingToken, "Missing authentication token.")
			default:
				s.Logger.WithField("remote", r.RemoteAddr).Warnf("connection auth failed: %v", err)
				c.Close(CloseInvalidToken, "Invalid or expired authentication token.")
			}
			return
		}

		conn := &registry.Connection{
			ID:          uuid.New(),
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			Conn:        c,
			ConnectedAt: time.Now(),
			RemoteAddr:  r.RemoteAddr,
		}

		first := s.Registry.Add(conn)
		s.Logger.WithFields(logrus.Fields{
			"connId": conn.ID,
			"userId": conn.UserID,
			"remote": r.RemoteAddr,
		}).Info("connection established")

		// Presence transitions fire per user, not per connection: only the
		// zero-to-one transition reports ONLINE.
		if first {
			go s.Presence.SetStatus(context.Background(), conn.UserID, true)
		}

		s.Registry.Send(conn, models.NewMessage(models.TypeConnectionAck, map[string]interface{}{
			"connectionId": conn.ID.String(),
			"userId":       conn.UserID.String(),
			"displayName":  conn.DisplayName,
		}))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		s.readMessages(ctx, conn)

		// The removal must happen before the zero-connection check so a
		// simultaneous sibling connection is never miscounted.
		userID, last := s.Registry.Remove(conn.ID)
		s.Logger.WithFields(logrus.Fields{
			"connId": conn.ID,
			"userId": userID,
		}).Info("connection closed")
		if last {
			go s.Presence.SetStatus(context.Background(), userID, false)
			s.Engine.HandleDisconnect(userID)
		}
	}
}

// readMessages consumes inbound frames in arrival order and hands each one to
// the event router. Malformed payloads are logged and dropped; router and
// handler failures never tear down the socket.
func (s *Server) readMessages(ctx context.Context, conn *registry.Connection) {
	for {
		msgType, data, err := conn.Conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.Logger.Debugf("WebSocket closed normally for user %s", conn.UserID)
			} else if strings.Contains(err.Error(), "context canceled") {
				s.Logger.Debugf("WebSocket context canceled for user %s", conn.UserID)
			} else {
				s.Logger.Warnf("Error reading from WebSocket for user %s: %v (Status: %d)", conn.UserID, err, status)
			}
			return
		}

		if msgType != websocket.MessageText {
			s.Logger.Warnf("Received non-text message type %d from user %s. Ignoring.", msgType, conn.UserID)
			continue
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Logger.Warnf("Invalid JSON from user %s: %v", conn.UserID, err)
			continue
		}

		s.Router.Dispatch(ctx, conn, msg)
	}
}
