// internal/handlers/server.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/broadcast"
	"github.com/acarlier/rebound/internal/match"
	"github.com/acarlier/rebound/internal/models"
	"github.com/acarlier/rebound/internal/presence"
	"github.com/acarlier/rebound/internal/registry"
	"github.com/acarlier/rebound/internal/router"
)

// forwardedTypes are client message families the gateway relays verbatim to
// the global fan-out channel; their business rules live in other services.
var forwardedTypes = []string{
	"chat:message",
	"chat:typing",
	"chat:direct",
	"lobby:update",
	"lobby:invite",
	"tournament:update",
}

// Server ties the connection layer together: registry, router, broadcaster,
// presence client and the match engine, plus the event catalog wiring.
type Server struct {
	Registry    *registry.Registry
	Router      *router.Router
	Broadcaster *broadcast.Broadcaster
	Engine      *match.Engine
	Presence    *presence.Client
	Logger      *logrus.Logger
}

// NewServer builds the component graph and registers the startup event
// catalog on the router.
func NewServer(logger *logrus.Logger, snapshots match.SnapshotStore) *Server {
	reg := registry.New(logger)
	s := &Server{
		Registry:    reg,
		Router:      router.New(logger),
		Broadcaster: broadcast.New(reg, logger),
		Engine:      match.NewEngine(logger, snapshots),
		Presence:    presence.New(logger),
		Logger:      logger,
	}

	// Match events reach clients on every instance through the fan-out
	// channel; publishing is fire-and-forget off the engine's tick path.
	s.Engine.PublishFn = func(msg models.Message) {
		go s.Broadcaster.PublishGlobal(context.Background(), msg, nil)
	}
	s.Engine.OnMatchRemoved = func(matchID uuid.UUID) {
		s.Broadcaster.Unsubscribe(match.InputChannel(matchID), broadcast.Wildcard)
	}

	s.registerCatalog()

	// The lobby collaborator announces freshly formed matches on the match
	// control channel; this subscription is the engine's production ingress.
	s.Broadcaster.Subscribe(MatchControlChannel(), models.TypeMatchCreate, s.handleMatchCreate)
	return s
}

// MatchControlChannel names the well-known broker channel the lobby
// collaborator publishes match:create announcements on.
func MatchControlChannel() string {
	if ch := os.Getenv("REBOUND_MATCH_CONTROL_CHANNEL"); ch != "" {
		return ch
	}
	return "rebound:match:control"
}

// registerCatalog installs the startup handler table. Register is
// last-writer-wins and only used here.
func (s *Server) registerCatalog() {
	s.Router.Register(models.TypePing, s.handlePing)
	s.Router.Register(models.TypeGameReady, s.handleGameReady)
	s.Router.Register(models.TypeGamePaddle, s.handleGamePaddle)
	for _, msgType := range forwardedTypes {
		s.Router.Register(msgType, s.handleForward)
	}
}

func (s *Server) handlePing(_ context.Context, conn *registry.Connection, _ models.Message) {
	s.Registry.Send(conn, models.NewMessage(models.TypePong, nil))
}

// handleGameReady marks the sender ready in their match. If the match is not
// hosted locally the event is relayed on the match's input channel so the
// hosting instance picks it up.
func (s *Server) handleGameReady(ctx context.Context, conn *registry.Connection, msg models.Message) {
	matchID, ok := payloadMatchID(msg)
	if !ok {
		s.Logger.Warnf("game:ready from user %s without matchId", conn.UserID)
		return
	}

	err := s.Engine.SetReady(matchID, conn.UserID)
	if errors.Is(err, match.ErrUnknownMatch) {
		s.relayInput(ctx, conn, matchID, msg)
		return
	}
	if err != nil {
		s.Logger.Warnf("game:ready failed for user %s: %v", conn.UserID, err)
	}
}

// handleGamePaddle writes the sender's paddle position, clamped by the
// engine; updates for remotely-hosted matches are relayed like ready events.
func (s *Server) handleGamePaddle(ctx context.Context, conn *registry.Connection, msg models.Message) {
	matchID, ok := payloadMatchID(msg)
	if !ok {
		s.Logger.Warnf("game:paddle from user %s without matchId", conn.UserID)
		return
	}
	y, ok := msg.Payload["y"].(float64)
	if !ok {
		s.Logger.Warnf("game:paddle from user %s without y position", conn.UserID)
		return
	}

	err := s.Engine.SetPaddle(matchID, conn.UserID, y)
	if errors.Is(err, match.ErrUnknownMatch) {
		s.relayInput(ctx, conn, matchID, msg)
		return
	}
	if err != nil {
		s.Logger.Warnf("game:paddle failed for user %s: %v", conn.UserID, err)
	}
}

// relayInput republishes a game input on the match's named channel, stamping
// the authenticated sender so the hosting instance never trusts a payload
// user id.
func (s *Server) relayInput(ctx context.Context, conn *registry.Connection, matchID uuid.UUID, msg models.Message) {
	payload := make(map[string]interface{}, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload["userId"] = conn.UserID.String()
	s.Broadcaster.Publish(ctx, match.InputChannel(matchID), models.NewMessage(msg.Type, payload))
}

// handleForward relays a client event verbatim to the global channel. An
// optional targetUserId in the payload turns the broadcast into a unicast.
func (s *Server) handleForward(ctx context.Context, conn *registry.Connection, msg models.Message) {
	payload := make(map[string]interface{}, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload["senderId"] = conn.UserID.String()

	var target *uuid.UUID
	if raw, ok := msg.Payload["targetUserId"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			target = &id
		}
	}
	s.Broadcaster.PublishGlobal(ctx, models.NewMessage(msg.Type, payload), target)
}

// handleMatchCreate consumes a lobby announcement of the form
// {matchId, players: [{userId, displayName}, {userId, displayName}]} and
// registers the match with the local engine. Malformed announcements are
// logged and dropped like any other broker message.
func (s *Server) handleMatchCreate(_ context.Context, msg models.Message) {
	matchID, ok := payloadMatchID(msg)
	if !ok {
		s.Logger.Warn("match:create without matchId, dropping")
		return
	}
	rawPlayers, ok := msg.Payload["players"].([]interface{})
	if !ok || len(rawPlayers) != 2 {
		s.Logger.Warnf("match:create for %s without two players, dropping", matchID)
		return
	}

	p1ID, p1Name, ok1 := parseMatchPlayer(rawPlayers[0])
	p2ID, p2Name, ok2 := parseMatchPlayer(rawPlayers[1])
	if !ok1 || !ok2 {
		s.Logger.Warnf("match:create for %s with malformed players, dropping", matchID)
		return
	}

	if _, err := s.CreateMatch(matchID, p1ID, p1Name, p2ID, p2Name); err != nil {
		s.Logger.Warnf("match:create rejected: %v", err)
	}
}

func parseMatchPlayer(v interface{}) (uuid.UUID, string, bool) {
	fields, ok := v.(map[string]interface{})
	if !ok {
		return uuid.Nil, "", false
	}
	raw, ok := fields["userId"].(string)
	if !ok {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "", false
	}
	name, _ := fields["displayName"].(string)
	return id, name, true
}

// CreateMatch registers a match with the local engine and subscribes its
// input channel so paddle and ready events relayed by other instances reach
// the authoritative simulation.
func (s *Server) CreateMatch(matchID uuid.UUID, p1ID uuid.UUID, p1Name string, p2ID uuid.UUID, p2Name string) (*match.Match, error) {
	m, err := s.Engine.CreateMatch(matchID, p1ID, p1Name, p2ID, p2Name)
	if err != nil {
		return nil, err
	}
	s.subscribeMatchInput(matchID)
	return m, nil
}

func (s *Server) subscribeMatchInput(matchID uuid.UUID) {
	s.Broadcaster.Subscribe(match.InputChannel(matchID), broadcast.Wildcard, func(ctx context.Context, msg models.Message) {
		userID, ok := payloadUserID(msg)
		if !ok {
			s.Logger.Warnf("match input without userId on %s", match.InputChannel(matchID))
			return
		}
		var err error
		switch msg.Type {
		case models.TypeGameReady:
			err = s.Engine.SetReady(matchID, userID)
		case models.TypeGamePaddle:
			y, ok := msg.Payload["y"].(float64)
			if !ok {
				return
			}
			err = s.Engine.SetPaddle(matchID, userID, y)
		}
		if err != nil {
			s.Logger.Warnf("match input %s rejected: %v", msg.Type, err)
		}
	})
}

// Restore reloads persisted matches after a restart and re-subscribes their
// input channels.
func (s *Server) Restore(ctx context.Context) error {
	if err := s.Engine.Restore(ctx); err != nil {
		return err
	}
	for _, matchID := range s.Engine.MatchIDs() {
		s.subscribeMatchInput(matchID)
	}
	return nil
}

// HealthHandler is the liveness probe: 200 ok once the process listens.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func payloadMatchID(msg models.Message) (uuid.UUID, bool) {
	raw, ok := msg.Payload["matchId"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func payloadUserID(msg models.Message) (uuid.UUID, bool) {
	raw, ok := msg.Payload["userId"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}
