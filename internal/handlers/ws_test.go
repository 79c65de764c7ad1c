// internal/handlers/ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acarlier/rebound/internal/auth"
	"github.com/acarlier/rebound/internal/models"
)

func TestMain(m *testing.M) {
	auth.Init()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	s := NewServer(logger, nil)
	s.Engine.ServeDelay = 10 * time.Millisecond
	t.Cleanup(s.Broadcaster.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/ws", s.WSHandler())

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, token string) string {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(ts, token), nil)
	require.NoError(t, err)
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeMessage(t *testing.T, c *websocket.Conn, msg models.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestValidTokenYieldsAckAndRegistryEntry(t *testing.T) {
	s, ts := newTestServer(t)

	userID := uuid.New()
	token, err := auth.CreateToken(userID, "alice", "")
	require.NoError(t, err)

	c := dial(t, ts, token)
	defer c.Close(websocket.StatusNormalClosure, "")

	ack := readMessage(t, c)
	assert.Equal(t, models.TypeConnectionAck, ack.Type)
	assert.Equal(t, userID.String(), ack.Payload["userId"])
	assert.Equal(t, "alice", ack.Payload["displayName"])
	assert.NotZero(t, ack.Timestamp)

	connID, err := uuid.Parse(ack.Payload["connectionId"].(string))
	require.NoError(t, err)
	_, ok := s.Registry.Get(connID)
	assert.True(t, ok, "acked connection-id must resolve in the registry immediately")

	c.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return s.Registry.Len() == 0 },
		2*time.Second, 10*time.Millisecond, "closed connection must be removed")
}

func TestMissingTokenClosesWithPolicyCode(t *testing.T) {
	s, ts := newTestServer(t)

	c := dial(t, ts, "")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseMissingToken, websocket.CloseStatus(err))
	assert.Equal(t, 0, s.Registry.Len(), "rejected upgrade must not leak a registry entry")
}

func TestInvalidTokenClosesWithPolicyCode(t *testing.T) {
	s, ts := newTestServer(t)

	c := dial(t, ts, "garbage-token")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseInvalidToken, websocket.CloseStatus(err))
	assert.Equal(t, 0, s.Registry.Len())
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t)

	token, err := auth.CreateToken(uuid.New(), "", "")
	require.NoError(t, err)
	c := dial(t, ts, token)
	defer c.Close(websocket.StatusNormalClosure, "")

	readMessage(t, c) // ack
	writeMessage(t, c, models.Message{Type: models.TypePing})
	pong := readMessage(t, c)
	assert.Equal(t, models.TypePong, pong.Type)
}

func TestMalformedPayloadSurvives(t *testing.T) {
	_, ts := newTestServer(t)

	token, err := auth.CreateToken(uuid.New(), "", "")
	require.NoError(t, err)
	c := dial(t, ts, token)
	defer c.Close(websocket.StatusNormalClosure, "")

	readMessage(t, c) // ack

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))

	// The connection is still alive and routing.
	writeMessage(t, c, models.Message{Type: models.TypePing})
	pong := readMessage(t, c)
	assert.Equal(t, models.TypePong, pong.Type)
}

func TestUnknownTypeIsDroppedSilently(t *testing.T) {
	_, ts := newTestServer(t)

	token, err := auth.CreateToken(uuid.New(), "", "")
	require.NoError(t, err)
	c := dial(t, ts, token)
	defer c.Close(websocket.StatusNormalClosure, "")

	readMessage(t, c) // ack
	writeMessage(t, c, models.Message{Type: "nonsense:event"})

	writeMessage(t, c, models.Message{Type: models.TypePing})
	pong := readMessage(t, c)
	assert.Equal(t, models.TypePong, pong.Type, "unknown types never error back or kill the socket")
}

func TestPaddleInputThroughSocket(t *testing.T) {
	s, ts := newTestServer(t)

	p1 := uuid.New()
	p2 := uuid.New()
	matchID := uuid.New()
	_, err := s.CreateMatch(matchID, p1, "alice", p2, "bob")
	require.NoError(t, err)
	require.NoError(t, s.Engine.SetReady(matchID, p1))
	require.NoError(t, s.Engine.SetReady(matchID, p2))
	require.Eventually(t, func() bool {
		snap, err := s.Engine.State(matchID)
		return err == nil && snap.Status == "playing"
	}, 2*time.Second, 10*time.Millisecond)

	token, err := auth.CreateToken(p1, "alice", "")
	require.NoError(t, err)
	c := dial(t, ts, token)
	defer c.Close(websocket.StatusNormalClosure, "")
	readMessage(t, c) // ack

	writeMessage(t, c, models.Message{
		Type:    models.TypeGamePaddle,
		Payload: map[string]interface{}{"matchId": matchID.String(), "y": 0.9},
	})

	require.Eventually(t, func() bool {
		snap, err := s.Engine.State(matchID)
		return err == nil && snap.Players[0].Paddle == 0.9
	}, 2*time.Second, 10*time.Millisecond, "paddle write must reach the authoritative state")
}

func TestMatchCreateAnnouncementCreatesMatch(t *testing.T) {
	s, ts := newTestServer(t)

	p1 := uuid.New()
	p2 := uuid.New()
	matchID := uuid.New()
	s.handleMatchCreate(context.Background(), models.NewMessage(models.TypeMatchCreate, map[string]interface{}{
		"matchId": matchID.String(),
		"players": []interface{}{
			map[string]interface{}{"userId": p1.String(), "displayName": "alice"},
			map[string]interface{}{"userId": p2.String(), "displayName": "bob"},
		},
	}))

	snap, err := s.Engine.State(matchID)
	require.NoError(t, err)
	assert.Equal(t, p1, snap.Players[0].UserID)
	assert.Equal(t, "bob", snap.Players[1].DisplayName)

	// The announced match is reachable end to end: a ready event from each
	// player's socket drives it into playing.
	for _, uid := range []uuid.UUID{p1, p2} {
		token, err := auth.CreateToken(uid, "", "")
		require.NoError(t, err)
		c := dial(t, ts, token)
		defer c.Close(websocket.StatusNormalClosure, "")
		readMessage(t, c) // ack
		writeMessage(t, c, models.Message{
			Type:    models.TypeGameReady,
			Payload: map[string]interface{}{"matchId": matchID.String()},
		})
	}
	require.Eventually(t, func() bool {
		snap, err := s.Engine.State(matchID)
		return err == nil && snap.Status == "playing"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMatchCreateAnnouncementValidation(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	// No matchId.
	s.handleMatchCreate(ctx, models.NewMessage(models.TypeMatchCreate, map[string]interface{}{
		"players": []interface{}{},
	}))
	assert.Empty(t, s.Engine.MatchIDs())

	// Wrong player count.
	s.handleMatchCreate(ctx, models.NewMessage(models.TypeMatchCreate, map[string]interface{}{
		"matchId": uuid.New().String(),
		"players": []interface{}{
			map[string]interface{}{"userId": uuid.New().String()},
		},
	}))
	assert.Empty(t, s.Engine.MatchIDs())

	// Malformed player entry.
	s.handleMatchCreate(ctx, models.NewMessage(models.TypeMatchCreate, map[string]interface{}{
		"matchId": uuid.New().String(),
		"players": []interface{}{
			map[string]interface{}{"userId": "not-a-uuid"},
			map[string]interface{}{"userId": uuid.New().String()},
		},
	}))
	assert.Empty(t, s.Engine.MatchIDs())

	// A duplicate announcement never panics and leaves the original intact.
	matchID := uuid.New()
	announce := models.NewMessage(models.TypeMatchCreate, map[string]interface{}{
		"matchId": matchID.String(),
		"players": []interface{}{
			map[string]interface{}{"userId": uuid.New().String(), "displayName": "alice"},
			map[string]interface{}{"userId": uuid.New().String(), "displayName": "bob"},
		},
	})
	s.handleMatchCreate(ctx, announce)
	s.handleMatchCreate(ctx, announce)
	assert.Len(t, s.Engine.MatchIDs(), 1)
}

func TestPresenceTransitionsOncePerUser(t *testing.T) {
	var online, offline atomic.Int32
	presenceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["status"] == "ONLINE" {
			online.Add(1)
		} else {
			offline.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer presenceSrv.Close()

	t.Setenv("PRESENCE_SERVICE_URL", presenceSrv.URL)
	s, ts := newTestServer(t)

	userID := uuid.New()
	token, err := auth.CreateToken(userID, "", "")
	require.NoError(t, err)

	c1 := dial(t, ts, token)
	readMessage(t, c1)
	require.Eventually(t, func() bool { return online.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	c2 := dial(t, ts, token)
	readMessage(t, c2)
	assert.Equal(t, 2, s.Registry.CountForUser(userID))

	// A second device never re-fires the online transition.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), online.Load())

	c1.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return s.Registry.CountForUser(userID) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), offline.Load(), "offline only fires when the last connection drops")

	c2.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return offline.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
