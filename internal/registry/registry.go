// internal/registry/registry.go
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/models"
)

// writeTimeout bounds a single socket write so one backlogged peer cannot
// stall delivery to the others.
const writeTimeout = 3 * time.Second

// Connection represents one live client socket. It is created on successful
// authentication and owned by the Registry until the socket closes or a send
// against it fails fatally.
type Connection struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	RemoteAddr  string
}

// Registry is the in-memory bidirectional connection index:
// connection-id -> connection, user-id -> set of connection-ids. All mutation
// is serialized internally; callers never touch the backing maps.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Connection
	byUser map[uuid.UUID]map[uuid.UUID]*Connection
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Connection),
		byUser: make(map[uuid.UUID]map[uuid.UUID]*Connection),
		logger: logger,
	}
}

// Add records a connection under both indexes. It returns true if this is the
// user's first live connection (the zero-to-one presence transition).
func (r *Registry) Add(c *Connection) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	set, ok := r.byUser[c.UserID]
	if !ok {
		set = make(map[uuid.UUID]*Connection)
		r.byUser[c.UserID] = set
	}
	set[c.ID] = c
	return len(set) == 1
}

// Remove drops a connection from both indexes. It returns the connection's
// user id and true if the user now has zero remaining connections (the
// one-to-zero presence transition). Removing an unknown id is a no-op.
func (r *Registry) Remove(connID uuid.UUID) (userID uuid.UUID, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return uuid.Nil, false
	}
	delete(r.conns, connID)

	set := r.byUser[c.UserID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, c.UserID)
		return c.UserID, true
	}
	return c.UserID, false
}

// Get resolves a connection id.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ForUser returns all live connections for a user (multi-device).
func (r *Registry) ForUser(userID uuid.UUID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// CountForUser returns the number of live connections held for a user.
func (r *Registry) CountForUser(userID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// all snapshots the current connection set so sends happen outside the lock.
func (r *Registry) all() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Send marshals a message and writes it to one connection with a bounded
// timeout. On failure the socket is closed, which lets the connection's read
// loop observe the closure and run the normal removal path; the failure is
// never retried inline.
func (r *Registry) Send(c *Connection, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.logger.WithFields(logrus.Fields{
			"connId": c.ID,
			"userId": c.UserID,
		}).Warnf("send failed, pruning connection: %v", err)
		c.Conn.Close(websocket.StatusInternalError, "send failure")
		return err
	}
	return nil
}

// SendToUser delivers a message to every locally-held connection of one user.
func (r *Registry) SendToUser(userID uuid.UUID, msg models.Message) {
	for _, c := range r.ForUser(userID) {
		r.Send(c, msg)
	}
}

// Broadcast delivers a message to every locally-registered connection.
func (r *Registry) Broadcast(msg models.Message) {
	for _, c := range r.all() {
		r.Send(c, msg)
	}
}
