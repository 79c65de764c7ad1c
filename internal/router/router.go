// internal/router/router.go
package router

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/models"
	"github.com/acarlier/rebound/internal/registry"
)

// Handler processes one inbound message for one connection. Handlers run on
// the connection's read loop; anything slow should hand off internally.
type Handler func(ctx context.Context, conn *registry.Connection, msg models.Message)

// Router is a flat message-type -> handler dispatch table. The table is
// populated once at startup; Register is last-writer-wins and not meant for
// runtime reconfiguration.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logrus.Logger
}

func New(logger *logrus.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a message type, replacing any existing one.
func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Dispatch routes a message to the handler registered for its type. Unknown
// types are logged and dropped; a panicking handler is recovered and logged.
// One bad message never tears down the connection.
func (r *Router) Dispatch(ctx context.Context, conn *registry.Connection, msg models.Message) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.WithFields(logrus.Fields{
			"type":   msg.Type,
			"connId": conn.ID,
		}).Debug("no handler for message type, dropping")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"type":   msg.Type,
				"connId": conn.ID,
				"userId": conn.UserID,
			}).Errorf("handler panic: %v", rec)
		}
	}()
	h(ctx, conn, msg)
}
