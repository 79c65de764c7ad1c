// internal/models/message.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope exchanged with clients in both directions:
// a flat type tag, an untyped payload, and an optional millisecond timestamp.
type Message struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}

// NewMessage builds a Message stamped with the current time.
func NewMessage(msgType string, payload map[string]interface{}) Message {
	return Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// BroadcastMessage wraps a Message for the broker boundary. A nil
// TargetUserID means "all connections on all instances"; otherwise delivery
// is restricted to that user's connections on whichever instance holds them.
type BroadcastMessage struct {
	Message
	TargetUserID *uuid.UUID `json:"targetUserId,omitempty"`
}

// Well-known message types in the event catalog. Types are flat strings
// agreed upon by convention; only the ones the server itself produces or
// consumes are named here.
const (
	TypeConnectionAck = "connection:ack"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeGameReady     = "game:ready"
	TypeGamePaddle    = "game:paddle"
	TypeMatchCreate   = "match:create"
	TypeGameGoal      = "game:goal"
	TypeGameEnd       = "game:end"
	TypeGameStart     = "game:start"
)
