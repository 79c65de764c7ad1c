// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the connection orchestrator. Both
// auth failures are a policy-violation class, but the code lets a client
// distinguish "you sent no credential" from "your credential is bad".
const (
	CloseMissingToken websocket.StatusCode = 4001 // no token query parameter on the upgrade request
	CloseInvalidToken websocket.StatusCode = 4002 // token was malformed, unverifiable, or expired
)
