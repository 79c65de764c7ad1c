// internal/presence/presence.go
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status values understood by the user service.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// Client notifies the external user service of presence transitions. Calls
// are fire-and-forget from the socket layer's perspective: failures are
// logged and never surfaced into a client session.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logrus.Logger
}

// New builds a presence client from environment:
//   - PRESENCE_SERVICE_URL (e.g. "http://user-service:3000")
//   - INTERNAL_API_TOKEN (shared internal credential)
//
// An empty PRESENCE_SERVICE_URL disables outbound calls entirely.
func New(logger *logrus.Logger) *Client {
	return &Client{
		baseURL: os.Getenv("PRESENCE_SERVICE_URL"),
		token:   os.Getenv("INTERNAL_API_TOKEN"),
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// SetStatus reports one user's presence transition to the user service.
func (c *Client) SetStatus(ctx context.Context, userID uuid.UUID, online bool) {
	if c.baseURL == "" {
		return
	}

	status := StatusOffline
	if online {
		status = StatusOnline
	}

	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		c.logger.Errorf("failed to marshal presence payload: %v", err)
		return
	}

	url := c.baseURL + "/internal/users/" + userID.String() + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Errorf("failed to build presence request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithField("userId", userID).Warnf("presence update failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"userId": userID,
			"status": status,
		}).Warnf("presence service returned %d", resp.StatusCode)
	}
}
