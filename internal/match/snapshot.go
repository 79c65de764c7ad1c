// internal/match/snapshot.go
package match

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the crash-recoverable image of one match, persisted on every
// lifecycle and scoring transition and deleted when the match is purged.
type Snapshot struct {
	MatchID   uuid.UUID  `json:"matchId"`
	Players   [2]Player  `json:"players"`
	Ball      Ball       `json:"ball"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	WinnerID  *uuid.UUID `json:"winnerId,omitempty"`
}

// SnapshotStore persists match snapshots across restarts. The engine treats
// it as optional; a nil store means matches live in memory only.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) ([]Snapshot, error)
	Delete(ctx context.Context, matchID uuid.UUID) error
}

// snapshot captures the match state. Callers hold m.mu.
func (m *Match) snapshot() Snapshot {
	return Snapshot{
		MatchID:   m.ID,
		Players:   [2]Player{*m.Players[0], *m.Players[1]},
		Ball:      m.Ball,
		Status:    m.Status,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		WinnerID:  m.WinnerID,
	}
}
