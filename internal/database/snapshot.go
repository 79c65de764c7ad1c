// internal/database/snapshot.go
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acarlier/rebound/internal/match"
)

// SnapshotStore persists match snapshots to Postgres so an engine restart
// can re-arm in-flight matches. Implements match.SnapshotStore.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save upserts the snapshot for one match.
func (s *SnapshotStore) Save(ctx context.Context, snap match.Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.MatchID, err)
	}

	q := `
		INSERT INTO match_snapshots (match_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (match_id) DO UPDATE SET state = $2, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, q, snap.MatchID, state); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.MatchID, err)
	}
	return nil
}

// Load returns every persisted snapshot.
func (s *SnapshotStore) Load(ctx context.Context) ([]match.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM match_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []match.Snapshot
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap match.Snapshot
		if err := json.Unmarshal(state, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes one match's snapshot. Deleting a missing row is a no-op.
func (s *SnapshotStore) Delete(ctx context.Context, matchID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM match_snapshots WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", matchID, err)
	}
	return nil
}
