// internal/match/engine.go
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/models"
)

// Errors raised for operations that reference state the engine does not
// hold. These indicate caller bugs, not user input, and are surfaced loudly.
var (
	ErrUnknownMatch  = errors.New("match: unknown match id")
	ErrUnknownPlayer = errors.New("match: user is not a player in this match")
)

// Engine owns every active match and runs one authoritative tick loop per
// playing match. Match state is mutated only by the tick, the paddle setter
// and the disconnect handler, all serialized on the per-match mutex.
type Engine struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*Match
	byUser  map[uuid.UUID]uuid.UUID

	// PublishFn emits game events through the cross-instance broadcaster.
	// If nil, no events are emitted.
	PublishFn func(msg models.Message)

	// OnMatchRemoved is invoked after a match is purged from memory, so
	// wiring can tear down per-match channel subscriptions.
	OnMatchRemoved func(matchID uuid.UUID)

	// Lifecycle timings, overridable in tests.
	ServeDelay     time.Duration
	GoalPause      time.Duration
	EndedRetention time.Duration
	StaleTimeout   time.Duration

	snapshots SnapshotStore
	logger    *logrus.Logger
}

// NewEngine builds an engine. snapshots may be nil for in-memory operation.
func NewEngine(logger *logrus.Logger, snapshots SnapshotStore) *Engine {
	return &Engine{
		matches:        make(map[uuid.UUID]*Match),
		byUser:         make(map[uuid.UUID]uuid.UUID),
		ServeDelay:     serveDelay,
		GoalPause:      goalPauseDuration,
		EndedRetention: endedRetention,
		StaleTimeout:   staleStartTimeout,
		snapshots:      snapshots,
		logger:         logger,
	}
}

// CreateMatch registers a new match for two players, carrying over the match
// id minted by the lobby. Creating a duplicate id is a caller bug.
func (e *Engine) CreateMatch(matchID uuid.UUID, p1ID uuid.UUID, p1Name string, p2ID uuid.UUID, p2Name string) (*Match, error) {
	m := &Match{
		ID:     matchID,
		Status: StatusWaiting,
		Players: [2]*Player{
			{UserID: p1ID, DisplayName: p1Name, Paddle: 0.5},
			{UserID: p2ID, DisplayName: p2Name, Paddle: 0.5},
		},
	}
	m.Ball = Ball{X: 0.5, Y: 0.5}

	e.mu.Lock()
	if _, exists := e.matches[matchID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("match %s already exists", matchID)
	}
	e.matches[matchID] = m
	e.byUser[p1ID] = matchID
	e.byUser[p2ID] = matchID
	e.mu.Unlock()

	m.mu.Lock()
	m.staleTimer = time.AfterFunc(e.StaleTimeout, func() { e.purgeStale(matchID) })
	snap := m.snapshot()
	m.mu.Unlock()

	e.saveSnapshot(snap)
	e.logger.WithField("matchId", matchID).Info("match created")
	return m, nil
}

// Get resolves a match id.
func (e *Engine) Get(matchID uuid.UUID) (*Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	return m, nil
}

// MatchIDs lists the ids of every match the engine currently holds.
func (e *Engine) MatchIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, 0, len(e.matches))
	for id := range e.matches {
		out = append(out, id)
	}
	return out
}

// MatchForUser returns the match a user is currently part of, if any.
func (e *Engine) MatchForUser(userID uuid.UUID) (*Match, bool) {
	e.mu.Lock()
	matchID, ok := e.byUser[userID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	m, err := e.Get(matchID)
	return m, err == nil
}

// State returns a consistent copy of a match's current state.
func (e *Engine) State(matchID uuid.UUID) (Snapshot, error) {
	m, err := e.Get(matchID)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(), nil
}

// SetReady marks one player ready. When both players are ready the match
// moves to starting and play begins after the serve delay.
func (e *Engine) SetReady(matchID, userID uuid.UUID) error {
	m, err := e.Get(matchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	idx := m.playerIndex(userID)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in match %s", ErrUnknownPlayer, userID, matchID)
	}
	m.Players[idx].Ready = true

	var events []models.Message
	if m.Status == StatusWaiting && m.Players[0].Ready && m.Players[1].Ready {
		m.Status = StatusStarting
		m.serveTimer = time.AfterFunc(e.ServeDelay, func() { e.beginPlay(matchID) })
		events = append(events, models.NewMessage(models.TypeGameStart, map[string]interface{}{
			"matchId": m.ID.String(),
			"players": []map[string]interface{}{
				{"userId": m.Players[0].UserID.String(), "displayName": m.Players[0].DisplayName},
				{"userId": m.Players[1].UserID.String(), "displayName": m.Players[1].DisplayName},
			},
		}))
	}
	snap := m.snapshot()
	m.mu.Unlock()

	e.saveSnapshot(snap)
	e.emit(events...)
	return nil
}

// SetPaddle writes a player's paddle position, clamped to [0,1]. The tick
// loop reads the latest written value; there is no interpolation. Ignored
// unless the match is playing.
func (e *Engine) SetPaddle(matchID, userID uuid.UUID, y float64) error {
	m, err := e.Get(matchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.playerIndex(userID)
	if idx < 0 {
		return fmt.Errorf("%w: %s in match %s", ErrUnknownPlayer, userID, matchID)
	}
	if m.Status != StatusPlaying {
		return nil
	}
	m.Players[idx].Paddle = clampPaddle(y)
	return nil
}

// HandleDisconnect forfeits the disconnected user's match immediately,
// awarding the win to the remaining player regardless of score. Users with
// no active match are a no-op; disconnects are routine.
func (e *Engine) HandleDisconnect(userID uuid.UUID) {
	m, ok := e.MatchForUser(userID)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	idx := m.playerIndex(userID)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	events := e.endLocked(m, 1-idx, "forfeit")
	snap := m.snapshot()
	m.mu.Unlock()

	e.saveSnapshot(snap)
	e.emit(events...)
	e.logger.WithFields(logrus.Fields{
		"matchId": m.ID,
		"userId":  userID,
	}).Info("match forfeited on disconnect")
}

// beginPlay moves a starting match into playing and starts the tick loop.
func (e *Engine) beginPlay(matchID uuid.UUID) {
	m, err := e.Get(matchID)
	if err != nil {
		return
	}

	m.mu.Lock()
	if m.Status != StatusStarting {
		m.mu.Unlock()
		return
	}
	m.Status = StatusPlaying
	now := time.Now()
	m.StartedAt = &now
	if m.staleTimer != nil {
		m.staleTimer.Stop()
	}
	m.resetBall(rand.Intn(2))
	e.startTicking(m)
	snap := m.snapshot()
	m.mu.Unlock()

	e.saveSnapshot(snap)
}

// startTicking launches the tick loop. Callers hold m.mu; the loop is the
// only long-lived per-match task and tickStop is non-nil exactly while it
// runs, so two loops can never race on the same match.
func (e *Engine) startTicking(m *Match) {
	if m.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	m.tickStop = stop

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.tick(m)
			}
		}
	}()
}

// stopTicking cancels the tick loop. Callers hold m.mu.
func (e *Engine) stopTicking(m *Match) {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

// tick advances the simulation one step and handles any resulting goal.
func (e *Engine) tick(m *Match) {
	m.mu.Lock()
	if m.Status != StatusPlaying || m.tickStop == nil {
		m.mu.Unlock()
		return
	}

	goalAgainst := m.step()
	if goalAgainst < 0 {
		m.mu.Unlock()
		return
	}

	// Goal: the tick stops the instant it is recorded so nothing races on
	// the frozen state during the pause.
	e.stopTicking(m)
	scorer := 1 - goalAgainst
	m.Players[scorer].Score++

	payload := map[string]interface{}{
		"matchId": m.ID.String(),
		"scorer":  scorer + 1,
		"score":   []int{m.Players[0].Score, m.Players[1].Score},
	}

	var events []models.Message
	if m.Players[scorer].Score >= WinningScore {
		payload["winner"] = m.Players[scorer].UserID.String()
		events = append(events, models.NewMessage(models.TypeGameGoal, payload))
		events = append(events, e.endLocked(m, scorer, "score")...)
	} else {
		events = append(events, models.NewMessage(models.TypeGameGoal, payload))
		conceder := goalAgainst
		m.pauseTimer = time.AfterFunc(e.GoalPause, func() { e.resumeAfterGoal(m.ID, conceder) })
	}
	snap := m.snapshot()
	m.mu.Unlock()

	e.saveSnapshot(snap)
	e.emit(events...)
}

// resumeAfterGoal serves the ball toward the side that just conceded and
// restarts the tick loop.
func (e *Engine) resumeAfterGoal(matchID uuid.UUID, conceder int) {
	m, err := e.Get(matchID)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status != StatusPlaying {
		return
	}
	m.resetBall(conceder)
	e.startTicking(m)
}

// endLocked finalizes a match: an ended match always has a winner. Callers
// hold m.mu and are responsible for emitting the returned events and saving
// the snapshot.
func (e *Engine) endLocked(m *Match, winnerIdx int, reason string) []models.Message {
	e.stopTicking(m)
	for _, t := range []*time.Timer{m.serveTimer, m.pauseTimer, m.staleTimer} {
		if t != nil {
			t.Stop()
		}
	}

	m.Status = StatusEnded
	now := time.Now()
	m.EndedAt = &now
	winnerID := m.Players[winnerIdx].UserID
	m.WinnerID = &winnerID

	matchID := m.ID
	m.purgeTimer = time.AfterFunc(e.EndedRetention, func() { e.remove(matchID) })

	return []models.Message{models.NewMessage(models.TypeGameEnd, map[string]interface{}{
		"matchId":  m.ID.String(),
		"winnerId": winnerID.String(),
		"score":    []int{m.Players[0].Score, m.Players[1].Score},
		"reason":   reason,
	})}
}

// purgeStale removes a match that never reached playing.
func (e *Engine) purgeStale(matchID uuid.UUID) {
	m, err := e.Get(matchID)
	if err != nil {
		return
	}
	m.mu.Lock()
	stale := m.Status == StatusWaiting || m.Status == StatusStarting
	m.mu.Unlock()
	if !stale {
		return
	}
	e.logger.WithField("matchId", matchID).Info("purging stale match")
	e.remove(matchID)
}

// remove purges a match from memory and deletes its durable snapshot.
// Firing against an already-removed match is a no-op.
func (e *Engine) remove(matchID uuid.UUID) {
	e.mu.Lock()
	m, ok := e.matches[matchID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.matches, matchID)
	for _, p := range m.Players {
		if e.byUser[p.UserID] == matchID {
			delete(e.byUser, p.UserID)
		}
	}
	e.mu.Unlock()

	m.mu.Lock()
	e.stopTicking(m)
	for _, t := range []*time.Timer{m.serveTimer, m.pauseTimer, m.staleTimer, m.purgeTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.mu.Unlock()

	if e.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.snapshots.Delete(ctx, matchID); err != nil {
			e.logger.Warnf("failed to delete snapshot for match %s: %v", matchID, err)
		}
		cancel()
	}
	if e.OnMatchRemoved != nil {
		e.OnMatchRemoved(matchID)
	}
}

// Restore reloads persisted snapshots after a restart and re-arms each match:
// playing matches resume ticking, ended matches re-arm their purge timer,
// and matches that never started get a fresh stale timeout.
func (e *Engine) Restore(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	snaps, err := e.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load match snapshots: %w", err)
	}

	for _, snap := range snaps {
		p1, p2 := snap.Players[0], snap.Players[1]
		m := &Match{
			ID:        snap.MatchID,
			Status:    snap.Status,
			Players:   [2]*Player{&p1, &p2},
			Ball:      snap.Ball,
			StartedAt: snap.StartedAt,
			EndedAt:   snap.EndedAt,
			WinnerID:  snap.WinnerID,
		}

		e.mu.Lock()
		e.matches[m.ID] = m
		e.byUser[p1.UserID] = m.ID
		e.byUser[p2.UserID] = m.ID
		e.mu.Unlock()

		m.mu.Lock()
		switch m.Status {
		case StatusPlaying:
			e.startTicking(m)
		case StatusEnded:
			matchID := m.ID
			m.purgeTimer = time.AfterFunc(e.EndedRetention, func() { e.remove(matchID) })
		case StatusStarting:
			matchID := m.ID
			m.serveTimer = time.AfterFunc(e.ServeDelay, func() { e.beginPlay(matchID) })
			m.staleTimer = time.AfterFunc(e.StaleTimeout, func() { e.purgeStale(matchID) })
		default:
			matchID := m.ID
			m.staleTimer = time.AfterFunc(e.StaleTimeout, func() { e.purgeStale(matchID) })
		}
		m.mu.Unlock()

		e.logger.WithFields(logrus.Fields{
			"matchId": m.ID,
			"status":  m.Status,
		}).Info("restored match from snapshot")
	}
	return nil
}

func (e *Engine) saveSnapshot(snap Snapshot) {
	if e.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.snapshots.Save(ctx, snap); err != nil {
		e.logger.Warnf("failed to persist snapshot for match %s: %v", snap.MatchID, err)
	}
}

func (e *Engine) emit(events ...models.Message) {
	if e.PublishFn == nil {
		return
	}
	for _, ev := range events {
		e.PublishFn(ev)
	}
}
