// internal/match/match.go
package match

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one match.
type Status string

const (
	StatusWaiting  Status = "waiting"  // created, ready checks outstanding
	StatusStarting Status = "starting" // both players ready, serve pending
	StatusPlaying  Status = "playing"  // tick loop running
	StatusEnded    Status = "ended"    // final, retained briefly for queries
)

// Playfield and simulation tuning. All positions are normalized to a unit
// playfield; player 1 defends the left edge, player 2 the right.
const (
	TickRate     = 30
	tickInterval = time.Second / TickRate

	BallRadius       = 0.015
	PaddleHalfHeight = 0.1
	paddleFaceLeft   = 0.04
	paddleFaceRight  = 1.0 - paddleFaceLeft

	initialBallSpeed      = 0.012
	maxBallSpeed          = 0.045
	bounceSpeedMultiplier = 1.05
	maxDeflectSpeed       = 0.016

	WinningScore = 5

	serveDelay        = 1 * time.Second
	goalPauseDuration = 2 * time.Second
	endedRetention    = 5 * time.Minute
	staleStartTimeout = 2 * time.Minute
)

// Player is one side of a match. Paddle is the normalized center of the
// paddle in [0,1], written out-of-band by the paddle handler and read by the
// tick loop.
type Player struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
	Paddle      float64   `json:"paddle"`
	Score       int       `json:"score"`
	Ready       bool      `json:"ready"`
}

// Ball is the authoritative ball state, position plus per-tick velocity.
type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Match holds the entire authoritative state for one game. All mutation —
// tick, paddle writes, disconnect handling — is serialized on mu.
type Match struct {
	ID      uuid.UUID
	Players [2]*Player
	Ball    Ball
	Status  Status

	StartedAt *time.Time
	EndedAt   *time.Time
	WinnerID  *uuid.UUID

	mu sync.Mutex

	// tickStop is non-nil exactly while the tick loop runs.
	tickStop   chan struct{}
	serveTimer *time.Timer
	pauseTimer *time.Timer
	staleTimer *time.Timer
	purgeTimer *time.Timer
}

// InputChannel names the broker channel carrying one match's paddle and
// ready events, so any instance can feed the authoritative engine.
func InputChannel(matchID uuid.UUID) string {
	return "game:" + matchID.String() + ":input"
}

// playerIndex resolves a user to their side, or -1.
func (m *Match) playerIndex(userID uuid.UUID) int {
	for i, p := range m.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// resetBall centers the ball and serves it toward the given side (0 = left).
// The vertical component is a small random deflection so serves vary.
func (m *Match) resetBall(towardSide int) {
	dx := initialBallSpeed
	if towardSide == 0 {
		dx = -initialBallSpeed
	}
	m.Ball = Ball{
		X:  0.5,
		Y:  0.5,
		DX: dx,
		DY: (rand.Float64() - 0.5) * 0.01,
	}
}

// step advances the ball by one tick and resolves wall bounces, paddle hits
// and goals. It returns the index of the conceding player, or -1 if play
// continues. The velocity's x-component flips sign at most once per call:
// the left paddle is only tested while the ball travels left, the right one
// while it travels right.
func (m *Match) step() (goalAgainst int) {
	b := &m.Ball
	b.X += b.DX
	b.Y += b.DY

	// Vertical walls: reflect and clamp back into bounds.
	if b.Y < BallRadius {
		b.Y = BallRadius
		if b.DY < 0 {
			b.DY = -b.DY
		}
	} else if b.Y > 1-BallRadius {
		b.Y = 1 - BallRadius
		if b.DY > 0 {
			b.DY = -b.DY
		}
	}

	// Paddle collision for whichever side the ball is moving toward.
	if b.DX < 0 && b.X-BallRadius <= paddleFaceLeft {
		m.bounceOffPaddle(0, paddleFaceLeft+BallRadius)
	} else if b.DX > 0 && b.X+BallRadius >= paddleFaceRight {
		m.bounceOffPaddle(1, paddleFaceRight-BallRadius)
	}

	// A ball the paddle missed scores for the opposite side once its center
	// crosses the boundary.
	if b.X <= 0 {
		return 0
	}
	if b.X >= 1 {
		return 1
	}
	return -1
}

// bounceOffPaddle reflects the ball off one paddle if it lines up with the
// paddle face, speeding it up and deflecting it proportionally to where on
// the paddle it struck.
func (m *Match) bounceOffPaddle(side int, faceX float64) {
	b := &m.Ball
	paddle := m.Players[side].Paddle
	if b.Y < paddle-PaddleHalfHeight-BallRadius || b.Y > paddle+PaddleHalfHeight+BallRadius {
		return
	}

	b.X = faceX
	b.DX = -b.DX * bounceSpeedMultiplier
	if b.DX > maxBallSpeed {
		b.DX = maxBallSpeed
	} else if b.DX < -maxBallSpeed {
		b.DX = -maxBallSpeed
	}

	// offset in [-1,1]: -1 at the paddle's top edge, +1 at the bottom.
	offset := (b.Y - paddle) / PaddleHalfHeight
	if offset < -1 {
		offset = -1
	} else if offset > 1 {
		offset = 1
	}
	b.DY = offset * maxDeflectSpeed
}

// clampPaddle bounds a paddle position to the unit playfield.
func clampPaddle(y float64) float64 {
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}
