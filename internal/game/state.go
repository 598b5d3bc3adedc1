// Package game implements the authoritative Pong simulation. The state is
// owned and mutated exclusively by one match worker; nothing here is safe
// for concurrent use and nothing here needs to be.
package game

import "math/rand"

// Field and physics constants. These are part of the wire contract with
// clients (paddle clamp range, field size), not tunables.
const (
	Width  = 640.0
	Height = 480.0

	PaddleWidth  = 10.0
	PaddleHeight = 60.0
	BallSize     = 10.0

	// BallSpeed is the launch speed in px/s for both axes' scaling.
	BallSpeed = 300.0
)

// State is a fixed-step Pong world: one ball, two paddles, two scores.
type State struct {
	Tick    int
	BallX   float64
	BallY   float64
	BallVX  float64
	BallVY  float64
	Paddles [2]float64
	Scores  [2]int

	rng *rand.Rand
}

// New returns a freshly centered world. The rand source drives serve
// angles and paddle-contact perturbation; tests inject a seeded source.
func New(rng *rand.Rand) *State {
	return &State{
		BallX:   Width / 2,
		BallY:   Height / 2,
		BallVX:  BallSpeed,
		BallVY:  BallSpeed * 0.3,
		Paddles: [2]float64{Height/2 - PaddleHeight/2, Height/2 - PaddleHeight/2},
		rng:     rng,
	}
}

// ResetBall centers the ball and launches it toward the given horizontal
// direction (+1 right, -1 left) with a randomized vertical component.
// This is the sole re-launch entry point, used at match start and after
// every score.
func (s *State) ResetBall(direction int) {
	s.BallX = Width / 2
	s.BallY = Height / 2
	s.BallVX = BallSpeed * float64(direction)
	s.BallVY = BallSpeed * (s.rng.Float64() - 0.5)
}

// ClampPaddleY bounds a requested paddle position to the field.
func ClampPaddleY(y float64) float64 {
	if y < 0 {
		return 0
	}
	if y > Height-PaddleHeight {
		return Height - PaddleHeight
	}
	return y
}

// SetPaddle stores a (pre-clamped) paddle position for a slot.
func (s *State) SetPaddle(slot int, y float64) {
	s.Paddles[slot] = y
}

// Step advances the world by dt seconds: ball integration, wall bounces,
// paddle contact, and scoring. The two paddle tests are independent and
// run every step; with a 10px ball on a 640px field they cannot both hit.
func (s *State) Step(dt float64) {
	s.BallX += s.BallVX * dt
	s.BallY += s.BallVY * dt

	// Top/bottom bounce, clamped in-bounds.
	if s.BallY <= 0 {
		s.BallY = 0
		s.BallVY = -s.BallVY
	} else if s.BallY+BallSize >= Height {
		s.BallY = Height - BallSize
		s.BallVY = -s.BallVY
	}

	// Left paddle contact: reflect away and perturb the vertical velocity
	// so a rally never becomes perfectly periodic.
	if s.BallX <= PaddleWidth {
		if s.Paddles[0] <= s.BallY && s.BallY <= s.Paddles[0]+PaddleHeight {
			s.BallX = PaddleWidth
			s.BallVX = abs(s.BallVX)
			s.BallVY += BallSpeed * (s.rng.Float64() - 0.5) / 5
		}
	}
	// Right paddle contact.
	if s.BallX+BallSize >= Width-PaddleWidth {
		if s.Paddles[1] <= s.BallY && s.BallY <= s.Paddles[1]+PaddleHeight {
			s.BallX = Width - PaddleWidth - BallSize
			s.BallVX = -abs(s.BallVX)
			s.BallVY += BallSpeed * (s.rng.Float64() - 0.5) / 5
		}
	}

	// Scoring: the ball is past an edge only transiently, then reset.
	// The serve goes toward the side that conceded.
	if s.BallX < 0 {
		s.Scores[1]++
		s.ResetBall(1)
	} else if s.BallX > Width {
		s.Scores[0]++
		s.ResetBall(-1)
	}

	s.Tick++
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
