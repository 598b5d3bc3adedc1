package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeeded(seed int64) *State {
	return New(rand.New(rand.NewSource(seed)))
}

func TestStepIsDeterministicForSeed(t *testing.T) {
	a := newSeeded(7)
	b := newSeeded(7)

	for i := 0; i < 600; i++ {
		a.Step(1.0 / 60)
		b.Step(1.0 / 60)
	}

	assert.Equal(t, a.Tick, b.Tick)
	assert.Equal(t, a.BallX, b.BallX)
	assert.Equal(t, a.BallY, b.BallY)
	assert.Equal(t, a.BallVX, b.BallVX)
	assert.Equal(t, a.BallVY, b.BallVY)
	assert.Equal(t, a.Scores, b.Scores)
}

func TestScoringPastLeftEdge(t *testing.T) {
	s := newSeeded(1)
	s.BallX = 1
	s.BallVX = -100
	s.BallVY = 0
	// Paddle out of the way so the ball crosses the edge.
	s.Paddles[0] = 0
	s.BallY = Height - BallSize - 1

	s.Step(0.1)

	assert.Equal(t, 1, s.Scores[1], "right player scores when ball exits left")
	assert.Equal(t, 0, s.Scores[0])
	assert.Equal(t, Width/2, s.BallX, "ball re-centered after score")
	assert.Equal(t, Height/2, s.BallY)
	assert.Equal(t, BallSpeed, s.BallVX, "serve goes toward the side that conceded")
}

func TestScoringPastRightEdge(t *testing.T) {
	s := newSeeded(1)
	s.BallX = Width - 1
	s.BallY = 5
	s.BallVX = 200
	s.BallVY = 0
	s.Paddles[1] = Height - PaddleHeight

	s.Step(0.1)

	assert.Equal(t, 1, s.Scores[0])
	assert.Equal(t, Width/2, s.BallX)
	assert.Equal(t, -BallSpeed, s.BallVX)
}

func TestWallBounceClampsPosition(t *testing.T) {
	s := newSeeded(3)
	s.BallX = Width / 2
	s.BallY = 2
	s.BallVX = 0
	s.BallVY = -400

	s.Step(1.0 / 60)

	assert.Equal(t, 0.0, s.BallY, "ball clamped to top wall")
	assert.Greater(t, s.BallVY, 0.0, "vertical velocity reflected downward")

	s.BallY = Height - BallSize - 1
	s.BallVY = 400
	s.Step(1.0 / 60)

	assert.Equal(t, Height-BallSize, s.BallY, "ball clamped to bottom wall")
	assert.Less(t, s.BallVY, 0.0)
}

func TestPaddleContactReflectsAwayFromPaddle(t *testing.T) {
	s := newSeeded(5)
	s.Paddles[0] = 200
	s.BallX = PaddleWidth + 1
	s.BallY = 220
	s.BallVX = -300
	s.BallVY = 0

	s.Step(1.0 / 60)

	require.Equal(t, PaddleWidth, s.BallX, "ball clamped to paddle face")
	assert.Greater(t, s.BallVX, 0.0, "horizontal velocity reflected right")
	assert.Equal(t, [2]int{0, 0}, s.Scores)
}

func TestPaddleMissScores(t *testing.T) {
	s := newSeeded(5)
	s.Paddles[0] = 0 // ball arrives well below the paddle span
	s.BallX = PaddleWidth + 1
	s.BallY = 300
	s.BallVX = -300
	s.BallVY = 0

	for i := 0; i < 10 && s.Scores[1] == 0; i++ {
		s.Step(1.0 / 60)
	}
	assert.Equal(t, 1, s.Scores[1])
}

func TestResetBallLaunchDirection(t *testing.T) {
	s := newSeeded(9)
	s.ResetBall(-1)
	assert.Equal(t, -BallSpeed, s.BallVX)
	assert.Equal(t, Width/2, s.BallX)
	assert.GreaterOrEqual(t, s.BallVY, -BallSpeed/2)
	assert.LessOrEqual(t, s.BallVY, BallSpeed/2)
}

func TestClampPaddleY(t *testing.T) {
	assert.Equal(t, 0.0, ClampPaddleY(-50))
	assert.Equal(t, 120.5, ClampPaddleY(120.5))
	assert.Equal(t, Height-PaddleHeight, ClampPaddleY(Height))
}
