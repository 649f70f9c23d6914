// Package sim implements the authoritative Pong match simulation.
// It contains no external dependencies (especially no transport or
// storage) to keep the game logic pure and testable.
//
// The arena is viewed top-down: x runs between the side walls at ±10,
// z runs between the two goals beyond ±10. The north paddle defends the
// z=-10 goal and faces +z; the south paddle defends z=+10 and faces -z.
package sim

import (
	"math"
	"math/rand"
)

// Arena geometry.
const (
	ArenaHalfWidth = 10.0 // side walls at ±x
	ArenaHalfDepth = 10.0 // goals beyond ±z
	WallHalfWidth  = 0.5
	BallRadius     = 0.5
	PaddleHalfW    = 1.5 // paddle half extent along x
	PaddleHalfD    = 0.25
	PaddleZ        = 9.0 // paddle centers at ±PaddleZ
)

// Motion constants.
const (
	// Subtick is the fixed spatial increment for conservative advancement:
	// per tick the ball moves in sub-steps of at most this length so it
	// cannot tunnel through a paddle or wall between frames.
	Subtick = 0.15

	PaddleSpeed = 0.25 // paddle displacement per tick

	// Accel is applied to the ball's z-speed on every paddle hit,
	// capped at ZSpeedCap. Rallies get faster until the cap.
	Accel     = 1.025
	ZSpeedCap = 0.9

	// BounceAngleDeg scales how much the hit offset from the paddle
	// center deflects the ball sideways.
	BounceAngleDeg = 50.0

	// MinSideSpeed floors |vx| after a paddle hit so the ball never
	// travels perfectly straight between the goals.
	MinSideSpeed = 0.02

	// Cool mode: each paddle hit bumps the temporal speed multiplier,
	// which decays back toward 1 every tick.
	CoolModeBurst = 0.25
	TemporalDecay = 0.995
)

// Ball speed presets, selected by the room's game_speed setting.
const (
	SpeedSlow   = 0.12
	SpeedMedium = 0.18
	SpeedFast   = 0.24
)

// Side identifies one of the two paddles.
type Side int

const (
	SideNorth Side = 1 // z = -PaddleZ, facing +1
	SideSouth Side = 2 // z = +PaddleZ, facing -1
)

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == SideNorth {
		return SideSouth
	}
	return SideNorth
}

func (s Side) String() string {
	switch s {
	case SideNorth:
		return "north"
	case SideSouth:
		return "south"
	default:
		return "none"
	}
}

// Vec2 is a position or velocity component in the arena plane.
type Vec2 struct {
	X float64
	Z float64
}

// Paddle holds one player's paddle state. Owned exclusively by the
// Simulation that created it; intent flags are set between ticks and
// consumed by AdvanceOneTick.
type Paddle struct {
	Pos        Vec2
	Score      int
	MovesLeft  bool
	MovesRight bool
	Facing     float64 // +1 north, -1 south
}

// Ball state. Mutated only inside a tick.
type Ball struct {
	Pos Vec2
	Vel Vec2

	// temporalSpeed is a decaying displacement multiplier (cool mode).
	// Internal only: it must not appear in snapshots.
	temporalSpeed float64
}

// Config selects the per-match simulation parameters.
type Config struct {
	BallSpeed float64 // initial |vz|, one of the Speed presets
	CoolMode  bool
	Seed      int64 // serve angle RNG seed; 0 falls back to a fixed seed
}

// Simulation is the complete state of one Pong match.
type Simulation struct {
	cfg    Config
	north  *Paddle
	south  *Paddle
	ball   *Ball
	rng    *rand.Rand
	tick   uint64
	scorer Side // last side to score, 0 before the first point
	scored bool // exactly one score allowed per tick
}

// New creates a simulation with the ball served toward the south paddle.
func New(cfg Config) *Simulation {
	if cfg.BallSpeed <= 0 {
		cfg.BallSpeed = SpeedMedium
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	s := &Simulation{
		cfg:   cfg,
		north: &Paddle{Pos: Vec2{X: 0, Z: -PaddleZ}, Facing: 1},
		south: &Paddle{Pos: Vec2{X: 0, Z: PaddleZ}, Facing: -1},
		ball:  &Ball{temporalSpeed: 1},
		rng:   rand.New(rand.NewSource(seed)),
	}
	s.serve(SideSouth)
	return s
}

// Paddle returns the paddle for the given side.
func (s *Simulation) Paddle(side Side) *Paddle {
	if side == SideNorth {
		return s.north
	}
	return s.south
}

// SetMoveLeft updates the movement intent toward -x for one paddle.
func (s *Simulation) SetMoveLeft(side Side, pressed bool) {
	s.Paddle(side).MovesLeft = pressed
}

// SetMoveRight updates the movement intent toward +x for one paddle.
func (s *Simulation) SetMoveRight(side Side, pressed bool) {
	s.Paddle(side).MovesRight = pressed
}

// Score returns the score for the given side.
func (s *Simulation) Score(side Side) int {
	return s.Paddle(side).Score
}

// LastScorer returns the side that scored most recently (0 if none).
func (s *Simulation) LastScorer() Side {
	return s.scorer
}

// JustScored reports whether a point was scored on the last tick.
func (s *Simulation) JustScored() bool {
	return s.scored
}

// Tick returns the number of completed ticks.
func (s *Simulation) Tick() uint64 {
	return s.tick
}

// AdvanceOneTick advances the match by one fixed tick using conservative
// advancement: the planned displacement is split into sub-steps of at
// most Subtick length, and walls, paddles and goals are resolved per
// sub-step so the ball cannot skip past a thin collider.
func (s *Simulation) AdvanceOneTick() {
	s.scored = false
	b := s.ball

	dist := math.Hypot(b.Vel.X, b.Vel.Z) * b.temporalSpeed
	steps := int(math.Ceil(dist / Subtick))
	if steps < 1 {
		steps = 1
	}
	paddleStep := PaddleSpeed / float64(steps)

	for i := 0; i < steps; i++ {
		sv := s.stepVelocity(steps)
		next := Vec2{X: b.Pos.X + sv.X, Z: b.Pos.Z + sv.Z}

		// Wall bounce: reflect x-velocity and re-clamp inside the walls.
		limit := ArenaHalfWidth - WallHalfWidth - BallRadius
		if next.X > limit || next.X < -limit {
			b.Vel.X = -b.Vel.X
			next.X = clamp(next.X, -limit, limit)
		}

		// Paddle collision, tested against the next sub-step position.
		if s.collide(s.north, next) || s.collide(s.south, next) {
			s.movePaddles(paddleStep)
			continue
		}

		// Scoring: ball past a goal line. The paddle on the far side
		// scores; the branch is gated so at most one point lands per tick.
		if !s.scored {
			if next.Z > ArenaHalfDepth {
				s.scorePoint(SideNorth)
				s.movePaddles(paddleStep)
				break
			}
			if next.Z < -ArenaHalfDepth {
				s.scorePoint(SideSouth)
				s.movePaddles(paddleStep)
				break
			}
		}

		b.Pos = next
		s.movePaddles(paddleStep)
	}

	if b.temporalSpeed > 1 {
		b.temporalSpeed = math.Max(1, b.temporalSpeed*TemporalDecay)
	}
	s.tick++
}

// stepVelocity returns the displacement for one sub-step, derived from
// the current velocity so a mid-tick bounce changes direction immediately.
func (s *Simulation) stepVelocity(steps int) Vec2 {
	b := s.ball
	eff := Vec2{X: b.Vel.X * b.temporalSpeed, Z: b.Vel.Z * b.temporalSpeed}
	return Vec2{X: eff.X / float64(steps), Z: eff.Z / float64(steps)}
}

// collide tests the ball's next position against one paddle and, on
// overlap, applies the bounce response.
func (s *Simulation) collide(p *Paddle, next Vec2) bool {
	b := s.ball

	// Only when the ball travels toward this paddle.
	if b.Vel.Z*p.Facing >= 0 {
		return false
	}
	if math.Abs(next.X-p.Pos.X) > PaddleHalfW+BallRadius {
		return false
	}
	if math.Abs(next.Z-p.Pos.Z) > PaddleHalfD+BallRadius {
		return false
	}

	// z-speed ramps up on every hit, capped so rallies stay playable.
	vz := math.Min(ZSpeedCap, math.Abs(b.Vel.Z)*Accel*b.temporalSpeed) * p.Facing

	// Side deflection from the hit offset relative to the paddle center.
	offset := clamp((next.X-p.Pos.X)/PaddleHalfW, -1, 1)
	angle := BounceAngleDeg * offset * math.Pi / 180
	vx := vz * -math.Tan(angle) * p.Facing
	if math.Abs(vx) < MinSideSpeed {
		sign := 1.0
		if offset < 0 || (offset == 0 && b.Vel.X < 0) {
			sign = -1
		}
		vx = sign * MinSideSpeed
	}

	b.Vel = Vec2{X: vx, Z: vz}

	// Push the ball out of the paddle so the next sub-step starts clear.
	wallLimit := ArenaHalfWidth - WallHalfWidth - BallRadius
	b.Pos = Vec2{
		X: clamp(next.X, -wallLimit, wallLimit),
		Z: p.Pos.Z + p.Facing*(PaddleHalfD+BallRadius),
	}

	if s.cfg.CoolMode {
		b.temporalSpeed += CoolModeBurst
	}
	return true
}

func (s *Simulation) scorePoint(side Side) {
	s.Paddle(side).Score++
	s.scorer = side
	s.scored = true
	s.serve(side.Opponent())
}

// serve resets the ball to the center, travelling toward the given side
// with a small random angle. The speed multiplier decays back to baseline.
func (s *Simulation) serve(toward Side) {
	b := s.ball
	b.Pos = Vec2{}
	b.temporalSpeed = 1

	vz := s.cfg.BallSpeed
	if toward == SideNorth {
		vz = -vz
	}
	// ±0.3 sideways factor, seeded for reproducibility.
	b.Vel = Vec2{X: s.cfg.BallSpeed * (s.rng.Float64() - 0.5) * 0.6, Z: vz}
}

func (s *Simulation) movePaddles(step float64) {
	s.movePaddle(s.north, step)
	s.movePaddle(s.south, step)
}

func (s *Simulation) movePaddle(p *Paddle, step float64) {
	dx := 0.0
	if p.MovesLeft {
		dx -= step
	}
	if p.MovesRight {
		dx += step
	}
	if dx == 0 {
		return
	}
	limit := ArenaHalfWidth - WallHalfWidth - PaddleHalfW
	p.Pos.X = clamp(p.Pos.X+dx, -limit, limit)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
