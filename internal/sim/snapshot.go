package sim

// Snapshot is the transport-facing view of the simulation for one tick.
// Primitive fields only, for stable serialization; internal bookkeeping
// (the temporal speed multiplier, sub-step state) is never exposed.
type Snapshot struct {
	Tick   uint64  `json:"tick"`
	BallX  float64 `json:"ball_x"`
	BallZ  float64 `json:"ball_z"`
	BallVX float64 `json:"ball_vx"`
	BallVZ float64 `json:"ball_vz"`

	NorthX     float64 `json:"north_x"`
	SouthX     float64 `json:"south_x"`
	NorthScore int     `json:"north_score"`
	SouthScore int     `json:"south_score"`

	JustScored bool `json:"just_scored"`
	LastScorer int  `json:"last_scorer,omitempty"` // 0 none, 1 north, 2 south
}

// Snapshot captures the current state for broadcast.
func (s *Simulation) Snapshot() Snapshot {
	return Snapshot{
		Tick:       s.tick,
		BallX:      s.ball.Pos.X,
		BallZ:      s.ball.Pos.Z,
		BallVX:     s.ball.Vel.X,
		BallVZ:     s.ball.Vel.Z,
		NorthX:     s.north.Pos.X,
		SouthX:     s.south.Pos.X,
		NorthScore: s.north.Score,
		SouthScore: s.south.Score,
		JustScored: s.scored,
		LastScorer: int(s.scorer),
	}
}
