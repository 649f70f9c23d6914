// Package matchmaking pairs searching players into game rooms. The
// protocol is search, lock, revalidate: candidates come from a
// non-locking query, and every mutation happens inside the store's
// matchmaking lock after re-reading the candidate.
package matchmaking

import (
	"fmt"
	"time"

	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/sim"
	"github.com/vovakirdan/pong-arena/internal/storage"
)

// Ball speed names accepted from clients.
const (
	SpeedSlow   = "slow"
	SpeedMedium = "medium"
	SpeedFast   = "fast"
)

// Defaults applied to settings neither player specified.
const (
	DefaultSpeed      = SpeedMedium
	DefaultScoreToWin = 5
	DefaultTimeLimit  = 3 // minutes

	MinScoreToWin = 3
	MaxScoreToWin = 20
	MinTimeLimit  = 1
	MaxTimeLimit  = 5
)

// Request is a player's desired match settings. Nil fields mean "no
// preference": they match any room and fall back to defaults.
type Request struct {
	Speed      *string
	ScoreToWin *int
	TimeLimit  *int // minutes
	Ranked     *bool
	CoolMode   *bool
}

// Validate rejects out-of-range values before they reach the store.
func (r Request) Validate() error {
	if r.Speed != nil {
		switch *r.Speed {
		case SpeedSlow, SpeedMedium, SpeedFast:
		default:
			return fmt.Errorf("matchmaking: invalid speed %q", *r.Speed)
		}
	}
	if r.ScoreToWin != nil && (*r.ScoreToWin < MinScoreToWin || *r.ScoreToWin > MaxScoreToWin) {
		return fmt.Errorf("matchmaking: score to win %d out of range [%d, %d]",
			*r.ScoreToWin, MinScoreToWin, MaxScoreToWin)
	}
	if r.TimeLimit != nil && (*r.TimeLimit < MinTimeLimit || *r.TimeLimit > MaxTimeLimit) {
		return fmt.Errorf("matchmaking: time limit %d out of range [%d, %d] minutes",
			*r.TimeLimit, MinTimeLimit, MaxTimeLimit)
	}
	return nil
}

// Compatible reports whether a request can join a room: every setting
// both sides specified must agree, unspecified sides match anything.
func Compatible(room storage.Room, req Request) bool {
	if room.Speed != nil && req.Speed != nil && *room.Speed != *req.Speed {
		return false
	}
	if room.ScoreToWin != nil && req.ScoreToWin != nil && *room.ScoreToWin != *req.ScoreToWin {
		return false
	}
	if room.TimeLimit != nil && req.TimeLimit != nil && *room.TimeLimit != *req.TimeLimit {
		return false
	}
	if room.Ranked != nil && req.Ranked != nil && *room.Ranked != *req.Ranked {
		return false
	}
	if room.CoolMode != nil && req.CoolMode != nil && *room.CoolMode != *req.CoolMode {
		return false
	}
	return true
}

// Settings are the fully resolved match parameters.
type Settings struct {
	Speed      string `json:"speed"`
	ScoreToWin int    `json:"score_to_win"`
	TimeLimit  int    `json:"time_limit"` // minutes
	Ranked     bool   `json:"ranked"`
	CoolMode   bool   `json:"cool_mode"`
}

// Resolve merges room settings with the joiner's request. Precedence is
// creator first, joiner second, defaults last.
func Resolve(room storage.Room, req Request) Settings {
	s := Settings{
		Speed:      DefaultSpeed,
		ScoreToWin: DefaultScoreToWin,
		TimeLimit:  DefaultTimeLimit,
	}
	if req.Speed != nil {
		s.Speed = *req.Speed
	}
	if room.Speed != nil {
		s.Speed = *room.Speed
	}
	if req.ScoreToWin != nil {
		s.ScoreToWin = *req.ScoreToWin
	}
	if room.ScoreToWin != nil {
		s.ScoreToWin = *room.ScoreToWin
	}
	if req.TimeLimit != nil {
		s.TimeLimit = *req.TimeLimit
	}
	if room.TimeLimit != nil {
		s.TimeLimit = *room.TimeLimit
	}
	if req.Ranked != nil {
		s.Ranked = *req.Ranked
	}
	if room.Ranked != nil {
		s.Ranked = *room.Ranked
	}
	if req.CoolMode != nil {
		s.CoolMode = *req.CoolMode
	}
	if room.CoolMode != nil {
		s.CoolMode = *room.CoolMode
	}
	return s
}

// merge writes the joiner's explicit values into the room's unspecified
// fields so a later read resolves the same way.
func merge(room storage.Room, req Request) storage.Room {
	if room.Speed == nil {
		room.Speed = req.Speed
	}
	if room.ScoreToWin == nil {
		room.ScoreToWin = req.ScoreToWin
	}
	if room.TimeLimit == nil {
		room.TimeLimit = req.TimeLimit
	}
	if room.Ranked == nil {
		room.Ranked = req.Ranked
	}
	if room.CoolMode == nil {
		room.CoolMode = req.CoolMode
	}
	return room
}

// MatchSettings converts resolved settings into the engine's form.
func (s Settings) MatchSettings(seed int64) match.Settings {
	speed := sim.SpeedMedium
	switch s.Speed {
	case SpeedSlow:
		speed = sim.SpeedSlow
	case SpeedFast:
		speed = sim.SpeedFast
	}
	return match.Settings{
		BallSpeed:  speed,
		CoolMode:   s.CoolMode,
		ScoreToWin: s.ScoreToWin,
		TimeLimit:  time.Duration(s.TimeLimit) * time.Minute,
		Ranked:     s.Ranked,
		Seed:       seed,
	}
}
