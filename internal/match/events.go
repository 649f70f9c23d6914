// Package match runs the per-room lifecycle around one simulation: a
// Pending/Ongoing/Paused/Ended state machine, the fixed-rate tick loop,
// and the registry that owns every active match keyed by room id.
package match

import (
	"time"

	"github.com/vovakirdan/pong-arena/internal/sim"
)

// RoomID identifies a game room and its match.
type RoomID string

// PlayerID identifies a connected player within a room.
type PlayerID string

// PlayerInfo carries the identity attached to a seat.
type PlayerInfo struct {
	ID        PlayerID
	ProfileID string
	Name      string
	Elo       int
}

// InputAction is the closed set of paddle intents a player can send.
type InputAction int

const (
	ActionMoveLeft InputAction = iota + 1
	ActionMoveRight
)

func (a InputAction) String() string {
	switch a {
	case ActionMoveLeft:
		return "move_left"
	case ActionMoveRight:
		return "move_right"
	default:
		return "unknown"
	}
}

// Event is an outbound match event delivered to player connections.
type Event interface {
	matchEvent()
}

// GameStartedEvent is broadcast when the second player connects and the
// tick loop begins.
type GameStartedEvent struct {
	RoomID RoomID
}

func (GameStartedEvent) matchEvent() {}

// StateUpdatedEvent carries one tick's snapshot.
type StateUpdatedEvent struct {
	State sim.Snapshot
}

func (StateUpdatedEvent) matchEvent() {}

// GamePausedEvent is broadcast when a player disconnects mid-match.
type GamePausedEvent struct {
	RemainingTime time.Duration // reconnection window
	Name          string        // disconnected player's display name
}

func (GamePausedEvent) matchEvent() {}

// GameUnpausedEvent is broadcast when the disconnected player returns
// within the reconnection window.
type GameUnpausedEvent struct{}

func (GameUnpausedEvent) matchEvent() {}

// PlayerWonEvent is broadcast when a match completes normally (score or
// time limit).
type PlayerWonEvent struct {
	Winner      PlayerInfo
	Loser       PlayerInfo
	WinnerScore int
	LoserScore  int
	EloChange   int
}

func (PlayerWonEvent) matchEvent() {}

// PlayerResignedEvent is broadcast when a reconnection window expires and
// the remaining player wins by resignation.
type PlayerResignedEvent struct {
	Winner      PlayerInfo
	Loser       PlayerInfo
	WinnerScore int
	LoserScore  int
	EloChange   int
}

func (PlayerResignedEvent) matchEvent() {}

// GameCancelledEvent is broadcast when the waiting grace period expires
// before a second player joins, or the room is torn down externally.
type GameCancelledEvent struct{}

func (GameCancelledEvent) matchEvent() {}

// Conn is the transport-neutral handle for one player's connection.
// Send must be non-blocking; implementations buffer and drop on overflow.
type Conn interface {
	Send(ev Event)
	Done() <-chan struct{}
}

// command is the closed set of inbound messages handled on the lifecycle
// goroutine. External callers never construct these directly; the
// registry does.
type command interface {
	matchCommand()
}

type connectCmd struct {
	player PlayerInfo
	conn   Conn
}

func (connectCmd) matchCommand() {}

type disconnectCmd struct {
	playerID PlayerID
}

func (disconnectCmd) matchCommand() {}

type inputCmd struct {
	playerID PlayerID
	action   InputAction
	pressed  bool
}

func (inputCmd) matchCommand() {}

// waitExpiredCmd fires when the waiting-for-second-player grace elapses.
// Validated against the current state: stale deliveries are ignored.
type waitExpiredCmd struct{}

func (waitExpiredCmd) matchCommand() {}

// reconnectExpiredCmd fires when a disconnected player's window elapses.
type reconnectExpiredCmd struct {
	playerID PlayerID
}

func (reconnectExpiredCmd) matchCommand() {}

// stopCmd tears the match down externally (room closed, tournament
// cancelled).
type stopCmd struct{}

func (stopCmd) matchCommand() {}
