// Package gateway is the WebSocket transport boundary: it upgrades
// client connections, speaks the JSON wire protocol, and routes decoded
// messages into matchmaking, matches and tournaments.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/matchmaking"
	"github.com/vovakirdan/pong-arena/internal/storage"
)

// WebSocket close codes. 1000 is the standard normal closure; the 4xxx
// range is application-defined.
const (
	CloseNormal            = 1000
	CloseCancelled         = 4000
	CloseIllegalConnection = 4001
	CloseAlreadyInGame     = 4002
	CloseBadData           = 4003
)

// errBadData marks inbound frames that do not decode into the protocol.
// The connection is closed with CloseBadData and nothing is mutated.
var errBadData = errors.New("gateway: malformed client message")

// envelope is the wire framing for every message in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound event names.
const (
	evGameFound       = "game_found"
	evSearchCancelled = "search_cancelled"
	evGameStarted     = "game_started"
	evStateUpdated    = "state_updated"
	evGamePaused      = "game_paused"
	evGameUnpaused    = "game_unpaused"
	evPlayerWon       = "player_won"
	evPlayerResigned  = "player_resigned"
	evGameCancelled   = "game_cancelled"

	evTournamentCreated   = "tournament_created"
	evRoundReady          = "round_ready"
	evTournamentFinished  = "tournament_finished"
	evTournamentCancelled = "tournament_cancelled"
)

// Inbound event names.
const (
	evPlayerInputed = "player_inputed"
	evCancel        = "cancel"
)

type playerPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Elo  int    `json:"elo"`
}

func toPlayerPayload(p match.PlayerInfo) playerPayload {
	return playerPayload{ID: string(p.ID), Name: p.Name, Elo: p.Elo}
}

type gameFoundPayload struct {
	RoomID   string               `json:"room_id"`
	Opponent playerPayload        `json:"opponent"`
	Settings matchmaking.Settings `json:"settings"`
}

type gamePausedPayload struct {
	RemainingMS int64  `json:"remaining_ms"`
	Name        string `json:"name"`
}

type matchOverPayload struct {
	Winner      playerPayload `json:"winner"`
	Loser       playerPayload `json:"loser"`
	WinnerScore int           `json:"winner_score"`
	LoserScore  int           `json:"loser_score"`
	EloChange   int           `json:"elo_change"`
}

type bracketPayload struct {
	ID        string `json:"id"`
	Round     int    `json:"round"`
	Player1ID string `json:"player1_id"`
	Player2ID string `json:"player2_id"`
	RoomID    string `json:"room_id"`
}

type roundReadyPayload struct {
	TournamentID string           `json:"tournament_id"`
	Round        int              `json:"round"`
	Brackets     []bracketPayload `json:"brackets"`
}

type tournamentOverPayload struct {
	TournamentID string `json:"tournament_id"`
	WinnerID     string `json:"winner_id,omitempty"`
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("gateway: cannot encode %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

// encodeMatchEvent renders a match event as a wire frame.
func encodeMatchEvent(ev match.Event) ([]byte, error) {
	switch e := ev.(type) {
	case match.GameStartedEvent:
		return marshalEnvelope(evGameStarted, map[string]string{"room_id": string(e.RoomID)})
	case match.StateUpdatedEvent:
		return marshalEnvelope(evStateUpdated, e.State)
	case match.GamePausedEvent:
		return marshalEnvelope(evGamePaused, gamePausedPayload{
			RemainingMS: e.RemainingTime.Milliseconds(),
			Name:        e.Name,
		})
	case match.GameUnpausedEvent:
		return marshalEnvelope(evGameUnpaused, nil)
	case match.PlayerWonEvent:
		return marshalEnvelope(evPlayerWon, matchOverPayload{
			Winner:      toPlayerPayload(e.Winner),
			Loser:       toPlayerPayload(e.Loser),
			WinnerScore: e.WinnerScore,
			LoserScore:  e.LoserScore,
			EloChange:   e.EloChange,
		})
	case match.PlayerResignedEvent:
		return marshalEnvelope(evPlayerResigned, matchOverPayload{
			Winner:      toPlayerPayload(e.Winner),
			Loser:       toPlayerPayload(e.Loser),
			WinnerScore: e.WinnerScore,
			LoserScore:  e.LoserScore,
			EloChange:   e.EloChange,
		})
	case match.GameCancelledEvent:
		return marshalEnvelope(evGameCancelled, nil)
	default:
		return nil, fmt.Errorf("gateway: unknown match event %T", ev)
	}
}

// encodeMatchmakingEvent renders a matchmaking event as a wire frame.
func encodeMatchmakingEvent(ev matchmaking.Event) ([]byte, error) {
	switch e := ev.(type) {
	case matchmaking.GameFoundEvent:
		return marshalEnvelope(evGameFound, gameFoundPayload{
			RoomID: e.RoomID,
			Opponent: playerPayload{
				ID:   e.Opponent.ID,
				Name: e.Opponent.Name,
				Elo:  e.Opponent.Elo,
			},
			Settings: e.Settings,
		})
	case matchmaking.SearchCancelledEvent:
		return marshalEnvelope(evSearchCancelled, nil)
	default:
		return nil, fmt.Errorf("gateway: unknown matchmaking event %T", ev)
	}
}

type tournamentCreatedPayload struct {
	TournamentID string `json:"tournament_id"`
	Size         int    `json:"size"`
}

func encodeTournamentCreated(tournamentID string, size int) ([]byte, error) {
	return marshalEnvelope(evTournamentCreated, tournamentCreatedPayload{
		TournamentID: tournamentID,
		Size:         size,
	})
}

func encodeRoundReady(tournamentID string, round int, brackets []storage.Bracket) ([]byte, error) {
	payload := roundReadyPayload{TournamentID: tournamentID, Round: round}
	for _, b := range brackets {
		payload.Brackets = append(payload.Brackets, bracketPayload{
			ID:        b.ID,
			Round:     b.Round,
			Player1ID: b.Player1ID,
			Player2ID: b.Player2ID,
			RoomID:    b.RoomID,
		})
	}
	return marshalEnvelope(evRoundReady, payload)
}

func encodeTournamentFinished(tournamentID, winnerID string) ([]byte, error) {
	return marshalEnvelope(evTournamentFinished, tournamentOverPayload{
		TournamentID: tournamentID,
		WinnerID:     winnerID,
	})
}

func encodeTournamentCancelled(tournamentID string) ([]byte, error) {
	return marshalEnvelope(evTournamentCancelled, tournamentOverPayload{TournamentID: tournamentID})
}

// clientMessage is the closed set of messages clients may send.
type clientMessage interface {
	clientMessage()
}

// inputMessage is a paddle intent change.
type inputMessage struct {
	Action  match.InputAction
	Pressed bool
}

func (inputMessage) clientMessage() {}

// cancelMessage asks to cancel the current search or room.
type cancelMessage struct{}

func (cancelMessage) clientMessage() {}

type inputPayload struct {
	Action  string `json:"action"`
	Content bool   `json:"content"`
}

// decodeClientMessage parses one inbound frame. Unknown events, unknown
// actions and type mismatches all return errBadData.
func decodeClientMessage(data []byte) (clientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errBadData
	}
	switch env.Event {
	case evPlayerInputed:
		var p inputPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, errBadData
		}
		msg := inputMessage{Pressed: p.Content}
		switch p.Action {
		case "move_left":
			msg.Action = match.ActionMoveLeft
		case "move_right":
			msg.Action = match.ActionMoveRight
		default:
			return nil, errBadData
		}
		return msg, nil
	case evCancel:
		return cancelMessage{}, nil
	default:
		return nil, errBadData
	}
}

// readDeadline bounds how long a connection may stay silent. Clients are
// expected to answer pings well within this.
const readDeadline = 120 * time.Second
