package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tournament status values.
const (
	TournamentRegistering = "registering"
	TournamentOngoing     = "ongoing"
	TournamentFinished    = "finished"
	TournamentCancelled   = "cancelled"
)

// Bracket status values.
const (
	BracketPending  = "pending"
	BracketOngoing  = "ongoing"
	BracketFinished = "finished"
)

// Tournament is a persisted bracket tournament.
type Tournament struct {
	ID        string
	Status    string
	Size      int
	CreatorID string
	WinnerID  string
	Players   []TournamentPlayer
	CreatedAt time.Time
}

// TournamentPlayer is one registered participant.
type TournamentPlayer struct {
	PlayerID string
	Name     string
	Elo      int
}

// Bracket is one pairing within a tournament round. RoomID is set once
// the pairing's match room has been created.
type Bracket struct {
	ID           string
	TournamentID string
	Round        int
	Player1ID    string
	Player2ID    string
	WinnerID     string
	RoomID       string
	Status       string
}

// InsertTournament persists a new tournament in the registering state.
func (s *Store) InsertTournament(ctx context.Context, t Tournament) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tournaments (id, status, size, creator_id) VALUES (?, ?, ?, ?)",
		t.ID, t.Status, t.Size, t.CreatorID,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot insert tournament: %w", err)
	}
	return nil
}

// GetTournament loads a tournament and its registered players.
func (s *Store) GetTournament(ctx context.Context, id string) (Tournament, error) {
	var t Tournament
	var winner sql.NullString
	var createdAt any
	err := s.db.QueryRowContext(ctx,
		"SELECT id, status, size, creator_id, winner_id, created_at FROM tournaments WHERE id = ?", id,
	).Scan(&t.ID, &t.Status, &t.Size, &t.CreatorID, &winner, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tournament{}, ErrNotFound
	}
	if err != nil {
		return Tournament{}, fmt.Errorf("storage: cannot load tournament: %w", err)
	}
	t.WinnerID = winner.String
	t.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		"SELECT player_id, name, elo FROM tournament_players WHERE tournament_id = ? ORDER BY rowid", id,
	)
	if err != nil {
		return Tournament{}, fmt.Errorf("storage: cannot load tournament players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p TournamentPlayer
		if err := rows.Scan(&p.PlayerID, &p.Name, &p.Elo); err != nil {
			return Tournament{}, fmt.Errorf("storage: cannot scan tournament player: %w", err)
		}
		t.Players = append(t.Players, p)
	}
	if err := rows.Err(); err != nil {
		return Tournament{}, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return t, nil
}

// SetTournamentStatus updates a tournament's lifecycle status, recording
// the winner when it finishes.
func (s *Store) SetTournamentStatus(ctx context.Context, id, status, winnerID string) error {
	var winner any
	if winnerID != "" {
		winner = winnerID
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE tournaments SET status = ?, winner_id = ? WHERE id = ?", status, winner, id)
	if err != nil {
		return fmt.Errorf("storage: cannot set tournament status: %w", err)
	}
	return nil
}

// AddTournamentPlayer registers a participant.
func (s *Store) AddTournamentPlayer(ctx context.Context, tournamentID string, p TournamentPlayer) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tournament_players (tournament_id, player_id, name, elo) VALUES (?, ?, ?, ?)",
		tournamentID, p.PlayerID, p.Name, p.Elo,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot add tournament player: %w", err)
	}
	return nil
}

// RemoveTournamentPlayer unregisters a participant.
func (s *Store) RemoveTournamentPlayer(ctx context.Context, tournamentID, playerID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM tournament_players WHERE tournament_id = ? AND player_id = ?",
		tournamentID, playerID,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot remove tournament player: %w", err)
	}
	return nil
}

// InsertBrackets persists one round's pairings.
func (s *Store) InsertBrackets(ctx context.Context, brackets []Bracket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: cannot begin bracket transaction: %w", err)
	}
	for _, b := range brackets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO brackets (id, tournament_id, round, player1_id, player2_id, room_id, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.TournamentID, b.Round, b.Player1ID, b.Player2ID, b.RoomID, b.Status,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: cannot insert bracket: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: cannot commit brackets: %w", err)
	}
	return nil
}

// BracketsByRound returns one round's pairings in insertion order.
func (s *Store) BracketsByRound(ctx context.Context, tournamentID string, round int) ([]Bracket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tournament_id, round, player1_id, player2_id,
		        COALESCE(winner_id, ''), COALESCE(room_id, ''), status
		 FROM brackets WHERE tournament_id = ? AND round = ? ORDER BY rowid`,
		tournamentID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query brackets: %w", err)
	}
	defer rows.Close()

	var out []Bracket
	for rows.Next() {
		var b Bracket
		if err := rows.Scan(&b.ID, &b.TournamentID, &b.Round, &b.Player1ID,
			&b.Player2ID, &b.WinnerID, &b.RoomID, &b.Status); err != nil {
			return nil, fmt.Errorf("storage: cannot scan bracket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return out, nil
}

// BracketByRoom resolves the bracket a match room belongs to, if any.
func (s *Store) BracketByRoom(ctx context.Context, roomID string) (Bracket, error) {
	var b Bracket
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tournament_id, round, player1_id, player2_id,
		        COALESCE(winner_id, ''), COALESCE(room_id, ''), status
		 FROM brackets WHERE room_id = ?`,
		roomID,
	).Scan(&b.ID, &b.TournamentID, &b.Round, &b.Player1ID,
		&b.Player2ID, &b.WinnerID, &b.RoomID, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Bracket{}, ErrNotFound
	}
	if err != nil {
		return Bracket{}, fmt.Errorf("storage: cannot find bracket by room: %w", err)
	}
	return b, nil
}

// SetBracketStatus updates one bracket's status.
func (s *Store) SetBracketStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE brackets SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("storage: cannot set bracket status: %w", err)
	}
	return nil
}

// SetBracketWinner records a pairing's outcome.
func (s *Store) SetBracketWinner(ctx context.Context, id, winnerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE brackets SET winner_id = ?, status = ? WHERE id = ?",
		winnerID, BracketFinished, id,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot set bracket winner: %w", err)
	}
	return nil
}
