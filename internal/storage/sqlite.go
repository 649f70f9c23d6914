// Package storage provides SQLite-based persistence for game rooms,
// tournaments and match results, plus the exclusive transaction the
// matchmaking protocol uses for its search/lock/revalidate cycle.
// Uses the pure-Go modernc.org/sqlite driver to avoid CGO dependencies.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Room status values.
const (
	RoomPending = "pending"
	RoomOngoing = "ongoing"
	RoomClosed  = "closed"
)

// Room is a persisted game room. Setting fields are nil when the creator
// left them unspecified; matchmaking treats nil as "compatible with any
// request" and resolves defaults at match start.
type Room struct {
	ID         string
	Status     string
	Speed      *string
	ScoreToWin *int
	TimeLimit  *int // minutes
	Ranked     *bool
	CoolMode   *bool
	Players    []RoomPlayer
	CreatedAt  time.Time
}

// RoomPlayer is one seated player with a per-room connection counter
// (multiple tabs of the same player share a seat).
type RoomPlayer struct {
	PlayerID    string
	ProfileID   string
	Name        string
	Elo         int
	Seat        int
	Connections int
}

// MatchResult is the persisted outcome of a completed match.
type MatchResult struct {
	ID           int64
	RoomID       string
	WinnerID     string // empty when cancelled
	LoserID      string
	WinnerScore  int
	LoserScore   int
	Reason       string
	Ranked       bool
	EloChange    int
	DurationSecs int
	CreatedAt    time.Time
}

// Store manages the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// It creates the parent directories if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	// Expand ~ to home directory
	if dbPath != "" && dbPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storage: cannot expand home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}

	// One connection serializes all access, so a held matchmaking lock
	// transaction can never race a pooled writer into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			speed TEXT,
			score_to_win INTEGER,
			time_limit INTEGER,
			ranked INTEGER,
			cool_mode INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rooms_status ON rooms(status);

		CREATE TABLE IF NOT EXISTS room_players (
			room_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			name TEXT NOT NULL,
			elo INTEGER NOT NULL DEFAULT 0,
			seat INTEGER NOT NULL,
			connections INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (room_id, player_id)
		);
		CREATE INDEX IF NOT EXISTS idx_room_players_player ON room_players(player_id);

		CREATE TABLE IF NOT EXISTS tournaments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			size INTEGER NOT NULL,
			creator_id TEXT NOT NULL,
			winner_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS tournament_players (
			tournament_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			name TEXT NOT NULL,
			elo INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tournament_id, player_id)
		);

		CREATE TABLE IF NOT EXISTS brackets (
			id TEXT PRIMARY KEY,
			tournament_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			player1_id TEXT NOT NULL,
			player2_id TEXT NOT NULL,
			winner_id TEXT,
			room_id TEXT,
			status TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_brackets_tournament ON brackets(tournament_id, round);

		CREATE TABLE IF NOT EXISTS match_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			winner_id TEXT,
			loser_id TEXT,
			winner_score INTEGER NOT NULL DEFAULT 0,
			loser_score INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL,
			ranked INTEGER NOT NULL DEFAULT 0,
			elo_change INTEGER NOT NULL DEFAULT 0,
			duration_secs INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_match_results_room ON match_results(room_id);

		CREATE TABLE IF NOT EXISTS matchmaker_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			v INTEGER NOT NULL DEFAULT 0
		);
		INSERT OR IGNORE INTO matchmaker_lock (id, v) VALUES (1, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// MatchTx exposes the room mutations available inside the matchmaking
// lock. Every mutation of rooms and seats goes through one of these.
type MatchTx struct {
	tx *sql.Tx
}

// WithMatchLock runs fn inside a transaction that holds the database
// write lock for its whole duration: the first statement bumps the
// single-row matchmaker_lock table, so concurrent matchmaking attempts
// serialize the same way a row-level lock would. This closes the window
// between the non-locking room search and the mutation.
func (s *Store) WithMatchLock(ctx context.Context, fn func(*MatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: cannot begin lock transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE matchmaker_lock SET v = v + 1 WHERE id = 1"); err != nil {
		tx.Rollback()
		return fmt.Errorf("storage: cannot acquire matchmaker lock: %w", err)
	}

	if err := fn(&MatchTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: cannot commit lock transaction: %w", err)
	}
	return nil
}

// Room re-fetches a room and its players for revalidation under the lock.
func (m *MatchTx) Room(ctx context.Context, id string) (Room, error) {
	return scanRoom(ctx, m.tx, id)
}

// RoomByPlayer returns the pending or ongoing room a player is seated in.
func (m *MatchTx) RoomByPlayer(ctx context.Context, playerID string) (Room, error) {
	return roomByPlayer(ctx, m.tx, playerID)
}

// InsertRoom persists a new pending room.
func (m *MatchTx) InsertRoom(ctx context.Context, room Room) error {
	_, err := m.tx.ExecContext(ctx,
		`INSERT INTO rooms (id, status, speed, score_to_win, time_limit, ranked, cool_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Status, room.Speed, room.ScoreToWin, room.TimeLimit,
		boolPtrToInt(room.Ranked), boolPtrToInt(room.CoolMode),
	)
	if err != nil {
		return fmt.Errorf("storage: cannot insert room: %w", err)
	}
	return nil
}

// UpdateRoomSettings overwrites the room's setting fields (used when a
// joiner fills in fields the creator omitted).
func (m *MatchTx) UpdateRoomSettings(ctx context.Context, room Room) error {
	_, err := m.tx.ExecContext(ctx,
		"UPDATE rooms SET speed = ?, score_to_win = ?, time_limit = ?, ranked = ?, cool_mode = ? WHERE id = ?",
		room.Speed, room.ScoreToWin, room.TimeLimit,
		boolPtrToInt(room.Ranked), boolPtrToInt(room.CoolMode), room.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot update room settings: %w", err)
	}
	return nil
}

// SetRoomStatus updates a room's lifecycle status inside the lock.
func (m *MatchTx) SetRoomStatus(ctx context.Context, id, status string) error {
	_, err := m.tx.ExecContext(ctx, "UPDATE rooms SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("storage: cannot set room status: %w", err)
	}
	return nil
}

// AddPlayer seats a player in a room with one connection.
func (m *MatchTx) AddPlayer(ctx context.Context, roomID string, p RoomPlayer) error {
	_, err := m.tx.ExecContext(ctx,
		`INSERT INTO room_players (room_id, player_id, profile_id, name, elo, seat, connections)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		roomID, p.PlayerID, p.ProfileID, p.Name, p.Elo, p.Seat,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot add room player: %w", err)
	}
	return nil
}

// IncrementConnections counts one more tab for a seated player.
func (m *MatchTx) IncrementConnections(ctx context.Context, roomID, playerID string) error {
	_, err := m.tx.ExecContext(ctx,
		"UPDATE room_players SET connections = connections + 1 WHERE room_id = ? AND player_id = ?",
		roomID, playerID,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot increment connections: %w", err)
	}
	return nil
}

// DecrementConnections counts one tab gone and returns the remainder.
func (m *MatchTx) DecrementConnections(ctx context.Context, roomID, playerID string) (int, error) {
	_, err := m.tx.ExecContext(ctx,
		"UPDATE room_players SET connections = connections - 1 WHERE room_id = ? AND player_id = ? AND connections > 0",
		roomID, playerID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cannot decrement connections: %w", err)
	}
	var remaining int
	err = m.tx.QueryRowContext(ctx,
		"SELECT connections FROM room_players WHERE room_id = ? AND player_id = ?",
		roomID, playerID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: cannot read connections: %w", err)
	}
	return remaining, nil
}

// RemovePlayer unseats a player.
func (m *MatchTx) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	_, err := m.tx.ExecContext(ctx,
		"DELETE FROM room_players WHERE room_id = ? AND player_id = ?", roomID, playerID)
	if err != nil {
		return fmt.Errorf("storage: cannot remove room player: %w", err)
	}
	return nil
}

// FindPendingRooms returns all pending rooms with fewer than two seats,
// oldest first. This is the non-locking search half of the matchmaking
// protocol; candidates must be revalidated under WithMatchLock.
func (s *Store) FindPendingRooms(ctx context.Context) ([]Room, error) {
	return findPendingRooms(ctx, s.db)
}

// FindPendingRooms repeats the pending-room search inside the lock, for
// callers that found no usable candidate in the non-locking pass.
func (m *MatchTx) FindPendingRooms(ctx context.Context) ([]Room, error) {
	return findPendingRooms(ctx, m.tx)
}

func findPendingRooms(ctx context.Context, q querier) ([]Room, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT r.id FROM rooms r
		 WHERE r.status = ?
		   AND (SELECT COUNT(*) FROM room_players p WHERE p.room_id = r.id) < 2
		 ORDER BY r.created_at`,
		RoomPending,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot search pending rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: cannot scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: room search failed: %w", err)
	}

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		room, err := scanRoom(ctx, q, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// GetRoom loads a room and its players.
func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	return scanRoom(ctx, s.db, id)
}

// RoomByPlayer returns the pending or ongoing room a player is seated in.
func (s *Store) RoomByPlayer(ctx context.Context, playerID string) (Room, error) {
	return roomByPlayer(ctx, s.db, playerID)
}

// SetRoomStatus updates a room's status outside the matchmaking lock
// (match started, room closed).
func (s *Store) SetRoomStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE rooms SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("storage: cannot set room status: %w", err)
	}
	return nil
}

// SaveMatchResult records a completed match. Returns the inserted id.
func (s *Store) SaveMatchResult(ctx context.Context, r MatchResult) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO match_results
		 (room_id, winner_id, loser_id, winner_score, loser_score, reason, ranked, elo_change, duration_secs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RoomID, r.WinnerID, r.LoserID, r.WinnerScore, r.LoserScore,
		r.Reason, boolToInt(r.Ranked), r.EloChange, r.DurationSecs,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cannot save match result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: cannot get inserted ID: %w", err)
	}
	return id, nil
}

// ResultsByRoom returns the recorded results for a room, oldest first.
func (s *Store) ResultsByRoom(ctx context.Context, roomID string) ([]MatchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, COALESCE(winner_id, ''), COALESCE(loser_id, ''),
		        winner_score, loser_score, reason, ranked, elo_change, duration_secs, created_at
		 FROM match_results WHERE room_id = ? ORDER BY id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query results: %w", err)
	}
	defer rows.Close()

	var out []MatchResult
	for rows.Next() {
		var r MatchResult
		var ranked int
		var createdAt any
		if err := rows.Scan(&r.ID, &r.RoomID, &r.WinnerID, &r.LoserID,
			&r.WinnerScore, &r.LoserScore, &r.Reason, &ranked, &r.EloChange,
			&r.DurationSecs, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: cannot scan result: %w", err)
		}
		r.Ranked = ranked != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return out, nil
}

// querier lets room scanning work both on the pool and inside a tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func roomByPlayer(ctx context.Context, q querier, playerID string) (Room, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT r.id FROM rooms r
		 JOIN room_players p ON p.room_id = r.id
		 WHERE p.player_id = ? AND r.status IN (?, ?)
		 ORDER BY r.created_at LIMIT 1`,
		playerID, RoomPending, RoomOngoing,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("storage: cannot find room by player: %w", err)
	}
	return scanRoom(ctx, q, id)
}

func scanRoom(ctx context.Context, q querier, id string) (Room, error) {
	var room Room
	var ranked, coolMode *int
	var createdAt any
	err := q.QueryRowContext(ctx,
		`SELECT id, status, speed, score_to_win, time_limit, ranked, cool_mode, created_at
		 FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Status, &room.Speed, &room.ScoreToWin,
		&room.TimeLimit, &ranked, &coolMode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("storage: cannot load room: %w", err)
	}
	room.Ranked = intPtrToBool(ranked)
	room.CoolMode = intPtrToBool(coolMode)
	room.CreatedAt = parseTime(createdAt)

	rows, err := q.QueryContext(ctx,
		`SELECT player_id, profile_id, name, elo, seat, connections
		 FROM room_players WHERE room_id = ? ORDER BY seat`, id,
	)
	if err != nil {
		return Room{}, fmt.Errorf("storage: cannot load room players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p RoomPlayer
		if err := rows.Scan(&p.PlayerID, &p.ProfileID, &p.Name, &p.Elo, &p.Seat, &p.Connections); err != nil {
			return Room{}, fmt.Errorf("storage: cannot scan room player: %w", err)
		}
		room.Players = append(room.Players, p)
	}
	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return room, nil
}

// parseTime handles both time.Time and the text form the sqlite driver
// returns for DATETIME DEFAULT CURRENT_TIMESTAMP columns.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToInt(b *bool) *int {
	if b == nil {
		return nil
	}
	v := boolToInt(*b)
	return &v
}

func intPtrToBool(i *int) *bool {
	if i == nil {
		return nil
	}
	v := *i != 0
	return &v
}
