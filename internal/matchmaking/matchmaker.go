package matchmaking

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vovakirdan/pong-arena/internal/storage"
)

// ErrAlreadyInMatch means the player has an ongoing match and cannot
// search for a new one.
var ErrAlreadyInMatch = errors.New("matchmaking: player already in an ongoing match")

// Player is the identity attached to a matchmaking request.
type Player struct {
	ID        string
	ProfileID string
	Name      string
	Elo       int
}

// Event is an outbound matchmaking notification.
type Event interface {
	matchmakingEvent()
}

// GameFoundEvent tells a waiting player their room is full and the match
// is ready to start.
type GameFoundEvent struct {
	RoomID   string
	Settings Settings
	Opponent Player
}

func (GameFoundEvent) matchmakingEvent() {}

// SearchCancelledEvent tells remaining waiters the room was torn down.
type SearchCancelledEvent struct{}

func (SearchCancelledEvent) matchmakingEvent() {}

// Conn delivers matchmaking events to one player connection. Send must
// not block.
type Conn interface {
	Send(ev Event)
}

// Ticket is the outcome of one matchmaking request.
type Ticket struct {
	RoomID   string
	Created  bool    // this request created the room and is waiting
	Matched  bool    // the room is full
	Opponent *Player // set when Matched
	Settings Settings
}

// Matchmaker pairs players into rooms backed by the store. All room
// mutations run inside the store's matchmaking lock, so two concurrent
// searches can never both claim the last seat of a room.
type Matchmaker struct {
	store  *storage.Store
	logger *log.Logger

	mu      sync.Mutex
	waiting map[string]map[string]waiter // room id -> player id
}

// waiter is one registered matchmaking connection.
type waiter struct {
	player Player
	conn   Conn
}

// New creates a matchmaker on top of the store.
func New(store *storage.Store, logger *log.Logger) *Matchmaker {
	return &Matchmaker{
		store:   store,
		logger:  logger,
		waiting: make(map[string]map[string]waiter),
	}
}

// Connect runs one matchmaking attempt: join the player's existing room
// if they have one, otherwise join the oldest compatible pending room,
// otherwise create a new room and wait. Candidates found by the
// non-locking search are re-read under the lock before any seat is
// claimed.
func (m *Matchmaker) Connect(ctx context.Context, p Player, req Request, conn Conn) (Ticket, error) {
	if err := req.Validate(); err != nil {
		return Ticket{}, err
	}

	candidates, err := m.store.FindPendingRooms(ctx)
	if err != nil {
		return Ticket{}, err
	}

	var (
		ticket     Ticket
		justFilled bool
	)
	err = m.store.WithMatchLock(ctx, func(tx *storage.MatchTx) error {
		// A seated player reconnecting (or opening another tab) rejoins
		// their room instead of searching.
		existing, err := tx.RoomByPlayer(ctx, p.ID)
		switch {
		case err == nil:
			if existing.Status == storage.RoomOngoing {
				return ErrAlreadyInMatch
			}
			if err := tx.IncrementConnections(ctx, existing.ID, p.ID); err != nil {
				return err
			}
			ticket = Ticket{
				RoomID:   existing.ID,
				Matched:  len(existing.Players) == 2,
				Opponent: opponentOf(existing, p.ID),
				Settings: Resolve(existing, Request{}),
			}
			if !ticket.Matched {
				m.register(existing.ID, p, conn)
			}
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		joined, err := joinCandidate(ctx, tx, candidates, p, req, &ticket)
		if err != nil {
			return err
		}
		if !joined {
			// A room created after the non-locking search is invisible to
			// it; re-run the search under the lock before giving up.
			locked, err := tx.FindPendingRooms(ctx)
			if err != nil {
				return err
			}
			joined, err = joinCandidate(ctx, tx, locked, p, req, &ticket)
			if err != nil {
				return err
			}
		}
		if joined {
			justFilled = true
			return nil
		}

		// No compatible room survived revalidation: open a new one.
		roomID := uuid.NewString()
		room := storage.Room{
			ID:         roomID,
			Status:     storage.RoomPending,
			Speed:      req.Speed,
			ScoreToWin: req.ScoreToWin,
			TimeLimit:  req.TimeLimit,
			Ranked:     req.Ranked,
			CoolMode:   req.CoolMode,
		}
		if err := tx.InsertRoom(ctx, room); err != nil {
			return err
		}
		if err := tx.AddPlayer(ctx, roomID, storage.RoomPlayer{
			PlayerID:  p.ID,
			ProfileID: p.ProfileID,
			Name:      p.Name,
			Elo:       p.Elo,
			Seat:      1,
		}); err != nil {
			return err
		}
		ticket = Ticket{RoomID: roomID, Created: true, Settings: Resolve(room, Request{})}
		// Registered before the lock is released: the next searcher to
		// win the lock already sees this waiter, so its notification
		// cannot slip between our commit and a later registration.
		m.register(roomID, p, conn)
		return nil
	})
	if err != nil {
		if ticket.RoomID != "" {
			m.unregister(ticket.RoomID, p.ID)
		}
		return Ticket{}, err
	}

	if ticket.Matched {
		// Waiters registered before this request hear about it here; the
		// caller delivers the event to its own connection off the ticket.
		if justFilled {
			m.notifyFound(ticket.RoomID, ticket.Settings, p)
		}
		m.logger.Info("match found", "room", ticket.RoomID, "player", p.ID)
	} else {
		m.logger.Info("player waiting", "room", ticket.RoomID, "player", p.ID, "created", ticket.Created)
	}
	return ticket, nil
}

// Disconnect counts one tab closed. When the player's last tab closes on
// a still-pending room their seat is freed, and an emptied room closes.
func (m *Matchmaker) Disconnect(ctx context.Context, playerID, roomID string) error {
	err := m.store.WithMatchLock(ctx, func(tx *storage.MatchTx) error {
		remaining, err := tx.DecrementConnections(ctx, roomID, playerID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		room, err := tx.Room(ctx, roomID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Ongoing rooms are the match lifecycle's business, not ours.
		if room.Status != storage.RoomPending {
			return nil
		}
		// A full room is a matched pairing: the seat must survive the
		// matchmaking socket closing so the player can attach to the game.
		if len(room.Players) == 2 {
			return nil
		}

		if err := tx.RemovePlayer(ctx, roomID, playerID); err != nil {
			return err
		}
		if len(room.Players) == 1 {
			return tx.SetRoomStatus(ctx, roomID, storage.RoomClosed)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.unregister(roomID, playerID)
	return nil
}

// Cancel tears down a pending room on the player's request and informs
// any other waiter.
func (m *Matchmaker) Cancel(ctx context.Context, playerID, roomID string) error {
	err := m.store.WithMatchLock(ctx, func(tx *storage.MatchTx) error {
		room, err := tx.Room(ctx, roomID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if room.Status != storage.RoomPending {
			return nil
		}
		for _, seated := range room.Players {
			if err := tx.RemovePlayer(ctx, roomID, seated.PlayerID); err != nil {
				return err
			}
		}
		return tx.SetRoomStatus(ctx, roomID, storage.RoomClosed)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	waiters := m.waiting[roomID]
	delete(m.waiting, roomID)
	m.mu.Unlock()

	for id, w := range waiters {
		if id != playerID {
			w.conn.Send(SearchCancelledEvent{})
		}
	}
	m.logger.Info("search cancelled", "room", roomID, "player", playerID)
	return nil
}

func (m *Matchmaker) register(roomID string, p Player, conn Conn) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting[roomID] == nil {
		m.waiting[roomID] = make(map[string]waiter)
	}
	m.waiting[roomID][p.ID] = waiter{player: p, conn: conn}
}

func (m *Matchmaker) unregister(roomID, playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if waiters := m.waiting[roomID]; waiters != nil {
		delete(waiters, playerID)
		if len(waiters) == 0 {
			delete(m.waiting, roomID)
		}
	}
}

func (m *Matchmaker) notifyFound(roomID string, settings Settings, joined Player) {
	m.mu.Lock()
	waiters := m.waiting[roomID]
	delete(m.waiting, roomID)
	m.mu.Unlock()

	for _, w := range waiters {
		w.conn.Send(GameFoundEvent{RoomID: roomID, Settings: settings, Opponent: joined})
	}
}

// joinCandidate revalidates each candidate under the lock and seats the
// player in the first one that is still pending, half-empty and
// compatible. Reports whether a seat was claimed.
func joinCandidate(ctx context.Context, tx *storage.MatchTx, candidates []storage.Room,
	p Player, req Request, ticket *Ticket) (bool, error) {
	for _, cand := range candidates {
		room, err := tx.Room(ctx, cand.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if room.Status != storage.RoomPending || len(room.Players) != 1 {
			continue
		}
		if room.Players[0].PlayerID == p.ID || !Compatible(room, req) {
			continue
		}

		if err := tx.AddPlayer(ctx, room.ID, storage.RoomPlayer{
			PlayerID:  p.ID,
			ProfileID: p.ProfileID,
			Name:      p.Name,
			Elo:       p.Elo,
			Seat:      2,
		}); err != nil {
			return false, err
		}
		merged := merge(room, req)
		if err := tx.UpdateRoomSettings(ctx, merged); err != nil {
			return false, err
		}
		*ticket = Ticket{
			RoomID:   room.ID,
			Matched:  true,
			Opponent: opponentOf(room, p.ID),
			Settings: Resolve(merged, Request{}),
		}
		return true, nil
	}
	return false, nil
}

// opponentOf returns the other seated player, or nil if the room holds
// only the player themselves.
func opponentOf(room storage.Room, playerID string) *Player {
	for _, seated := range room.Players {
		if seated.PlayerID != playerID {
			return &Player{
				ID:        seated.PlayerID,
				ProfileID: seated.ProfileID,
				Name:      seated.Name,
				Elo:       seated.Elo,
			}
		}
	}
	return nil
}
