// Package tournament runs single-elimination brackets on top of the
// room store: registration up to a fixed size, shuffled pairings per
// round, and progression driven by match results.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vovakirdan/pong-arena/internal/storage"
)

// Supported bracket sizes.
const (
	SizeSmall = 4
	SizeLarge = 8
)

// DefaultStartCheck is how long a round's matches may stay unstarted
// before the round, and with it the tournament, is cancelled.
const DefaultStartCheck = 10 * time.Second

var (
	// ErrNotRegistering means the tournament no longer accepts players.
	ErrNotRegistering = errors.New("tournament: registration closed")
	// ErrAlreadyRegistered means the player holds a slot already.
	ErrAlreadyRegistered = errors.New("tournament: player already registered")
	// ErrFull means every slot is taken.
	ErrFull = errors.New("tournament: no free slots")
)

// Player is a tournament participant.
type Player struct {
	ID   string
	Name string
	Elo  int
}

// Notifier receives tournament progress events. Implementations must
// not block; the gateway fans these out to connected clients.
type Notifier interface {
	RoundReady(tournamentID string, round int, brackets []storage.Bracket)
	Finished(tournamentID, winnerID string)
	Cancelled(tournamentID string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) RoundReady(string, int, []storage.Bracket) {}
func (NopNotifier) Finished(string, string)                   {}
func (NopNotifier) Cancelled(string)                          {}

// Orchestrator owns every active tournament's progression. Round
// preparation, result handling and timers all serialize on one mutex;
// the heavy per-match work lives elsewhere.
type Orchestrator struct {
	store      *storage.Store
	logger     *log.Logger
	notifier   Notifier
	startCheck time.Duration
	closeRoom  func(roomID string) // stops the live match in a room

	mu     sync.Mutex
	rng    *rand.Rand
	timers map[string]*time.Timer // tournament id -> start-check timer
	rounds map[string]int         // tournament id -> current round
}

// New creates an orchestrator. A zero startCheck selects the default,
// seed fixes the pairing shuffle for tests.
func New(store *storage.Store, logger *log.Logger, notifier Notifier, startCheck time.Duration, seed int64) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if startCheck <= 0 {
		startCheck = DefaultStartCheck
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Orchestrator{
		store:      store,
		logger:     logger,
		notifier:   notifier,
		startCheck: startCheck,
		rng:        rand.New(rand.NewSource(seed)),
		timers:     make(map[string]*time.Timer),
		rounds:     make(map[string]int),
	}
}

// SetNotifier replaces the notifier. Must be called before the first
// tournament is created; the gateway does this during wiring.
func (o *Orchestrator) SetNotifier(n Notifier) {
	if n != nil {
		o.notifier = n
	}
}

// SetRoomCloser installs the hook that stops a live match when its room
// is closed by a cancellation. The gateway wires this to the registry.
func (o *Orchestrator) SetRoomCloser(fn func(roomID string)) {
	o.closeRoom = fn
}

// Create opens a tournament of the given size with the creator holding
// the first slot.
func (o *Orchestrator) Create(ctx context.Context, creator Player, size int) (storage.Tournament, error) {
	if size != SizeSmall && size != SizeLarge {
		return storage.Tournament{}, fmt.Errorf("tournament: size %d not supported", size)
	}
	t := storage.Tournament{
		ID:        uuid.NewString(),
		Status:    storage.TournamentRegistering,
		Size:      size,
		CreatorID: creator.ID,
	}
	if err := o.store.InsertTournament(ctx, t); err != nil {
		return storage.Tournament{}, err
	}
	if err := o.store.AddTournamentPlayer(ctx, t.ID, storage.TournamentPlayer{
		PlayerID: creator.ID, Name: creator.Name, Elo: creator.Elo,
	}); err != nil {
		return storage.Tournament{}, err
	}
	o.logger.Info("tournament created", "tournament", t.ID, "size", size, "creator", creator.ID)
	return o.store.GetTournament(ctx, t.ID)
}

// Register adds a player. Filling the last slot starts round one.
func (o *Orchestrator) Register(ctx context.Context, tournamentID string, p Player) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.Status != storage.TournamentRegistering {
		return ErrNotRegistering
	}
	for _, reg := range t.Players {
		if reg.PlayerID == p.ID {
			return ErrAlreadyRegistered
		}
	}
	if len(t.Players) >= t.Size {
		return ErrFull
	}

	if err := o.store.AddTournamentPlayer(ctx, tournamentID, storage.TournamentPlayer{
		PlayerID: p.ID, Name: p.Name, Elo: p.Elo,
	}); err != nil {
		return err
	}
	o.logger.Info("player registered", "tournament", tournamentID, "player", p.ID,
		"slots", fmt.Sprintf("%d/%d", len(t.Players)+1, t.Size))

	if len(t.Players)+1 == t.Size {
		return o.startLocked(ctx, tournamentID)
	}
	return nil
}

// Unregister frees a slot during registration. An emptied tournament is
// cancelled.
func (o *Orchestrator) Unregister(ctx context.Context, tournamentID, playerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.Status != storage.TournamentRegistering {
		return ErrNotRegistering
	}
	if err := o.store.RemoveTournamentPlayer(ctx, tournamentID, playerID); err != nil {
		return err
	}
	if len(t.Players) == 1 {
		return o.cancelLocked(ctx, tournamentID)
	}
	return nil
}

// Cancel tears a tournament down in any non-terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, tournamentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelLocked(ctx, tournamentID)
}

// OnMatchStarted marks a bracket's match as underway. Rooms unknown to
// any bracket are ignored.
func (o *Orchestrator) OnMatchStarted(ctx context.Context, roomID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, err := o.store.BracketByRoom(ctx, roomID)
	if err != nil {
		return
	}
	if b.Status == storage.BracketPending {
		if err := o.store.SetBracketStatus(ctx, b.ID, storage.BracketOngoing); err != nil {
			o.logger.Error("cannot mark bracket ongoing", "bracket", b.ID, "err", err)
		}
	}
}

// OnMatchFinished records a bracket result and advances the tournament
// when the round is complete. Rooms unknown to any bracket are ignored.
func (o *Orchestrator) OnMatchFinished(ctx context.Context, roomID, winnerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, err := o.store.BracketByRoom(ctx, roomID)
	if err != nil {
		return
	}
	if b.Status == storage.BracketFinished {
		return
	}
	if err := o.store.SetBracketWinner(ctx, b.ID, winnerID); err != nil {
		o.logger.Error("cannot record bracket winner", "bracket", b.ID, "err", err)
		return
	}
	if err := o.store.SetRoomStatus(ctx, roomID, storage.RoomClosed); err != nil {
		o.logger.Error("cannot close bracket room", "room", roomID, "err", err)
	}
	o.logger.Info("bracket finished", "tournament", b.TournamentID, "round", b.Round,
		"bracket", b.ID, "winner", winnerID)

	if err := o.advanceIfRoundDone(ctx, b.TournamentID, b.Round); err != nil {
		o.logger.Error("cannot advance tournament", "tournament", b.TournamentID, "err", err)
	}
}

func (o *Orchestrator) startLocked(ctx context.Context, tournamentID string) error {
	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	if err := o.store.SetTournamentStatus(ctx, tournamentID, storage.TournamentOngoing, ""); err != nil {
		return err
	}
	players := make([]Player, 0, len(t.Players))
	for _, p := range t.Players {
		players = append(players, Player{ID: p.PlayerID, Name: p.Name, Elo: p.Elo})
	}
	return o.prepareRound(ctx, tournamentID, 1, players)
}

// prepareRound shuffles the survivors, pairs them into brackets, opens
// one room per pairing and arms the start-check timer.
func (o *Orchestrator) prepareRound(ctx context.Context, tournamentID string, round int, players []Player) error {
	if len(players) == 0 || len(players)%2 != 0 {
		o.logger.Warn("cannot pair round", "tournament", tournamentID, "round", round, "players", len(players))
		return o.cancelLocked(ctx, tournamentID)
	}

	o.rng.Shuffle(len(players), func(i, j int) {
		players[i], players[j] = players[j], players[i]
	})

	brackets := make([]storage.Bracket, 0, len(players)/2)
	err := o.store.WithMatchLock(ctx, func(tx *storage.MatchTx) error {
		for i := 0; i < len(players); i += 2 {
			p1, p2 := players[i], players[i+1]
			roomID := uuid.NewString()
			if err := tx.InsertRoom(ctx, storage.Room{ID: roomID, Status: storage.RoomPending}); err != nil {
				return err
			}
			if err := tx.AddPlayer(ctx, roomID, storage.RoomPlayer{
				PlayerID: p1.ID, ProfileID: p1.ID, Name: p1.Name, Elo: p1.Elo, Seat: 1,
			}); err != nil {
				return err
			}
			if err := tx.AddPlayer(ctx, roomID, storage.RoomPlayer{
				PlayerID: p2.ID, ProfileID: p2.ID, Name: p2.Name, Elo: p2.Elo, Seat: 2,
			}); err != nil {
				return err
			}
			brackets = append(brackets, storage.Bracket{
				ID:           uuid.NewString(),
				TournamentID: tournamentID,
				Round:        round,
				Player1ID:    p1.ID,
				Player2ID:    p2.ID,
				RoomID:       roomID,
				Status:       storage.BracketPending,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.store.InsertBrackets(ctx, brackets); err != nil {
		return err
	}

	o.rounds[tournamentID] = round
	o.armStartCheck(tournamentID, round)
	o.logger.Info("round prepared", "tournament", tournamentID, "round", round, "brackets", len(brackets))
	o.notifier.RoundReady(tournamentID, round, brackets)
	return nil
}

// advanceIfRoundDone moves to the next round once every bracket in the
// current one has finished. A single winner ends the tournament; zero or
// an odd number of winners cancels it.
func (o *Orchestrator) advanceIfRoundDone(ctx context.Context, tournamentID string, round int) error {
	brackets, err := o.store.BracketsByRound(ctx, tournamentID, round)
	if err != nil {
		return err
	}
	var winners []string
	for _, b := range brackets {
		if b.Status != storage.BracketFinished {
			return nil
		}
		if b.WinnerID != "" {
			winners = append(winners, b.WinnerID)
		}
	}

	o.stopStartCheck(tournamentID)

	if len(winners) == 1 && len(brackets) == 1 {
		return o.finishLocked(ctx, tournamentID, winners[0])
	}
	if len(winners) == 0 || len(winners)%2 != 0 {
		return o.cancelLocked(ctx, tournamentID)
	}

	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	byID := make(map[string]storage.TournamentPlayer, len(t.Players))
	for _, p := range t.Players {
		byID[p.PlayerID] = p
	}
	next := make([]Player, 0, len(winners))
	for _, id := range winners {
		p := byID[id]
		next = append(next, Player{ID: id, Name: p.Name, Elo: p.Elo})
	}
	return o.prepareRound(ctx, tournamentID, round+1, next)
}

func (o *Orchestrator) finishLocked(ctx context.Context, tournamentID, winnerID string) error {
	if err := o.store.SetTournamentStatus(ctx, tournamentID, storage.TournamentFinished, winnerID); err != nil {
		return err
	}
	o.stopStartCheck(tournamentID)
	delete(o.rounds, tournamentID)
	o.logger.Info("tournament finished", "tournament", tournamentID, "winner", winnerID)
	o.notifier.Finished(tournamentID, winnerID)
	return nil
}

func (o *Orchestrator) cancelLocked(ctx context.Context, tournamentID string) error {
	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.Status == storage.TournamentFinished || t.Status == storage.TournamentCancelled {
		return nil
	}
	if err := o.store.SetTournamentStatus(ctx, tournamentID, storage.TournamentCancelled, ""); err != nil {
		return err
	}
	o.stopStartCheck(tournamentID)
	if round := o.rounds[tournamentID]; round > 0 {
		o.closeOpenRooms(ctx, tournamentID, round)
	}
	delete(o.rounds, tournamentID)
	o.logger.Info("tournament cancelled", "tournament", tournamentID)
	o.notifier.Cancelled(tournamentID)
	return nil
}

// closeOpenRooms closes every unfinished bracket of a round: the room is
// marked Closed, the bracket finished with no winner, and any live match
// in it is stopped.
func (o *Orchestrator) closeOpenRooms(ctx context.Context, tournamentID string, round int) {
	brackets, err := o.store.BracketsByRound(ctx, tournamentID, round)
	if err != nil {
		o.logger.Error("cannot load round for teardown", "tournament", tournamentID, "err", err)
		return
	}
	for _, b := range brackets {
		if b.Status == storage.BracketFinished {
			continue
		}
		if err := o.store.SetBracketWinner(ctx, b.ID, ""); err != nil {
			o.logger.Error("cannot finish bracket", "bracket", b.ID, "err", err)
		}
		if b.RoomID == "" {
			continue
		}
		if err := o.store.SetRoomStatus(ctx, b.RoomID, storage.RoomClosed); err != nil {
			o.logger.Error("cannot close bracket room", "room", b.RoomID, "err", err)
		}
		if o.closeRoom != nil {
			o.closeRoom(b.RoomID)
		}
	}
}

func (o *Orchestrator) armStartCheck(tournamentID string, round int) {
	o.stopStartCheck(tournamentID)
	o.timers[tournamentID] = time.AfterFunc(o.startCheck, func() {
		o.checkRoundStarted(tournamentID, round)
	})
}

func (o *Orchestrator) stopStartCheck(tournamentID string) {
	if timer, ok := o.timers[tournamentID]; ok {
		timer.Stop()
		delete(o.timers, tournamentID)
	}
}

// checkRoundStarted runs when the start-check timer fires: a pairing
// whose match never began means the round can no longer complete, so the
// whole tournament is cancelled and its started rooms are torn down.
func (o *Orchestrator) checkRoundStarted(tournamentID string, round int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx := context.Background()

	brackets, err := o.store.BracketsByRound(ctx, tournamentID, round)
	if err != nil {
		o.logger.Error("start check failed", "tournament", tournamentID, "err", err)
		return
	}
	for _, b := range brackets {
		if b.Status != storage.BracketPending {
			continue
		}
		o.logger.Warn("bracket never started, cancelling tournament",
			"tournament", tournamentID, "round", round, "bracket", b.ID)
		if err := o.cancelLocked(ctx, tournamentID); err != nil {
			o.logger.Error("cannot cancel after start check", "tournament", tournamentID, "err", err)
		}
		return
	}
}
