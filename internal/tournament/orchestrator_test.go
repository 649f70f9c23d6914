package tournament

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/pong-arena/internal/storage"
)

type recordingNotifier struct {
	rounds    chan []storage.Bracket
	finished  chan string
	cancelled chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		rounds:    make(chan []storage.Bracket, 8),
		finished:  make(chan string, 1),
		cancelled: make(chan string, 1),
	}
}

func (n *recordingNotifier) RoundReady(_ string, _ int, brackets []storage.Bracket) {
	n.rounds <- brackets
}
func (n *recordingNotifier) Finished(_, winnerID string)   { n.finished <- winnerID }
func (n *recordingNotifier) Cancelled(tournamentID string) { n.cancelled <- tournamentID }

func newTestOrchestrator(t *testing.T, startCheck time.Duration) (*Orchestrator, *storage.Store, *recordingNotifier) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	notifier := newRecordingNotifier()
	return New(store, log.New(io.Discard), notifier, startCheck, 42), store, notifier
}

func entrant(n int) Player {
	return Player{ID: fmt.Sprintf("p%d", n), Name: fmt.Sprintf("player%d", n), Elo: 1000}
}

func fillTournament(t *testing.T, o *Orchestrator, size int) storage.Tournament {
	t.Helper()
	ctx := context.Background()
	tour, err := o.Create(ctx, entrant(1), size)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 2; i <= size; i++ {
		if err := o.Register(ctx, tour.ID, entrant(i)); err != nil {
			t.Fatalf("Register p%d: %v", i, err)
		}
	}
	return tour
}

func awaitRound(t *testing.T, n *recordingNotifier) []storage.Bracket {
	t.Helper()
	select {
	case brackets := <-n.rounds:
		return brackets
	case <-time.After(5 * time.Second):
		t.Fatal("round never prepared")
		return nil
	}
}

func TestCreateRejectsUnsupportedSize(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, time.Minute)
	if _, err := o.Create(context.Background(), entrant(1), 6); err == nil {
		t.Fatal("size 6 must be rejected")
	}
}

func TestLastRegistrationStartsRoundOne(t *testing.T) {
	o, store, notifier := newTestOrchestrator(t, time.Minute)
	tour := fillTournament(t, o, SizeSmall)

	brackets := awaitRound(t, notifier)
	if len(brackets) != 2 {
		t.Fatalf("round 1 has %d brackets, want 2", len(brackets))
	}

	// Each registered player appears in exactly one pairing.
	seen := make(map[string]int)
	for _, b := range brackets {
		seen[b.Player1ID]++
		seen[b.Player2ID]++
		if b.RoomID == "" {
			t.Errorf("bracket %s has no room", b.ID)
		}
	}
	for i := 1; i <= SizeSmall; i++ {
		if seen[entrant(i).ID] != 1 {
			t.Errorf("player p%d appears %d times, want exactly once", i, seen[entrant(i).ID])
		}
	}

	got, err := store.GetTournament(context.Background(), tour.ID)
	if err != nil {
		t.Fatalf("GetTournament() failed: %v", err)
	}
	if got.Status != storage.TournamentOngoing {
		t.Errorf("status = %q, want ongoing", got.Status)
	}

	// Each pairing's room exists with both players seated.
	room, err := store.GetRoom(context.Background(), brackets[0].RoomID)
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if len(room.Players) != 2 {
		t.Errorf("bracket room has %d seats, want 2", len(room.Players))
	}
}

func TestRegistrationGuards(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, time.Minute)
	ctx := context.Background()

	tour, err := o.Create(ctx, entrant(1), SizeSmall)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := o.Register(ctx, tour.ID, entrant(1)); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate registration = %v, want ErrAlreadyRegistered", err)
	}

	for i := 2; i <= SizeSmall; i++ {
		if err := o.Register(ctx, tour.ID, entrant(i)); err != nil {
			t.Fatalf("Register p%d: %v", i, err)
		}
	}
	if err := o.Register(ctx, tour.ID, entrant(9)); !errors.Is(err, ErrNotRegistering) {
		t.Errorf("registration after start = %v, want ErrNotRegistering", err)
	}
}

func TestUnregisterLastPlayerCancels(t *testing.T) {
	o, store, notifier := newTestOrchestrator(t, time.Minute)
	ctx := context.Background()

	tour, err := o.Create(ctx, entrant(1), SizeSmall)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := o.Unregister(ctx, tour.ID, entrant(1).ID); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	select {
	case <-notifier.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never notified")
	}
	got, _ := store.GetTournament(ctx, tour.ID)
	if got.Status != storage.TournamentCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestFullRunCrownsOneChampion(t *testing.T) {
	o, store, notifier := newTestOrchestrator(t, time.Minute)
	ctx := context.Background()
	tour := fillTournament(t, o, SizeSmall)

	// Round 1: player 1 of each pairing wins.
	round1 := awaitRound(t, notifier)
	for _, b := range round1 {
		o.OnMatchStarted(ctx, b.RoomID)
		o.OnMatchFinished(ctx, b.RoomID, b.Player1ID)
	}

	// Final: one bracket of the two round-1 winners.
	final := awaitRound(t, notifier)
	if len(final) != 1 {
		t.Fatalf("final round has %d brackets, want 1", len(final))
	}
	winners := map[string]bool{round1[0].Player1ID: true, round1[1].Player1ID: true}
	if !winners[final[0].Player1ID] || !winners[final[0].Player2ID] {
		t.Errorf("final pairing %s vs %s does not match round-1 winners",
			final[0].Player1ID, final[0].Player2ID)
	}

	o.OnMatchStarted(ctx, final[0].RoomID)
	o.OnMatchFinished(ctx, final[0].RoomID, final[0].Player2ID)

	select {
	case champion := <-notifier.finished:
		if champion != final[0].Player2ID {
			t.Errorf("champion = %s, want %s", champion, final[0].Player2ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tournament never finished")
	}

	got, _ := store.GetTournament(ctx, tour.ID)
	if got.Status != storage.TournamentFinished || got.WinnerID != final[0].Player2ID {
		t.Errorf("tournament = %+v, want finished with winner %s", got, final[0].Player2ID)
	}
}

func TestUnstartedBracketCancelsTournament(t *testing.T) {
	o, store, notifier := newTestOrchestrator(t, 50*time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	var stopped []string
	o.SetRoomCloser(func(roomID string) {
		mu.Lock()
		stopped = append(stopped, roomID)
		mu.Unlock()
	})

	tour := fillTournament(t, o, SizeSmall)
	round1 := awaitRound(t, notifier)

	// Only the first pairing shows up; its match is still running when
	// the start check fires, and the second never begins.
	o.OnMatchStarted(ctx, round1[0].RoomID)

	select {
	case <-notifier.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("tournament was never cancelled after the start check")
	}

	got, _ := store.GetTournament(ctx, tour.ID)
	if got.Status != storage.TournamentCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	brackets, _ := store.BracketsByRound(ctx, tour.ID, 1)
	for _, b := range brackets {
		if b.Status != storage.BracketFinished {
			t.Errorf("bracket %s status = %q, want finished", b.ID, b.Status)
		}
		room, err := store.GetRoom(ctx, b.RoomID)
		if err != nil {
			t.Fatalf("GetRoom(%s) failed: %v", b.RoomID, err)
		}
		if room.Status != storage.RoomClosed {
			t.Errorf("room %s status = %q, want closed", b.RoomID, room.Status)
		}
	}

	// The running match was stopped, not left to play out.
	mu.Lock()
	defer mu.Unlock()
	var sawStarted bool
	for _, id := range stopped {
		if id == round1[0].RoomID {
			sawStarted = true
		}
	}
	if !sawStarted {
		t.Errorf("stopped rooms = %v, want %s among them", stopped, round1[0].RoomID)
	}
}

func TestCancelOngoingClosesOpenRooms(t *testing.T) {
	o, store, notifier := newTestOrchestrator(t, time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	var stopped []string
	o.SetRoomCloser(func(roomID string) {
		mu.Lock()
		stopped = append(stopped, roomID)
		mu.Unlock()
	})

	tour := fillTournament(t, o, SizeSmall)
	round1 := awaitRound(t, notifier)
	for _, b := range round1 {
		o.OnMatchStarted(ctx, b.RoomID)
	}

	if err := o.Cancel(ctx, tour.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-notifier.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never notified")
	}

	mu.Lock()
	stoppedCount := len(stopped)
	mu.Unlock()
	if stoppedCount != len(round1) {
		t.Errorf("stopped %d rooms, want %d", stoppedCount, len(round1))
	}
	for _, b := range round1 {
		room, err := store.GetRoom(ctx, b.RoomID)
		if err != nil {
			t.Fatalf("GetRoom(%s) failed: %v", b.RoomID, err)
		}
		if room.Status != storage.RoomClosed {
			t.Errorf("room %s status = %q, want closed", b.RoomID, room.Status)
		}
	}
}

func TestEightPlayerBracketShape(t *testing.T) {
	o, _, notifier := newTestOrchestrator(t, time.Minute)
	ctx := context.Background()
	fillTournament(t, o, SizeLarge)

	round1 := awaitRound(t, notifier)
	if len(round1) != 4 {
		t.Fatalf("round 1 has %d brackets, want 4", len(round1))
	}
	for _, b := range round1 {
		o.OnMatchStarted(ctx, b.RoomID)
		o.OnMatchFinished(ctx, b.RoomID, b.Player2ID)
	}

	round2 := awaitRound(t, notifier)
	if len(round2) != 2 {
		t.Fatalf("round 2 has %d brackets, want 2", len(round2))
	}
	for _, b := range round2 {
		o.OnMatchStarted(ctx, b.RoomID)
		o.OnMatchFinished(ctx, b.RoomID, b.Player1ID)
	}

	final := awaitRound(t, notifier)
	if len(final) != 1 {
		t.Fatalf("final round has %d brackets, want 1", len(final))
	}
}
