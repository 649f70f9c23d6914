package match

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/pong-arena/internal/sim"
)

func testTiming() Timing {
	return Timing{
		TickInterval:   2 * time.Millisecond,
		WaitingGrace:   150 * time.Millisecond,
		ReconnectGrace: 150 * time.Millisecond,
	}
}

func testSettings() Settings {
	return Settings{
		BallSpeed:  sim.SpeedFast,
		ScoreToWin: 5,
		Seed:       42,
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

type fakeConn struct {
	events chan Event
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

// awaitEvent drains the connection until an event satisfies the
// predicate or the timeout elapses.
func awaitEvent(t *testing.T, c *fakeConn, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func isType[T Event](ev Event) bool {
	_, ok := ev.(T)
	return ok
}

func newTestRegistry(results chan Result) *Registry {
	r := NewRegistry(testTiming(), testLogger(), nil)
	r.SetResultSink(func(res Result) {
		select {
		case results <- res:
		default:
		}
	})
	return r
}

var (
	alice = PlayerInfo{ID: "p1", ProfileID: "u1", Name: "alice", Elo: 1000}
	bob   = PlayerInfo{ID: "p2", ProfileID: "u2", Name: "bob", Elo: 1000}
)

func TestSecondPlayerStartsMatch(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1, c2 := newFakeConn(), newFakeConn()

	if err := reg.Attach("room-1", testSettings(), alice, c1); err != nil {
		t.Fatalf("Attach p1: %v", err)
	}
	lc, ok := reg.Get("room-1")
	if !ok {
		t.Fatal("lifecycle not registered")
	}
	if st := lc.State(); st != StatePending {
		t.Fatalf("state after one player = %v, want pending", st)
	}

	if err := reg.Attach("room-1", testSettings(), bob, c2); err != nil {
		t.Fatalf("Attach p2: %v", err)
	}

	awaitEvent(t, c1, "game_started", isType[GameStartedEvent])
	awaitEvent(t, c2, "game_started", isType[GameStartedEvent])
	awaitEvent(t, c1, "state_updated", isType[StateUpdatedEvent])

	if st := lc.State(); st != StateOngoing {
		t.Fatalf("state after both players = %v, want ongoing", st)
	}
	lc.Stop()
	<-lc.Done()
}

func TestWaitingGraceCancelsRoom(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1 := newFakeConn()

	if err := reg.Attach("room-1", testSettings(), alice, c1); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	awaitEvent(t, c1, "game_cancelled", isType[GameCancelledEvent])

	select {
	case res := <-results:
		if res.Reason != ReasonCancelled {
			t.Errorf("reason = %v, want cancelled", res.Reason)
		}
		if res.Winner != nil {
			t.Error("cancelled match must have no winner")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}

	if reg.Count() != 0 {
		t.Errorf("registry still holds %d matches after cancellation", reg.Count())
	}
}

func TestPauseAndReconnectRestoresOngoing(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1, c2 := newFakeConn(), newFakeConn()

	mustAttach(t, reg, "room-1", alice, c1)
	mustAttach(t, reg, "room-1", bob, c2)
	awaitEvent(t, c1, "game_started", isType[GameStartedEvent])

	lc, _ := reg.Get("room-1")

	reg.Detach("room-1", bob.ID)
	paused := awaitEvent(t, c1, "game_paused", isType[GamePausedEvent]).(GamePausedEvent)
	if paused.Name != bob.Name {
		t.Errorf("paused name = %q, want %q", paused.Name, bob.Name)
	}
	if paused.RemainingTime != testTiming().ReconnectGrace {
		t.Errorf("remaining time = %v, want %v", paused.RemainingTime, testTiming().ReconnectGrace)
	}
	if st := lc.State(); st != StatePaused {
		t.Fatalf("state after disconnect = %v, want paused", st)
	}

	// Reconnect within the window restores the match with scores intact.
	before := lastSnapshot(t, c1)
	c2b := newFakeConn()
	mustAttach(t, reg, "room-1", bob, c2b)
	awaitEvent(t, c1, "game_unpaused", isType[GameUnpausedEvent])
	after := awaitEvent(t, c1, "state_updated", isType[StateUpdatedEvent]).(StateUpdatedEvent)

	if st := lc.State(); st != StateOngoing {
		t.Fatalf("state after reconnect = %v, want ongoing", st)
	}
	if after.State.NorthScore < before.NorthScore || after.State.SouthScore < before.SouthScore {
		t.Error("scores regressed across pause/reconnect")
	}

	lc.Stop()
	<-lc.Done()
}

func TestReconnectTimeoutResignsMatch(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1, c2 := newFakeConn(), newFakeConn()

	mustAttach(t, reg, "room-1", alice, c1)
	mustAttach(t, reg, "room-1", bob, c2)
	awaitEvent(t, c1, "game_started", isType[GameStartedEvent])

	reg.Detach("room-1", bob.ID)
	ev := awaitEvent(t, c1, "player_resigned", isType[PlayerResignedEvent]).(PlayerResignedEvent)
	if ev.Winner.ID != alice.ID {
		t.Errorf("resignation winner = %s, want %s", ev.Winner.ID, alice.ID)
	}

	select {
	case res := <-results:
		if res.Reason != ReasonResignation {
			t.Errorf("reason = %v, want resignation", res.Reason)
		}
		if res.Winner == nil || res.Winner.ID != alice.ID {
			t.Errorf("result winner = %+v, want %s", res.Winner, alice.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}

	if reg.Count() != 0 {
		t.Errorf("registry still holds %d matches after resignation", reg.Count())
	}
}

func TestPendingDisconnectFreesSeatWithoutPenalty(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1 := newFakeConn()

	mustAttach(t, reg, "room-1", alice, c1)
	reg.Detach("room-1", alice.ID)

	// The waiting timer is still the only thing that ends the room.
	select {
	case res := <-results:
		if res.Reason != ReasonCancelled {
			t.Errorf("reason = %v, want cancelled", res.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting timeout never fired")
	}
}

func TestScoreToWinEndsMatch(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1, c2 := newFakeConn(), newFakeConn()

	settings := testSettings()
	settings.ScoreToWin = 3

	if err := reg.Attach("room-1", settings, alice, c1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := reg.Attach("room-1", settings, bob, c2); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	awaitEvent(t, c1, "game_started", isType[GameStartedEvent])

	// Park the north paddle (alice) against the left wall so bob scores.
	reg.Input("room-1", alice.ID, ActionMoveLeft, true)

	ev := awaitEvent(t, c2, "player_won", isType[PlayerWonEvent]).(PlayerWonEvent)
	if ev.WinnerScore != settings.ScoreToWin {
		t.Errorf("winner score = %d, want exactly %d", ev.WinnerScore, settings.ScoreToWin)
	}

	select {
	case res := <-results:
		if res.Reason != ReasonScore {
			t.Errorf("reason = %v, want score", res.Reason)
		}
		if res.WinnerScore != settings.ScoreToWin {
			t.Errorf("result winner score = %d, want %d (never exceeded)", res.WinnerScore, settings.ScoreToWin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}
}

func TestTimeLimitEndsMatchWithLeader(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1, c2 := newFakeConn(), newFakeConn()

	settings := testSettings()
	settings.TimeLimit = 40 * time.Millisecond

	mustAttach(t, reg, "room-1", alice, c1)
	mustAttach(t, reg, "room-1", bob, c2)
	awaitEvent(t, c1, "game_started", isType[GameStartedEvent])

	// Bob scores eventually; once the limit has elapsed the first lead ends it.
	reg.Input("room-1", alice.ID, ActionMoveLeft, true)

	select {
	case res := <-results:
		if res.Reason != ReasonTimeLimit && res.Reason != ReasonScore {
			t.Fatalf("reason = %v, want time_limit or score", res.Reason)
		}
		if res.Winner == nil {
			t.Fatal("time-limit result must carry a winner")
		}
		if res.WinnerScore <= res.LoserScore {
			t.Errorf("winner score %d not ahead of loser %d", res.WinnerScore, res.LoserScore)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("match never ended")
	}
}

func TestInputIgnoredUnlessOngoing(t *testing.T) {
	results := make(chan Result, 1)
	reg := newTestRegistry(results)
	c1 := newFakeConn()

	mustAttach(t, reg, "room-1", alice, c1)

	// Input while pending must be a no-op, not a crash.
	reg.Input("room-1", alice.ID, ActionMoveRight, true)
	reg.Input("room-404", alice.ID, ActionMoveRight, true)

	lc, _ := reg.Get("room-1")
	lc.Stop()
	<-lc.Done()
}

func mustAttach(t *testing.T, reg *Registry, room RoomID, p PlayerInfo, c Conn) {
	t.Helper()
	if err := reg.Attach(room, testSettings(), p, c); err != nil {
		t.Fatalf("Attach %s: %v", p.ID, err)
	}
}

// lastSnapshot drains the connection and returns the newest snapshot seen.
func lastSnapshot(t *testing.T, c *fakeConn) sim.Snapshot {
	t.Helper()
	var snap sim.Snapshot
	for {
		select {
		case ev := <-c.events:
			if s, ok := ev.(StateUpdatedEvent); ok {
				snap = s.State
			}
		default:
			return snap
		}
	}
}
