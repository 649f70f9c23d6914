package gateway

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/matchmaking"
	"github.com/vovakirdan/pong-arena/internal/storage"
	"github.com/vovakirdan/pong-arena/internal/tournament"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()
	logger := log.New(io.Discard)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	timing := match.Timing{
		TickInterval:   5 * time.Millisecond,
		WaitingGrace:   2 * time.Second,
		ReconnectGrace: 2 * time.Second,
	}
	registry := match.NewRegistry(timing, logger, NopRating{})
	matchmaker := matchmaking.New(store, logger)
	tournaments := tournament.New(store, logger, nil, time.Minute, 42)

	gw := New(logger, store, registry, matchmaker, tournaments, timing.TickInterval)
	tournaments.SetNotifier(gw.Notifier())
	tournaments.SetRoomCloser(gw.CloseRoom)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		registry.Shutdown()
	})
	return srv, store
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one matches the wanted event name.
func readEvent(t *testing.T, conn *websocket.Conn, want string) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("non-envelope frame %q: %v", data, err)
		}
		if env.Event == want {
			return env
		}
	}
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, wantCode) {
			t.Fatalf("close error = %v, want code %d", err, wantCode)
		}
		return
	}
}

func TestMatchmakingPairsTwoClients(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice")
	c2 := dial(t, srv, "/ws/matchmaking?player_id=p2&name=bob")

	env1 := readEvent(t, c1, evGameFound)
	env2 := readEvent(t, c2, evGameFound)

	var f1, f2 gameFoundPayload
	if err := json.Unmarshal(env1.Data, &f1); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if err := json.Unmarshal(env2.Data, &f2); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if f1.RoomID == "" || f1.RoomID != f2.RoomID {
		t.Fatalf("room ids %q vs %q, want one shared room", f1.RoomID, f2.RoomID)
	}
	if f1.Settings.Speed != matchmaking.DefaultSpeed {
		t.Errorf("speed = %q, want default %q", f1.Settings.Speed, matchmaking.DefaultSpeed)
	}
	if f1.Opponent.ID != "p2" || f2.Opponent.ID != "p1" {
		t.Errorf("opponents = %q / %q, want p2 / p1", f1.Opponent.ID, f2.Opponent.ID)
	}
}

func TestGameFlowStartsAndStreamsState(t *testing.T) {
	srv, _ := newTestServer(t)

	m1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice")
	dial(t, srv, "/ws/matchmaking?player_id=p2&name=bob")

	env := readEvent(t, m1, evGameFound)
	var found gameFoundPayload
	if err := json.Unmarshal(env.Data, &found); err != nil {
		t.Fatalf("payload decode: %v", err)
	}

	g1 := dial(t, srv, "/ws/game/"+found.RoomID+"?player_id=p1&name=alice")
	g2 := dial(t, srv, "/ws/game/"+found.RoomID+"?player_id=p2&name=bob")

	readEvent(t, g1, evGameStarted)
	readEvent(t, g2, evGameStarted)

	// Inputs are accepted and state keeps streaming.
	input := `{"event":"player_inputed","data":{"action":"move_left","content":true}}`
	if err := g1.WriteMessage(websocket.TextMessage, []byte(input)); err != nil {
		t.Fatalf("send input: %v", err)
	}
	readEvent(t, g1, evStateUpdated)
	readEvent(t, g2, evStateUpdated)
}

func TestGameRejectsNonMember(t *testing.T) {
	srv, _ := newTestServer(t)

	m1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice")
	dial(t, srv, "/ws/matchmaking?player_id=p2&name=bob")
	env := readEvent(t, m1, evGameFound)
	var found gameFoundPayload
	if err := json.Unmarshal(env.Data, &found); err != nil {
		t.Fatalf("payload decode: %v", err)
	}

	intruder := dial(t, srv, "/ws/game/"+found.RoomID+"?player_id=p9&name=mallory")
	expectClose(t, intruder, CloseIllegalConnection)
}

func TestGameRejectsUnknownRoom(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/game/room-404?player_id=p1&name=alice")
	expectClose(t, conn, CloseIllegalConnection)
}

func TestBadFrameClosesWithBadData(t *testing.T) {
	srv, _ := newTestServer(t)

	m1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice")
	dial(t, srv, "/ws/matchmaking?player_id=p2&name=bob")
	env := readEvent(t, m1, evGameFound)
	var found gameFoundPayload
	if err := json.Unmarshal(env.Data, &found); err != nil {
		t.Fatalf("payload decode: %v", err)
	}

	g1 := dial(t, srv, "/ws/game/"+found.RoomID+"?player_id=p1&name=alice")
	readEvent(t, g1, evGameStarted)

	if err := g1.WriteMessage(websocket.TextMessage, []byte(`{"event":"teleport"}`)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	expectClose(t, g1, CloseBadData)
}

func TestMatchmakingRejectsBadSettings(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice&score_to_win=banana")
	expectClose(t, conn, CloseBadData)
}

func TestMatchmakingRejectsMissingIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/matchmaking")
	expectClose(t, conn, CloseBadData)
}

func TestMatchmakingCancelClosesRoom(t *testing.T) {
	srv, store := newTestServer(t)

	c1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice")
	// The ticket races the cancel frame; give the server a beat to seat us.
	time.Sleep(100 * time.Millisecond)

	if err := c1.WriteMessage(websocket.TextMessage, []byte(`{"event":"cancel"}`)); err != nil {
		t.Fatalf("send cancel: %v", err)
	}
	expectClose(t, c1, CloseCancelled)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rooms, err := store.FindPendingRooms(t.Context())
		if err != nil {
			t.Fatalf("FindPendingRooms() failed: %v", err)
		}
		if len(rooms) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("pending room survived cancellation")
}

func TestTournamentFillStartsRoundOne(t *testing.T) {
	srv, store := newTestServer(t)

	creator := dial(t, srv, "/ws/tournament?player_id=p1&name=alice&size=4")
	env := readEvent(t, creator, evTournamentCreated)
	var created tournamentCreatedPayload
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if created.TournamentID == "" || created.Size != 4 {
		t.Fatalf("created payload = %+v, want size 4 with an id", created)
	}

	for i := 2; i <= 4; i++ {
		dial(t, srv, "/ws/tournament/"+created.TournamentID+
			"?player_id=p"+string(rune('0'+i))+"&name=player"+string(rune('0'+i)))
	}

	env = readEvent(t, creator, evRoundReady)
	var round roundReadyPayload
	if err := json.Unmarshal(env.Data, &round); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if round.Round != 1 || len(round.Brackets) != 2 {
		t.Fatalf("round payload = %+v, want round 1 with 2 brackets", round)
	}

	// Each pairing has a pre-seated room in the store.
	for _, b := range round.Brackets {
		room, err := store.GetRoom(t.Context(), b.RoomID)
		if err != nil {
			t.Fatalf("GetRoom(%s) failed: %v", b.RoomID, err)
		}
		if len(room.Players) != 2 {
			t.Errorf("bracket room %s has %d seats, want 2", b.RoomID, len(room.Players))
		}
	}
}

func TestMatchmakingHonorsGameSpeedParam(t *testing.T) {
	srv, _ := newTestServer(t)

	c1 := dial(t, srv, "/ws/matchmaking?player_id=p1&name=alice&game_speed=fast")
	dial(t, srv, "/ws/matchmaking?player_id=p2&name=bob&game_speed=fast")

	env := readEvent(t, c1, evGameFound)
	var found gameFoundPayload
	if err := json.Unmarshal(env.Data, &found); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if found.Settings.Speed != "fast" {
		t.Errorf("speed = %q, want fast", found.Settings.Speed)
	}
}

func TestTournamentCreatorCancelClosesRooms(t *testing.T) {
	srv, store := newTestServer(t)

	creator := dial(t, srv, "/ws/tournament?player_id=p1&name=alice&size=4")
	env := readEvent(t, creator, evTournamentCreated)
	var created tournamentCreatedPayload
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("payload decode: %v", err)
	}

	watcher := dial(t, srv, "/ws/tournament/"+created.TournamentID+"?player_id=p2&name=bob")
	for i := 3; i <= 4; i++ {
		dial(t, srv, "/ws/tournament/"+created.TournamentID+
			"?player_id=p"+string(rune('0'+i))+"&name=player"+string(rune('0'+i)))
	}

	env = readEvent(t, creator, evRoundReady)
	var round roundReadyPayload
	if err := json.Unmarshal(env.Data, &round); err != nil {
		t.Fatalf("payload decode: %v", err)
	}

	if err := creator.WriteMessage(websocket.TextMessage, []byte(`{"event":"cancel"}`)); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	readEvent(t, watcher, evTournamentCancelled)

	tour, err := store.GetTournament(t.Context(), created.TournamentID)
	if err != nil {
		t.Fatalf("GetTournament() failed: %v", err)
	}
	if tour.Status != storage.TournamentCancelled {
		t.Errorf("status = %q, want cancelled", tour.Status)
	}
	for _, b := range round.Brackets {
		room, err := store.GetRoom(t.Context(), b.RoomID)
		if err != nil {
			t.Fatalf("GetRoom(%s) failed: %v", b.RoomID, err)
		}
		if room.Status != storage.RoomClosed {
			t.Errorf("room %s status = %q, want closed", b.RoomID, room.Status)
		}
	}
}

func TestTournamentRejectsBadSize(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/tournament?player_id=p1&name=alice&size=5")
	expectClose(t, conn, CloseBadData)
}
