package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/matchmaking"
	"github.com/vovakirdan/pong-arena/internal/storage"
	"github.com/vovakirdan/pong-arena/internal/tournament"
)

// RatingService computes the rating delta applied to ranked results.
// Rating storage is owned by an external service.
type RatingService = match.Rater

// NopRating reports no rating change.
type NopRating struct{}

// Change implements RatingService.
func (NopRating) Change(_, _ match.PlayerInfo) int { return 0 }

// Server is the WebSocket gateway. It owns the HTTP routes and the
// wiring between matchmaking, the match registry, tournaments and the
// store.
type Server struct {
	logger      *log.Logger
	store       *storage.Store
	registry    *match.Registry
	matchmaker  *matchmaking.Matchmaker
	tournaments *tournament.Orchestrator
	tick        time.Duration
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	watchers map[string]map[*wsSession]struct{} // tournament id -> sessions
}

// New creates the gateway and installs its sinks on the registry and
// orchestrator.
func New(logger *log.Logger, store *storage.Store, registry *match.Registry,
	matchmaker *matchmaking.Matchmaker, tournaments *tournament.Orchestrator,
	tick time.Duration) *Server {
	if tick <= 0 {
		tick = time.Second / 60
	}
	s := &Server{
		logger:      logger,
		store:       store,
		registry:    registry,
		matchmaker:  matchmaker,
		tournaments: tournaments,
		tick:        tick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		watchers: make(map[string]map[*wsSession]struct{}),
	}
	registry.SetStartSink(s.onMatchStarted)
	registry.SetResultSink(s.onMatchEnded)
	return s
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/matchmaking", s.handleMatchmaking)
	mux.HandleFunc("GET /ws/game/{roomID}", s.handleGame)
	mux.HandleFunc("GET /ws/tournament", s.handleTournamentCreate)
	mux.HandleFunc("GET /ws/tournament/{tournamentID}", s.handleTournamentJoin)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Notifier returns the tournament notifier that fans events out to
// connected watchers.
func (s *Server) Notifier() tournament.Notifier { return (*tournamentNotifier)(s) }

// CloseRoom stops the live match in a room, if one is running. The
// orchestrator calls this when a cancellation closes a round's rooms.
func (s *Server) CloseRoom(roomID string) {
	s.registry.Close(match.RoomID(roomID))
}

// onMatchStarted marks the room ongoing and informs the tournament the
// bracket is underway.
func (s *Server) onMatchStarted(roomID match.RoomID) {
	ctx := context.Background()
	if err := s.store.SetRoomStatus(ctx, string(roomID), storage.RoomOngoing); err != nil {
		s.logger.Error("cannot mark room ongoing", "room", roomID, "err", err)
	}
	s.tournaments.OnMatchStarted(ctx, string(roomID))
}

// onMatchEnded persists the result, closes the room, and advances any
// tournament the room belongs to. Runs on the lifecycle goroutine, so
// the slow parts are fire and forget.
func (s *Server) onMatchEnded(res match.Result) {
	go func() {
		ctx := context.Background()

		rec := storage.MatchResult{
			RoomID:       string(res.RoomID),
			WinnerScore:  res.WinnerScore,
			LoserScore:   res.LoserScore,
			Reason:       res.Reason.String(),
			Ranked:       res.Ranked,
			EloChange:    res.EloChange,
			DurationSecs: int(time.Duration(res.Ticks) * s.tick / time.Second),
		}
		var winnerID string
		if res.Winner != nil {
			winnerID = string(res.Winner.ID)
			rec.WinnerID = winnerID
		}
		if res.Loser != nil {
			rec.LoserID = string(res.Loser.ID)
		}
		if _, err := s.store.SaveMatchResult(ctx, rec); err != nil {
			s.logger.Error("cannot save match result", "room", res.RoomID, "err", err)
		}
		if err := s.store.SetRoomStatus(ctx, string(res.RoomID), storage.RoomClosed); err != nil {
			s.logger.Error("cannot close room", "room", res.RoomID, "err", err)
		}
		s.tournaments.OnMatchFinished(ctx, string(res.RoomID), winnerID)
	}()
}

// handleMatchmaking runs one search connection. Settings arrive as query
// parameters; the connection stays open until the match is found, the
// search is cancelled, or the client leaves.
func (s *Server) handleMatchmaking(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn, s.logger)

	player, ok := playerFromQuery(r)
	if !ok {
		sess.closeWith(CloseBadData, "missing player identity")
		return
	}
	req, ok := requestFromQuery(r)
	if !ok {
		sess.closeWith(CloseBadData, "malformed settings")
		return
	}

	ticket, err := s.matchmaker.Connect(r.Context(), player, req, mmConn{s: sess})
	switch {
	case errors.Is(err, matchmaking.ErrAlreadyInMatch):
		sess.closeWith(CloseAlreadyInGame, "already in an ongoing match")
		return
	case err != nil:
		sess.closeWith(CloseBadData, err.Error())
		return
	}

	if ticket.Matched {
		// The waiter was notified by the matchmaker; tell the joiner too.
		ev := matchmaking.GameFoundEvent{RoomID: ticket.RoomID, Settings: ticket.Settings}
		if ticket.Opponent != nil {
			ev.Opponent = *ticket.Opponent
		}
		mmConn{s: sess}.Send(ev)
	}

	go sess.readPump(func(msg clientMessage) error {
		if _, ok := msg.(cancelMessage); ok {
			if err := s.matchmaker.Cancel(context.Background(), player.ID, ticket.RoomID); err != nil {
				s.logger.Error("cancel failed", "room", ticket.RoomID, "err", err)
			}
			sess.closeWith(CloseCancelled, "search cancelled")
		}
		return nil
	})

	<-sess.Done()
	if err := s.matchmaker.Disconnect(context.Background(), player.ID, ticket.RoomID); err != nil {
		s.logger.Error("matchmaking disconnect failed", "room", ticket.RoomID, "err", err)
	}
}

// handleGame attaches a player to their room's match. Players not seated
// in the room are rejected with IllegalConnection and nothing reaches
// the match.
func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn, s.logger)

	player, ok := playerFromQuery(r)
	if !ok {
		sess.closeWith(CloseBadData, "missing player identity")
		return
	}

	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		sess.closeWith(CloseIllegalConnection, "unknown room")
		return
	}
	var seated *storage.RoomPlayer
	for i := range room.Players {
		if room.Players[i].PlayerID == player.ID {
			seated = &room.Players[i]
			break
		}
	}
	if seated == nil || room.Status == storage.RoomClosed {
		sess.closeWith(CloseIllegalConnection, "not a member of this room")
		return
	}

	settings := matchmaking.Resolve(room, matchmaking.Request{})
	info := match.PlayerInfo{
		ID:        match.PlayerID(seated.PlayerID),
		ProfileID: seated.ProfileID,
		Name:      seated.Name,
		Elo:       seated.Elo,
	}
	if err := s.registry.Attach(match.RoomID(roomID), settings.MatchSettings(roomSeed(roomID)), info, matchConn{s: sess}); err != nil {
		sess.closeWith(CloseIllegalConnection, "match already over")
		return
	}

	go sess.readPump(func(msg clientMessage) error {
		switch m := msg.(type) {
		case inputMessage:
			s.registry.Input(match.RoomID(roomID), info.ID, m.Action, m.Pressed)
		case cancelMessage:
			sess.closeWith(CloseNormal, "left the game")
		}
		return nil
	})

	<-sess.Done()
	s.registry.Detach(match.RoomID(roomID), info.ID)
}

// handleTournamentCreate opens a tournament and keeps the creator's
// connection as a watcher.
func (s *Server) handleTournamentCreate(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn, s.logger)

	player, ok := playerFromQuery(r)
	if !ok {
		sess.closeWith(CloseBadData, "missing player identity")
		return
	}
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil {
		sess.closeWith(CloseBadData, "malformed size")
		return
	}

	entrant := tournament.Player{ID: player.ID, Name: player.Name, Elo: player.Elo}
	tour, err := s.tournaments.Create(r.Context(), entrant, size)
	if err != nil {
		sess.closeWith(CloseBadData, err.Error())
		return
	}
	if frame, err := encodeTournamentCreated(tour.ID, tour.Size); err == nil {
		sess.send(frame)
	}
	s.watchTournament(tour.ID, sess, player.ID, true)
}

// handleTournamentJoin registers a player into an open tournament and
// keeps the connection as a watcher.
func (s *Server) handleTournamentJoin(w http.ResponseWriter, r *http.Request) {
	tournamentID := r.PathValue("tournamentID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn, s.logger)

	player, ok := playerFromQuery(r)
	if !ok {
		sess.closeWith(CloseBadData, "missing player identity")
		return
	}

	entrant := tournament.Player{ID: player.ID, Name: player.Name, Elo: player.Elo}
	err = s.tournaments.Register(r.Context(), tournamentID, entrant)
	switch {
	case errors.Is(err, tournament.ErrAlreadyRegistered):
		// Reconnecting watcher, keep the slot.
	case errors.Is(err, tournament.ErrNotRegistering), errors.Is(err, tournament.ErrFull):
		sess.closeWith(CloseIllegalConnection, err.Error())
		return
	case errors.Is(err, storage.ErrNotFound):
		sess.closeWith(CloseIllegalConnection, "unknown tournament")
		return
	case err != nil:
		sess.closeWith(CloseBadData, err.Error())
		return
	}
	tour, err := s.store.GetTournament(r.Context(), tournamentID)
	if err != nil {
		sess.closeWith(CloseIllegalConnection, "unknown tournament")
		return
	}
	s.watchTournament(tournamentID, sess, player.ID, tour.CreatorID == player.ID)
}

// watchTournament parks the session as a tournament watcher until it
// closes, then frees the slot if registration is still open. The
// creator's cancel frame tears the whole tournament down.
func (s *Server) watchTournament(tournamentID string, sess *wsSession, playerID string, creator bool) {
	s.mu.Lock()
	if s.watchers[tournamentID] == nil {
		s.watchers[tournamentID] = make(map[*wsSession]struct{})
	}
	s.watchers[tournamentID][sess] = struct{}{}
	s.mu.Unlock()

	go sess.readPump(func(msg clientMessage) error {
		if _, ok := msg.(cancelMessage); ok {
			if creator {
				if err := s.tournaments.Cancel(context.Background(), tournamentID); err != nil {
					s.logger.Error("tournament cancel failed", "tournament", tournamentID, "err", err)
				}
			}
			sess.closeWith(CloseCancelled, "left the tournament")
		}
		return nil
	})

	<-sess.Done()

	s.mu.Lock()
	if set := s.watchers[tournamentID]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.watchers, tournamentID)
		}
	}
	s.mu.Unlock()

	// Leaving during registration frees the slot; mid-tournament the
	// match lifecycle handles absence.
	err := s.tournaments.Unregister(context.Background(), tournamentID, playerID)
	if err != nil && !errors.Is(err, tournament.ErrNotRegistering) && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("tournament unregister failed", "tournament", tournamentID, "err", err)
	}
}

func (s *Server) broadcastTournament(tournamentID string, frame []byte) {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.watchers[tournamentID]))
	for sess := range s.watchers[tournamentID] {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.send(frame)
	}
}

// tournamentNotifier adapts the server to the orchestrator's Notifier.
type tournamentNotifier Server

func (n *tournamentNotifier) RoundReady(tournamentID string, round int, brackets []storage.Bracket) {
	s := (*Server)(n)
	frame, err := encodeRoundReady(tournamentID, round, brackets)
	if err != nil {
		s.logger.Error("cannot encode round", "tournament", tournamentID, "err", err)
		return
	}
	s.broadcastTournament(tournamentID, frame)
}

func (n *tournamentNotifier) Finished(tournamentID, winnerID string) {
	s := (*Server)(n)
	if frame, err := encodeTournamentFinished(tournamentID, winnerID); err == nil {
		s.broadcastTournament(tournamentID, frame)
	}
}

func (n *tournamentNotifier) Cancelled(tournamentID string) {
	s := (*Server)(n)
	if frame, err := encodeTournamentCancelled(tournamentID); err == nil {
		s.broadcastTournament(tournamentID, frame)
	}
}

// playerFromQuery extracts the player identity carried on every
// endpoint. Elo is optional and defaults to zero.
func playerFromQuery(r *http.Request) (matchmaking.Player, bool) {
	q := r.URL.Query()
	p := matchmaking.Player{
		ID:        q.Get("player_id"),
		ProfileID: q.Get("profile_id"),
		Name:      q.Get("name"),
	}
	if p.ID == "" || p.Name == "" {
		return matchmaking.Player{}, false
	}
	if p.ProfileID == "" {
		p.ProfileID = p.ID
	}
	if raw := q.Get("elo"); raw != "" {
		elo, err := strconv.Atoi(raw)
		if err != nil {
			return matchmaking.Player{}, false
		}
		p.Elo = elo
	}
	return p, true
}

// requestFromQuery parses the optional settings parameters. Absent
// parameters stay nil; malformed values reject the request.
func requestFromQuery(r *http.Request) (matchmaking.Request, bool) {
	q := r.URL.Query()
	var req matchmaking.Request

	if raw := q.Get("game_speed"); raw != "" {
		req.Speed = &raw
	}
	if raw := q.Get("score_to_win"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return matchmaking.Request{}, false
		}
		req.ScoreToWin = &v
	}
	if raw := q.Get("time_limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return matchmaking.Request{}, false
		}
		req.TimeLimit = &v
	}
	if raw := q.Get("ranked"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return matchmaking.Request{}, false
		}
		req.Ranked = &v
	}
	if raw := q.Get("cool_mode"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return matchmaking.Request{}, false
		}
		req.CoolMode = &v
	}
	return req, true
}

// roomSeed derives a stable simulation seed from the room id so both
// players attach with the same one.
func roomSeed(roomID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(roomID))
	return int64(h.Sum64())
}
