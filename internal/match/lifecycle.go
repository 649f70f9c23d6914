package match

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/pong-arena/internal/sim"
)

// State is the lifecycle state of one match.
type State int

const (
	StatePending State = iota // one seat filled, waiting timer running
	StateOngoing              // both seats filled, tick loop running
	StatePaused               // a player disconnected, reconnection window open
	StateEnded                // terminal, all tasks cancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOngoing:
		return "ongoing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason describes why a match ended.
type EndReason int

const (
	ReasonScore       EndReason = iota // score-to-win reached
	ReasonTimeLimit                    // time limit elapsed, higher score wins
	ReasonResignation                  // reconnection window expired
	ReasonCancelled                    // waiting grace expired or external teardown
)

func (r EndReason) String() string {
	switch r {
	case ReasonScore:
		return "score"
	case ReasonTimeLimit:
		return "time_limit"
	case ReasonResignation:
		return "resignation"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Settings are the resolved per-match parameters, produced by matchmaking.
type Settings struct {
	BallSpeed  float64 // one of the sim speed presets
	CoolMode   bool
	ScoreToWin int
	TimeLimit  time.Duration
	Ranked     bool
	Seed       int64
}

// Timing holds the engine intervals. Tests shorten these.
type Timing struct {
	TickInterval   time.Duration // default 1/60 s
	WaitingGrace   time.Duration // second player must join within this
	ReconnectGrace time.Duration // disconnected player must return within this
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		TickInterval:   time.Second / 60,
		WaitingGrace:   5 * time.Second,
		ReconnectGrace: 10 * time.Second,
	}
}

// Result is the terminal outcome reported to the registry's sink.
// Winner and Loser are nil when the match was cancelled before completion.
type Result struct {
	RoomID      RoomID
	Reason      EndReason
	Winner      *PlayerInfo
	Loser       *PlayerInfo
	WinnerScore int
	LoserScore  int
	Ranked      bool
	EloChange   int
	Ticks       uint64
}

// Rater computes the rating delta for a ranked result. Rating itself is
// owned by an external service; the default implementation reports 0.
type Rater interface {
	Change(winner, loser PlayerInfo) int
}

type noopRater struct{}

func (noopRater) Change(_, _ PlayerInfo) int { return 0 }

// seat is one player slot. nil entries in Lifecycle.seats are free.
type seat struct {
	info      PlayerInfo
	conn      Conn
	side      sim.Side
	connected bool
	reconnect *time.Timer // nil unless a reconnection window is open
}

// Lifecycle wraps one simulation with the per-match state machine.
// All mutable state is owned by the run goroutine; external callers go
// through the command mailbox, so there is exactly one writer.
type Lifecycle struct {
	id       RoomID
	settings Settings
	timing   Timing
	logger   *log.Logger
	rater    Rater

	game  *sim.Simulation
	seats [2]*seat

	stateMu sync.RWMutex
	state   State

	cmds     chan command
	done     chan struct{}
	doneOnce sync.Once

	waitTimer *time.Timer
	tickTimer *time.Timer

	onStart func(RoomID)
	onEnd   func(Result)
}

// NewLifecycle creates a lifecycle in Pending state. Run must be called
// on its own goroutine; the registry does this.
func NewLifecycle(id RoomID, settings Settings, timing Timing, logger *log.Logger, rater Rater, onStart func(RoomID), onEnd func(Result)) *Lifecycle {
	if settings.ScoreToWin <= 0 {
		settings.ScoreToWin = 5
	}
	if rater == nil {
		rater = noopRater{}
	}
	return &Lifecycle{
		id:       id,
		settings: settings,
		timing:   timing,
		logger:   logger,
		rater:    rater,
		game: sim.New(sim.Config{
			BallSpeed: settings.BallSpeed,
			CoolMode:  settings.CoolMode,
			Seed:      settings.Seed,
		}),
		state:   StatePending,
		cmds:    make(chan command, 256),
		done:    make(chan struct{}),
		onStart: onStart,
		onEnd:   onEnd,
	}
}

// ID returns the room id this lifecycle serves.
func (l *Lifecycle) ID() RoomID { return l.id }

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(st State) {
	l.stateMu.Lock()
	l.state = st
	l.stateMu.Unlock()
}

// Done closes when the lifecycle reaches Ended.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// PlayerConnected queues a connect for the given player.
func (l *Lifecycle) PlayerConnected(player PlayerInfo, conn Conn) {
	l.send(connectCmd{player: player, conn: conn})
}

// PlayerDisconnected queues a disconnect.
func (l *Lifecycle) PlayerDisconnected(id PlayerID) {
	l.send(disconnectCmd{playerID: id})
}

// PlayerInput queues a paddle intent change.
func (l *Lifecycle) PlayerInput(id PlayerID, action InputAction, pressed bool) {
	l.send(inputCmd{playerID: id, action: action, pressed: pressed})
}

// Stop tears the match down externally (room closed, tournament
// cancelled). Idempotent.
func (l *Lifecycle) Stop() {
	l.send(stopCmd{})
}

func (l *Lifecycle) send(cmd command) {
	select {
	case l.cmds <- cmd:
	case <-l.done:
	}
}

// Run executes the match loop until Ended. Commands, the tick timer and
// the grace timers all deliver into this single select.
func (l *Lifecycle) Run() {
	l.waitTimer = time.AfterFunc(l.timing.WaitingGrace, func() {
		l.send(waitExpiredCmd{})
	})
	l.tickTimer = time.NewTimer(l.timing.TickInterval)
	stopTimer(l.tickTimer)

	for {
		var tickC <-chan time.Time
		if l.state == StateOngoing {
			tickC = l.tickTimer.C
		}
		select {
		case <-tickC:
			l.runTick()
		case cmd := <-l.cmds:
			l.handle(cmd)
		case <-l.done:
			return
		}
		if l.state == StateEnded {
			return
		}
	}
}

func (l *Lifecycle) handle(cmd command) {
	switch c := cmd.(type) {
	case connectCmd:
		l.handleConnect(c)
	case disconnectCmd:
		l.handleDisconnect(c)
	case inputCmd:
		l.handleInput(c)
	case waitExpiredCmd:
		// Stale deliveries after the match started are ignored.
		if l.state == StatePending {
			l.logger.Info("waiting grace expired", "room", l.id)
			l.end(ReasonCancelled, nil)
		}
	case reconnectExpiredCmd:
		l.handleReconnectExpired(c)
	case stopCmd:
		if l.state != StateEnded {
			l.end(ReasonCancelled, nil)
		}
	}
}

func (l *Lifecycle) handleConnect(c connectCmd) {
	switch l.state {
	case StatePending:
		s := l.seatOf(c.player.ID)
		if s == nil {
			s = l.claimSeat(c.player)
		}
		if s == nil {
			l.logger.Warn("connect to full room ignored", "room", l.id, "player", c.player.ID)
			return
		}
		s.conn = c.conn
		s.connected = true
		if l.bothConnected() {
			l.startOngoing()
		}

	case StateOngoing:
		// Transport flap: same player re-attaching replaces the connection.
		if s := l.seatOf(c.player.ID); s != nil {
			s.conn = c.conn
			s.connected = true
		}

	case StatePaused:
		s := l.seatOf(c.player.ID)
		if s == nil {
			return
		}
		s.conn = c.conn
		if !s.connected {
			s.connected = true
			if s.reconnect != nil {
				s.reconnect.Stop()
				s.reconnect = nil
			}
			if l.bothConnected() {
				l.resumeOngoing()
			}
		}

	case StateEnded:
	}
}

func (l *Lifecycle) handleDisconnect(c disconnectCmd) {
	s := l.seatOf(c.playerID)
	if s == nil {
		return
	}

	switch l.state {
	case StatePending:
		// No penalty: free the seat, the waiting timer keeps running.
		l.freeSeat(c.playerID)

	case StateOngoing:
		s.connected = false
		l.setState(StatePaused)
		stopTimer(l.tickTimer)
		l.openReconnectWindow(s)

	case StatePaused:
		if s.connected {
			s.connected = false
			l.openReconnectWindow(s)
		}
	}
}

func (l *Lifecycle) openReconnectWindow(s *seat) {
	id := s.info.ID
	s.reconnect = time.AfterFunc(l.timing.ReconnectGrace, func() {
		l.send(reconnectExpiredCmd{playerID: id})
	})
	l.logger.Info("match paused", "room", l.id, "player", id)
	l.broadcast(GamePausedEvent{RemainingTime: l.timing.ReconnectGrace, Name: s.info.Name})
}

func (l *Lifecycle) handleInput(c inputCmd) {
	if l.state != StateOngoing {
		return
	}
	s := l.seatOf(c.playerID)
	if s == nil {
		return
	}
	switch c.action {
	case ActionMoveLeft:
		l.game.SetMoveLeft(s.side, c.pressed)
	case ActionMoveRight:
		l.game.SetMoveRight(s.side, c.pressed)
	}
}

func (l *Lifecycle) handleReconnectExpired(c reconnectExpiredCmd) {
	if l.state != StatePaused {
		return
	}
	s := l.seatOf(c.playerID)
	if s == nil || s.connected {
		return
	}
	l.logger.Info("reconnection window expired", "room", l.id, "player", c.playerID)
	l.end(ReasonResignation, l.other(s))
}

func (l *Lifecycle) startOngoing() {
	stopTimer(l.waitTimer)
	l.setState(StateOngoing)
	l.logger.Info("match started", "room", l.id)
	l.broadcast(GameStartedEvent{RoomID: l.id})
	if l.onStart != nil {
		l.onStart(l.id)
	}
	l.tickTimer.Reset(l.timing.TickInterval)
}

func (l *Lifecycle) resumeOngoing() {
	l.setState(StateOngoing)
	l.broadcast(GameUnpausedEvent{})
	l.tickTimer.Reset(l.timing.TickInterval)
}

// runTick advances the simulation once, broadcasts the snapshot, resolves
// end conditions, and re-arms the timer at max(0, interval-elapsed) so
// the rate stays stable regardless of simulation cost.
func (l *Lifecycle) runTick() {
	start := time.Now()

	l.game.AdvanceOneTick()
	l.broadcast(StateUpdatedEvent{State: l.game.Snapshot()})

	for _, s := range l.seats {
		if s != nil && l.game.Score(s.side) >= l.settings.ScoreToWin {
			l.end(ReasonScore, s)
			return
		}
	}

	if l.settings.TimeLimit > 0 {
		elapsed := time.Duration(l.game.Tick()) * l.timing.TickInterval
		if elapsed >= l.settings.TimeLimit {
			// Higher score wins; a tie plays on until the next point.
			a, b := l.seats[0], l.seats[1]
			if a != nil && b != nil && l.game.Score(a.side) != l.game.Score(b.side) {
				if l.game.Score(a.side) > l.game.Score(b.side) {
					l.end(ReasonTimeLimit, a)
				} else {
					l.end(ReasonTimeLimit, b)
				}
				return
			}
		}
	}

	delay := l.timing.TickInterval - time.Since(start)
	if delay < 0 {
		delay = 0
	}
	l.tickTimer.Reset(delay)
}

// end cancels every named task, broadcasts the terminal event, and
// reports the result. Winner nil means cancellation.
func (l *Lifecycle) end(reason EndReason, winner *seat) {
	stopTimer(l.waitTimer)
	stopTimer(l.tickTimer)
	for _, s := range l.seats {
		if s != nil && s.reconnect != nil {
			s.reconnect.Stop()
			s.reconnect = nil
		}
	}
	l.setState(StateEnded)

	res := Result{
		RoomID: l.id,
		Reason: reason,
		Ranked: l.settings.Ranked,
		Ticks:  l.game.Tick(),
	}

	switch reason {
	case ReasonCancelled:
		l.broadcast(GameCancelledEvent{})
	default:
		loser := l.other(winner)
		res.Winner = &winner.info
		res.WinnerScore = l.game.Score(winner.side)
		if loser != nil {
			res.Loser = &loser.info
			res.LoserScore = l.game.Score(loser.side)
		}
		if l.settings.Ranked && res.Loser != nil {
			res.EloChange = l.rater.Change(winner.info, loser.info)
		}
		ev := PlayerWonEvent{
			Winner:      winner.info,
			WinnerScore: res.WinnerScore,
			LoserScore:  res.LoserScore,
			EloChange:   res.EloChange,
		}
		if loser != nil {
			ev.Loser = loser.info
		}
		if reason == ReasonResignation {
			l.broadcast(PlayerResignedEvent(ev))
		} else {
			l.broadcast(ev)
		}
	}

	l.logger.Info("match ended", "room", l.id, "reason", reason)
	l.doneOnce.Do(func() { close(l.done) })
	if l.onEnd != nil {
		l.onEnd(res)
	}
}

func (l *Lifecycle) broadcast(ev Event) {
	for _, s := range l.seats {
		if s != nil && s.connected && s.conn != nil {
			s.conn.Send(ev)
		}
	}
}

func (l *Lifecycle) seatOf(id PlayerID) *seat {
	for _, s := range l.seats {
		if s != nil && s.info.ID == id {
			return s
		}
	}
	return nil
}

// claimSeat assigns the first free seat: first player north, second south.
func (l *Lifecycle) claimSeat(player PlayerInfo) *seat {
	sides := [2]sim.Side{sim.SideNorth, sim.SideSouth}
	for i := range l.seats {
		if l.seats[i] == nil {
			l.seats[i] = &seat{info: player, side: sides[i]}
			return l.seats[i]
		}
	}
	return nil
}

func (l *Lifecycle) freeSeat(id PlayerID) {
	for i, s := range l.seats {
		if s != nil && s.info.ID == id {
			l.seats[i] = nil
			return
		}
	}
}

func (l *Lifecycle) other(s *seat) *seat {
	for _, o := range l.seats {
		if o != nil && o != s {
			return o
		}
	}
	return nil
}

func (l *Lifecycle) bothConnected() bool {
	for _, s := range l.seats {
		if s == nil || !s.connected {
			return false
		}
	}
	return true
}

// stopTimer stops and drains a timer so a later Reset is safe.
func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
