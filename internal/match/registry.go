package match

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Registry owns the set of active matches keyed by room id: at most one
// lifecycle per room at any time, removed on terminal state. Inbound
// connect/disconnect/input events are routed to the owning lifecycle's
// mailbox, so per-match state keeps a single writer.
type Registry struct {
	timing Timing
	logger *log.Logger
	rater  Rater

	mu      sync.RWMutex
	matches map[RoomID]*Lifecycle

	// StartSink is invoked when a match transitions to Ongoing; the
	// server uses it to mark rooms and brackets started.
	startSink func(RoomID)
	// ResultSink receives every terminal result (persistence, tournament
	// progression).
	resultSink func(Result)
}

// NewRegistry creates an empty registry.
func NewRegistry(timing Timing, logger *log.Logger, rater Rater) *Registry {
	return &Registry{
		timing:  timing,
		logger:  logger,
		rater:   rater,
		matches: make(map[RoomID]*Lifecycle),
	}
}

// SetStartSink registers the match-started callback. Must be called
// before the first Attach.
func (r *Registry) SetStartSink(fn func(RoomID)) { r.startSink = fn }

// SetResultSink registers the terminal-result callback. Must be called
// before the first Attach.
func (r *Registry) SetResultSink(fn func(Result)) { r.resultSink = fn }

// Attach routes a player connection into the room's lifecycle, creating
// it on first attach. The caller has already authorized the player for
// this room.
func (r *Registry) Attach(roomID RoomID, settings Settings, player PlayerInfo, conn Conn) error {
	r.mu.Lock()
	lc, ok := r.matches[roomID]
	if !ok {
		lc = NewLifecycle(roomID, settings, r.timing, r.logger, r.rater, r.handleStarted, r.handleEnded)
		r.matches[roomID] = lc
		go lc.Run()
	}
	r.mu.Unlock()

	if lc.State() == StateEnded {
		return fmt.Errorf("match: room %s already ended", roomID)
	}
	lc.PlayerConnected(player, conn)
	return nil
}

// Detach routes a player disconnect to the room's lifecycle.
func (r *Registry) Detach(roomID RoomID, playerID PlayerID) {
	if lc := r.get(roomID); lc != nil {
		lc.PlayerDisconnected(playerID)
	}
}

// Input routes a paddle intent to the room's lifecycle.
func (r *Registry) Input(roomID RoomID, playerID PlayerID, action InputAction, pressed bool) {
	if lc := r.get(roomID); lc != nil {
		lc.PlayerInput(playerID, action, pressed)
	}
}

// Close tears down one match (room closed, tournament cancelled).
func (r *Registry) Close(roomID RoomID) {
	if lc := r.get(roomID); lc != nil {
		lc.Stop()
	}
}

// Shutdown stops every active match.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	active := make([]*Lifecycle, 0, len(r.matches))
	for _, lc := range r.matches {
		active = append(active, lc)
	}
	r.mu.RUnlock()

	for _, lc := range active {
		lc.Stop()
		<-lc.Done()
	}
}

// Get returns the lifecycle for a room, if active.
func (r *Registry) Get(roomID RoomID) (*Lifecycle, bool) {
	lc := r.get(roomID)
	return lc, lc != nil
}

// Count returns the number of active matches.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}

func (r *Registry) get(roomID RoomID) *Lifecycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matches[roomID]
}

func (r *Registry) handleStarted(roomID RoomID) {
	if r.startSink != nil {
		r.startSink(roomID)
	}
}

// handleEnded runs on the lifecycle goroutine as its final act: the
// instance is removed before the result is reported, so no later event
// can reach an ended match.
func (r *Registry) handleEnded(res Result) {
	r.mu.Lock()
	delete(r.matches, res.RoomID)
	r.mu.Unlock()

	if r.resultSink != nil {
		r.resultSink(res)
	}
}
