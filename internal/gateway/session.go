package gateway

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/matchmaking"
)

const (
	writeTimeout    = 10 * time.Second
	pingPeriod      = 45 * time.Second
	outboundBuffer  = 128
	maxInboundBytes = 4 << 10
)

// wsSession owns one websocket connection. The write pump is the only
// goroutine that touches the writer; everything else goes through the
// buffered outbound channel. Send never blocks: on overflow the oldest
// frame is dropped, which for state snapshots is the right loss.
type wsSession struct {
	conn   *websocket.Conn
	logger *log.Logger

	out      chan []byte
	done     chan struct{}
	doneOnce sync.Once

	closeMu   sync.Mutex
	closeCode int
	closeText string
}

func newSession(conn *websocket.Conn, logger *log.Logger) *wsSession {
	s := &wsSession{
		conn:      conn,
		logger:    logger,
		out:       make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
		closeCode: CloseNormal,
	}
	go s.writePump()
	return s
}

// Done closes when the session ends.
func (s *wsSession) Done() <-chan struct{} { return s.done }

// send queues one frame. Never blocks.
func (s *wsSession) send(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.out <- frame:
	default:
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- frame:
		default:
		}
	}
}

// closeWith records the close code and ends the session. The write pump
// delivers the close frame. Safe to call multiple times; the first code
// wins.
func (s *wsSession) closeWith(code int, text string) {
	s.doneOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode = code
		s.closeText = text
		s.closeMu.Unlock()
		close(s.done)
	})
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.closeWith(CloseNormal, "")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith(CloseNormal, "")
				return
			}
		case <-s.done:
			// Flush queued frames before the close handshake.
			for {
				select {
				case frame := <-s.out:
					s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					s.closeMu.Lock()
					code, text := s.closeCode, s.closeText
					s.closeMu.Unlock()
					s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, text))
					return
				}
			}
		}
	}
}

// readPump decodes inbound frames and hands them to handle until the
// connection drops or handle reports a protocol violation.
func (s *wsSession) readPump(handle func(clientMessage) error) {
	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeWith(CloseNormal, "")
			return
		}
		msg, err := decodeClientMessage(data)
		if err != nil {
			s.closeWith(CloseBadData, "malformed message")
			return
		}
		if err := handle(msg); err != nil {
			s.closeWith(CloseBadData, "rejected message")
			return
		}
	}
}

// matchConn adapts a session to the match engine's connection interface.
type matchConn struct {
	s *wsSession
}

func (c matchConn) Send(ev match.Event) {
	frame, err := encodeMatchEvent(ev)
	if err != nil {
		c.s.logger.Error("cannot encode match event", "err", err)
		return
	}
	c.s.send(frame)
}

func (c matchConn) Done() <-chan struct{} { return c.s.Done() }

// mmConn adapts a session to the matchmaker's connection interface.
type mmConn struct {
	s *wsSession
}

func (c mmConn) Send(ev matchmaking.Event) {
	frame, err := encodeMatchmakingEvent(ev)
	if err != nil {
		c.s.logger.Error("cannot encode matchmaking event", "err", err)
		return
	}
	c.s.send(frame)
}
