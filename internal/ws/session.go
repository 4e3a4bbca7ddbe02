package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-trading-platform/internal/domain"
)

const (
	// mailboxSize bounds each session's outbound queue. Overflow evicts
	// the session after a terminal kicked frame.
	mailboxSize = 1000

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Conn is the transport surface a session writes to. *websocket.Conn
// satisfies it; tests use an in-memory fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(fn func(string) error)
	Close() error
}

// Session is one authenticated client connection. A user may hold any
// number of concurrent sessions; each has its own subscriptions and
// mailbox.
type Session struct {
	ID     string
	UserID domain.ID

	hub     *Hub
	conn    Conn
	mailbox chan []byte
	kicked  chan struct{}
	done    chan struct{}

	kickOnce sync.Once
	doneOnce sync.Once

	// subs holds this session's subscription keys, guarded by hub.mu.
	subs map[string]struct{}
}

func newSession(hub *Hub, conn Conn, userID domain.ID) *Session {
	return &Session{
		ID:      domain.NewID().String(),
		UserID:  userID,
		hub:     hub,
		conn:    conn,
		mailbox: make(chan []byte, mailboxSize),
		kicked:  make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[string]struct{}),
	}
}

// push queues an outbound frame. A full mailbox marks the session as a
// slow consumer; the write pump delivers the terminal frame and closes.
func (s *Session) push(data []byte) {
	select {
	case <-s.done:
	case s.mailbox <- data:
	default:
		s.kick()
	}
}

func (s *Session) pushFrame(f Frame) {
	s.push(encodeFrame(f))
}

func (s *Session) kick() {
	s.kickOnce.Do(func() { close(s.kicked) })
}

func (s *Session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// writePump is the single writer for the connection, which keeps
// delivery ordered per session.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.mailbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.Detach(s)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Detach(s)
				return
			}

		case <-s.kicked:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.TextMessage, encodeFrame(Frame{Type: FrameKicked}))
			s.hub.Detach(s)
			return

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// readPump parses inbound control frames until the peer goes away.
func (s *Session) readPump() {
	defer s.hub.Detach(s)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.handleControl(s, data)
	}
}
