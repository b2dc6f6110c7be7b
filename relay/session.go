package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024 * 1024
	sendBuffer     = 64
)

// Session is one connected WebSocket peer.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	address string
	group   string

	send      chan []byte
	alive     atomic.Bool
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, address, group string) *Session {
	s := &Session{
		hub:     hub,
		conn:    conn,
		address: address,
		group:   group,
		send:    make(chan []byte, sendBuffer),
	}
	s.alive.Store(true)
	return s
}

// Address returns the address the session registered under.
func (s *Session) Address() string { return s.address }

// Group returns the session's group, GroupAll for the wildcard.
func (s *Session) Group() string { return s.group }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// readPump delivers wire frames to the hub until the connection drops.
func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.hub.inbound <- inboundFrame{session: s, frame: frame}:
		case <-s.hub.done:
			return
		}
	}
}

// writePump drains the send queue and drives the liveness heartbeat. A
// heartbeat tick that finds no pong since the previous tick force-closes
// the session.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if !s.alive.Swap(false) {
				s.hub.expire(s)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.hub.done:
			return
		}
	}
}
