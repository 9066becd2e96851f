package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession represents a connected device
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds live sessions keyed by device token.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn and reads from it until it closes, then drops the
// session. It returns immediately.
func (r *WSRegistry) Add(deviceToken string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[deviceToken]; ok {
		_ = old.conn.Close()
	}
	r.sessions[deviceToken] = s
	r.mu.Unlock()

	go func() {
		defer r.remove(deviceToken, s)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *WSRegistry) remove(deviceToken string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceToken]; ok && cur == s {
		delete(r.sessions, deviceToken)
	}
	_ = s.conn.Close()
}

func (r *WSRegistry) Connected(deviceToken string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[deviceToken]
	return ok
}

func (r *WSRegistry) Send(_ context.Context, deviceToken string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[deviceToken]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(msg)
}
