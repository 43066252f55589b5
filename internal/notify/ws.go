// Package notify pushes new assignments to operators connected over websocket.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one session per operator. A newer connection replaces an older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*session
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[int64]*session), logger: logger}
}

// Add registers conn and starts a reader that drops the session when the peer goes away.
func (r *WSRegistry) Add(operatorID int64, conn *websocket.Conn) {
	s := &session{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[operatorID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[operatorID] = s
	r.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				r.remove(operatorID, s)
				return
			}
		}
	}()
}

func (r *WSRegistry) remove(operatorID int64, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[operatorID]; ok && cur == s {
		delete(r.sessions, operatorID)
		_ = s.conn.Close()
	}
}

// Connected reports whether the operator has a live session.
func (r *WSRegistry) Connected(operatorID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[operatorID]
	return ok
}

// Notify sends v as JSON to the operator's session.
func (r *WSRegistry) Notify(operatorID int64, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[operatorID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(v); err != nil {
		r.logger.Warn("ws send failed", "operator_id", operatorID, "error", err)
		r.remove(operatorID, s)
		return err
	}
	return nil
}
