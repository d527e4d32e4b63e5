package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected driver device for one bus.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions keyed by bus id. Scan outcomes are
// pushed to whichever device is currently driving the bus.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(busID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[busID] = s
	return s
}

// Remove detaches sess unless a newer session has already replaced it for
// the same bus.
func (r *WSRegistry) Remove(busID string, sess *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[busID]; ok && (sess == nil || cur == sess) {
		delete(r.sessions, busID)
	}
}

func (r *WSRegistry) Notify(busID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[busID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "bus_id", busID, "error", err)
		}
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
