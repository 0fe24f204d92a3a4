package proxy

import (
	"errors"
	"sync"

	"github.com/fr13n8/tunsock/proxy/protocol"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/lithammer/shortuuid/v4"
)

// sessionManager tracks the client connections of a stream server.
type sessionManager struct {
	sessions map[string]transport.StreamConn
	mu       sync.Mutex
}

func newSessionManager() *sessionManager {
	return &sessionManager{
		sessions: make(map[string]transport.StreamConn),
	}
}

func (m *sessionManager) add(conn transport.StreamConn) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := shortuuid.New()
	m.sessions[id] = conn
	return id
}

func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// cleanup closes every session.
func (m *sessionManager) cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, conn := range m.sessions {
		if err := conn.CloseWithError(protocol.ApplicationOK, "server closing down"); err != nil {
			errs = append(errs, err)
		}
		delete(m.sessions, id)
	}
	return errors.Join(errs...)
}
