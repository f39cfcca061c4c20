package webchat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionPool tracks the open relay connections so the server can close them together.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[string]*connection
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[string]*connection{}}
}

func (cp *ConnectionPool) add(c *connection) {
	if cp == nil || c == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[c.id] = c
	cp.mu.Unlock()
}

func (cp *ConnectionPool) remove(c *connection) {
	if cp == nil || c == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, c.id)
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAll asks every connection to close with code. Each connection writes its own close frame.
func (cp *ConnectionPool) CloseAll(code int, reason string) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]*connection, 0, len(cp.conns))
	for _, c := range cp.conns {
		conns = append(conns, c)
	}
	cp.mu.Unlock()

	if len(conns) > 0 {
		log.Info().Str("component", "webchat").Int("connections", len(conns)).Int("code", code).Msg("closing connections")
	}
	for _, c := range conns {
		c.requestClose(code, reason)
	}
}
