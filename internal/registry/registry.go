// ABOUTME: Tracks every open relay connection, classified client or controller.
// ABOUTME: Enforces client id uniqueness, displacing the older session on collision.

package registry

import (
	"log/slog"
	"sync"

	"github.com/fieldhand/relay/internal/protocol"
)

// Conn is the registry's view of a live connection. Implemented by the
// relay's connection type.
type Conn interface {
	// SessionID is the relay-assigned identity, unique per connection.
	SessionID() string
	// Role reports whether this is a client or controller connection.
	Role() protocol.Role
	// ClientID is the agent identity for client connections, empty otherwise.
	ClientID() string
}

// Registry tracks all connected sessions. Safe for concurrent use from
// many connection goroutines.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Conn   // session id -> connection
	clients  map[string]string // client id -> session id
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]Conn),
		clients:  make(map[string]string),
		logger:   logger,
	}
}

// Register adds a connection. For clients whose id collides with a live
// session, the older session is displaced: it is removed from the index
// and returned so the caller can invalidate it. Returns nil otherwise.
func (r *Registry) Register(c Conn) (displaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Role() == protocol.RoleClient {
		if oldSID, ok := r.clients[c.ClientID()]; ok {
			displaced = r.sessions[oldSID]
			delete(r.sessions, oldSID)
		}
		r.clients[c.ClientID()] = c.SessionID()
	}
	r.sessions[c.SessionID()] = c

	r.logger.Info("session registered",
		"session_id", c.SessionID(),
		"role", c.Role(),
		"client_id", c.ClientID(),
		"total_sessions", len(r.sessions),
	)
	return displaced
}

// Unregister removes a session. Idempotent. For clients it reports whether
// the client index still pointed at this session: false means the session
// was already displaced by a re-registration and the caller must not treat
// the client id as gone.
func (r *Registry) Unregister(sessionID string) (c Conn, wasLive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)

	wasLive = true
	if c.Role() == protocol.RoleClient {
		if r.clients[c.ClientID()] == sessionID {
			delete(r.clients, c.ClientID())
		} else {
			wasLive = false
		}
	}

	r.logger.Info("session unregistered",
		"session_id", sessionID,
		"role", c.Role(),
		"client_id", c.ClientID(),
		"total_sessions", len(r.sessions),
	)
	return c, wasLive
}

// Get retrieves a session by its relay-assigned id.
func (r *Registry) Get(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.sessions[sessionID]
	return c, ok
}

// LookupClient retrieves the live connection for a client id.
func (r *Registry) LookupClient(clientID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sid, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	c, ok := r.sessions[sid]
	return c, ok
}

// Clients returns a snapshot of all live client connections.
func (r *Registry) Clients() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.clients))
	for _, sid := range r.clients {
		if c, ok := r.sessions[sid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Controllers returns a snapshot of all controller connections.
func (r *Registry) Controllers() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0)
	for _, c := range r.sessions {
		if c.Role() == protocol.RoleController {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live sessions with the given role.
func (r *Registry) Count(role protocol.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.sessions {
		if c.Role() == role {
			n++
		}
	}
	return n
}
