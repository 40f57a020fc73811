package ingest

import (
	"net"
	"sort"
	"sync"
	"time"

	"fabric/internal/pack"
)

// ConnID identifies an accepted connection for the lifetime of a server.
type ConnID uint64

// Session is the identity state of one connection. Identity fields stay
// empty until the client logs in.
type Session struct {
	ID            ConnID
	Peer          string
	Account       string
	Credential    string
	ClientType    string
	CorrelationID string
	ConnectedAt   time.Time
	LoggedInAt    time.Time
}

// Identified reports whether a login has been applied to the session.
func (s Session) Identified() bool {
	return !s.LoggedInAt.IsZero()
}

type entry struct {
	session Session
	conn    net.Conn
	writeMu sync.Mutex
}

// Registry tracks live connections of one server.
type Registry struct {
	mu      sync.RWMutex
	entries map[ConnID]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ConnID]*entry)}
}

// Add creates the entry for a freshly accepted connection. It reports false
// when id is already present.
func (r *Registry) Add(id ConnID, peer string, conn net.Conn, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = &entry{
		session: Session{ID: id, Peer: peer, ConnectedAt: at},
		conn:    conn,
	}
	return true
}

// Identify copies the login identity into the entry of id.
func (r *Registry) Identify(id ConnID, login pack.Login, at time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	e.session.Account = login.Account.String()
	e.session.Credential = login.Credential.String()
	e.session.ClientType = login.ClientType.String()
	e.session.CorrelationID = login.CorrelationID.String()
	e.session.LoggedInAt = at
	return e.session, true
}

// Remove deletes the entry of id and returns its last state.
func (r *Registry) Remove(id ConnID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	delete(r.entries, id)
	return e.session, true
}

// Get returns a copy of the session of id.
func (r *Registry) Get(id ConnID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

func (r *Registry) lookup(id ConnID) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns every session ordered by id.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops every entry without touching the connections.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.entries)
	r.mu.Unlock()
}

func (r *Registry) conns() []net.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]net.Conn, 0, len(r.entries))
	for _, e := range r.entries {
		if e.conn != nil {
			out = append(out, e.conn)
		}
	}
	return out
}
